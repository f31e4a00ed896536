// Package trace provides distributed tracing with W3C Trace Context propagation.
// Spans are backed by OpenTelemetry; the package keeps a small surface so callers
// only deal with StartSpan, Span and Logger.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Propagation keys (W3C trace context).
const (
	TraceparentKey = "traceparent"
	TracestateKey  = "tracestate"
)

const instrumentationName = "github.com/GriffinCanCode/skillloop"

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID string
	SpanID  string
}

// Options configures the process-wide tracer provider.
type Options struct {
	SampleRatio   float64       // fraction of root spans recorded
	SlowThreshold time.Duration // spans at least this long are logged on end
}

// Setup installs an SDK tracer provider and the W3C propagator as globals.
// The returned function flushes and shuts the provider down.
func Setup(opts Options, extra ...sdktrace.SpanProcessor) func(context.Context) error {
	if opts.SampleRatio <= 0 {
		opts.SampleRatio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithSpanProcessor(&slowSpanLogger{threshold: opts.SlowThreshold}),
	}
	for _, p := range extra {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown
}

func tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// FromContext extracts trace identifiers from context.Context.
func FromContext(ctx context.Context) (Context, bool) {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return Context{}, false
	}
	return Context{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}, true
}

// LogAttrs returns slog attributes for logging.
func (c Context) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("trace_id", c.TraceID),
		slog.String("span_id", c.SpanID),
	}
}

// Span represents a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time

	mu    sync.Mutex
	attrs map[string]any
	otel  oteltrace.Span
}

// StartSpan begins a new span as a child of any span already in ctx.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	ctx, otelSpan := tracer().Start(ctx, name)
	tc, _ := FromContext(ctx)
	return ctx, &Span{
		Name:      name,
		Ctx:       tc,
		StartTime: time.Now(),
		attrs:     make(map[string]any),
		otel:      otelSpan,
	}
}

// End marks the span as complete.
func (s *Span) End() {
	s.mu.Lock()
	s.EndTime = time.Now()
	s.mu.Unlock()
	s.otel.End()
}

// SetAttr sets a span attribute.
func (s *Span) SetAttr(key string, val any) {
	s.mu.Lock()
	s.attrs[key] = val
	s.mu.Unlock()
	s.otel.SetAttributes(toAttribute(key, val))
}

// RecordError marks the span failed.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.otel.RecordError(err)
	s.otel.SetStatus(codes.Error, err.Error())
}

// Duration returns span duration.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("span_name", s.Name),
		slog.String("trace_id", s.Ctx.TraceID),
		slog.String("span_id", s.Ctx.SpanID),
		slog.Duration("duration", s.Duration()),
	}
	s.mu.Lock()
	for k, v := range s.attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.mu.Unlock()
	return slog.GroupValue(attrs...)
}

func toAttribute(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.String(key, v.String())
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

// Logger returns a slog.Logger with trace context.
func Logger(ctx context.Context) *slog.Logger {
	tc, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With("trace_id", tc.TraceID, "span_id", tc.SpanID)
}

// slowSpanLogger reports spans whose duration crosses a threshold.
type slowSpanLogger struct {
	threshold time.Duration
}

func (l *slowSpanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (l *slowSpanLogger) OnEnd(s sdktrace.ReadOnlySpan) {
	d := s.EndTime().Sub(s.StartTime())
	sc := s.SpanContext()
	if s.Status().Code == codes.Error {
		slog.Warn("span failed", "span_name", s.Name(), "trace_id", sc.TraceID().String(), "duration", d, "error", s.Status().Description)
		return
	}
	if l.threshold > 0 && d >= l.threshold {
		slog.Debug("slow span", "span_name", s.Name(), "trace_id", sc.TraceID().String(), "duration", d)
	}
}

func (l *slowSpanLogger) Shutdown(context.Context) error   { return nil }
func (l *slowSpanLogger) ForceFlush(context.Context) error { return nil }
