// Package trace - HTTP/WebSocket middleware for trace extraction.
package trace

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Middleware extracts or creates trace context for HTTP requests.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractFromJSON continues a trace named by a "traceparent" field in a JSON message.
// Returns the resulting context and whether a parent was found.
func ExtractFromJSON(ctx context.Context, data []byte) (context.Context, bool) {
	var msg struct {
		Traceparent string `json:"traceparent"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Traceparent == "" {
		return ctx, false
	}
	carrier := propagation.MapCarrier{TraceparentKey: msg.Traceparent}
	out := otel.GetTextMapPropagator().Extract(ctx, carrier)
	_, ok := FromContext(out)
	return out, ok
}
