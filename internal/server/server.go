package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
	"github.com/GriffinCanCode/skillloop/internal/trace"
)

// Controller is the rotation surface exposed to clients.
type Controller interface {
	Status() rotation.Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// Reload re-reads the probe file and returns the new set version.
	Reload(ctx context.Context) (uint64, error)
}

// Command is a client request received over the socket.
type Command struct {
	Type string `json:"type"`
}

// Reply answers a command.
type Reply struct {
	Type    string           `json:"type"` // "ack", "status" or "error"
	Command string           `json:"command,omitempty"`
	State   rotation.State   `json:"state"`
	Version uint64           `json:"version,omitempty"`
	Code    string           `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
	Status  *rotation.Status `json:"status,omitempty"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

type client struct {
	send    chan rotation.Event
	limiter rateLimiter
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	ctrl    Controller
	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped uint64
}

// New creates a server for ctrl.
func New(ctrl Controller) *Server {
	return &Server{ctrl: ctrl, clients: make(map[*client]struct{})}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	for _, name := range []string{"start", "stop", "pause", "resume", "reload"} {
		mux.HandleFunc("POST /api/"+name, s.handleCommand(name))
	}

	return corsMiddleware(trace.Middleware(mux))
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.Unavailable, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: ReadHeaderTimeout}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast fans events out to connected sockets until events closes or ctx
// is done. A client whose buffer is full misses the event.
func (s *Server) Broadcast(ctx context.Context, events <-chan rotation.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- evt:
				default:
					s.dropped++
				}
			}
			s.mu.Unlock()
		}
	}
}

// Dropped returns how many events slow clients missed.
func (s *Server) Dropped() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Clients returns the number of connected sockets.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleCommand(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := s.dispatch(r.Context(), name)
		code := http.StatusOK
		if reply.Type == "error" {
			code = httpStatus(apperrors.ParseCode(reply.Code))
		}
		writeJSON(w, code, reply)
	}
}

// dispatch runs one named command against the controller.
func (s *Server) dispatch(ctx context.Context, name string) Reply {
	ctx, span := trace.StartSpan(ctx, "server.command")
	defer span.End()
	span.SetAttr("command", name)

	var (
		err     error
		version uint64
	)
	switch name {
	case "start":
		err = s.ctrl.Start(ctx)
	case "stop":
		err = s.ctrl.Stop(ctx)
	case "pause":
		err = s.ctrl.Pause(ctx)
	case "resume":
		err = s.ctrl.Resume(ctx)
	case "reload":
		version, err = s.ctrl.Reload(ctx)
	case "status":
		st := s.ctrl.Status()
		return Reply{Type: "status", State: st.State, Version: st.Version, Status: &st}
	default:
		err = apperrors.Newf(apperrors.InvalidArgument, "unknown command %q", name)
	}

	state := s.ctrl.Status().State
	if err != nil {
		span.RecordError(err)
		trace.Logger(ctx).Warn("command failed", "command", name, "error", err)
		return Reply{Type: "error", Command: name, State: state, Code: apperrors.CodeOf(err).String(), Message: err.Error()}
	}
	trace.Logger(ctx).Info("command applied", "command", name, "state", state)
	return Reply{Type: "ack", Command: name, State: state, Version: version}
}

func httpStatus(code apperrors.Code) int {
	switch code {
	case apperrors.StateConflict:
		return http.StatusConflict
	case apperrors.InvalidArgument, apperrors.ConfigInvalid:
		return http.StatusBadRequest
	case apperrors.ConfigMissing, apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Timeout, apperrors.TickTimeout:
		return http.StatusGatewayTimeout
	case apperrors.Unavailable, apperrors.CaptureDeviceUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.RateLimited, apperrors.PoolSaturated:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	c := &client{send: make(chan rotation.Event, ClientSendBuffer)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	log := trace.Logger(ctx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	go s.writeEvents(ctx, conn, c)

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		if !c.limiter.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = write(ctx, conn, Reply{Type: "error", Code: apperrors.RateLimited.String(), Message: "rate limit exceeded"})
			continue
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Type == "" {
			_ = write(ctx, conn, Reply{Type: "error", Code: apperrors.InvalidArgument.String(), Message: "malformed command"})
			continue
		}
		cmdCtx, _ := trace.ExtractFromJSON(ctx, raw)
		if err := write(ctx, conn, s.dispatch(cmdCtx, cmd.Type)); err != nil {
			return
		}
	}
}

func (s *Server) writeEvents(ctx context.Context, conn *websocket.Conn, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-c.send:
			if err := write(ctx, conn, evt); err != nil {
				slog.Debug("websocket write error", "error", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
