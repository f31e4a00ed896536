package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	apperrors "github.com/GriffinCanCode/skillloop/internal/errors"
	"github.com/GriffinCanCode/skillloop/internal/rotation"
)

// mockController records commands and follows the coordinator's transitions.
type mockController struct {
	mu        sync.Mutex
	state     rotation.State
	version   uint64
	reloadErr error
	calls     []string
}

func (m *mockController) Status() rotation.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rotation.Status{State: m.state, Version: m.version, Probes: 2, Enabled: 1}
}

func (m *mockController) move(op string, from, to rotation.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
	if m.state != from {
		return apperrors.Newf(apperrors.StateConflict, "cannot %s while %s", op, m.state)
	}
	m.state = to
	return nil
}

func (m *mockController) Start(context.Context) error {
	return m.move("start", rotation.Stopped, rotation.Running)
}

func (m *mockController) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "stop")
	m.state = rotation.Stopped
	return nil
}

func (m *mockController) Pause(context.Context) error {
	return m.move("pause", rotation.Running, rotation.Paused)
}

func (m *mockController) Resume(context.Context) error {
	return m.move("resume", rotation.Paused, rotation.Running)
}

func (m *mockController) Reload(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "reload")
	if m.reloadErr != nil {
		return 0, m.reloadErr
	}
	m.version++
	return m.version, nil
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/test", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, OPTIONS" {
		t.Errorf("CORS methods = %q, want %q", v, "GET, POST, OPTIONS")
	}
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, Reply) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	var reply Reply
	if rec.Code != http.StatusMethodNotAllowed {
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
			t.Fatalf("decode %s %s: %v (body %q)", method, path, err, rec.Body.String())
		}
	}
	return rec, reply
}

func TestStatusEndpoint(t *testing.T) {
	h := New(&mockController{state: rotation.Paused, version: 4}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var st rotation.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != rotation.Paused || st.Version != 4 || st.Probes != 2 {
		t.Errorf("status = %+v, want paused v4 with 2 probes", st)
	}
}

func TestCommandEndpoints(t *testing.T) {
	ctrl := &mockController{}
	h := New(ctrl).Handler()

	tests := []struct {
		path  string
		code  int
		typ   string
		state rotation.State
	}{
		{"/api/start", http.StatusOK, "ack", rotation.Running},
		{"/api/start", http.StatusConflict, "error", rotation.Running},
		{"/api/pause", http.StatusOK, "ack", rotation.Paused},
		{"/api/resume", http.StatusOK, "ack", rotation.Running},
		{"/api/stop", http.StatusOK, "ack", rotation.Stopped},
		{"/api/resume", http.StatusConflict, "error", rotation.Stopped},
	}
	for _, tt := range tests {
		rec, reply := do(t, h, "POST", tt.path)
		if rec.Code != tt.code {
			t.Errorf("POST %s status = %d, want %d", tt.path, rec.Code, tt.code)
		}
		if reply.Type != tt.typ || reply.State != tt.state {
			t.Errorf("POST %s reply = %+v, want %s in %v", tt.path, reply, tt.typ, tt.state)
		}
		if tt.typ == "error" && reply.Code != apperrors.StateConflict.String() {
			t.Errorf("POST %s code = %q, want STATE_CONFLICT", tt.path, reply.Code)
		}
	}
}

func TestReloadEndpoint(t *testing.T) {
	ctrl := &mockController{version: 1}
	h := New(ctrl).Handler()

	rec, reply := do(t, h, "POST", "/api/reload")
	if rec.Code != http.StatusOK || reply.Version != 2 {
		t.Errorf("reload = %d %+v, want 200 version 2", rec.Code, reply)
	}

	ctrl.reloadErr = apperrors.New(apperrors.ConfigInvalid, "bad yaml")
	rec, reply = do(t, h, "POST", "/api/reload")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("failed reload status = %d, want 400", rec.Code)
	}
	if !strings.Contains(reply.Message, "bad yaml") {
		t.Errorf("message = %q, want cause", reply.Message)
	}
}

func TestCommandRequiresPost(t *testing.T) {
	h := New(&mockController{}).Handler()
	rec, _ := do(t, h, "GET", "/api/start")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/start = %d, want 405", rec.Code)
	}
}

func TestDispatchUnknown(t *testing.T) {
	s := New(&mockController{})
	reply := s.dispatch(context.Background(), "explode")
	if reply.Type != "error" || reply.Code != apperrors.InvalidArgument.String() {
		t.Errorf("dispatch(explode) = %+v, want INVALID_ARGUMENT error", reply)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code apperrors.Code
		want int
	}{
		{apperrors.StateConflict, http.StatusConflict},
		{apperrors.ConfigInvalid, http.StatusBadRequest},
		{apperrors.ConfigMissing, http.StatusNotFound},
		{apperrors.CaptureDeviceUnavailable, http.StatusServiceUnavailable},
		{apperrors.RateLimited, http.StatusTooManyRequests},
		{apperrors.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.code); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	var rl rateLimiter
	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow() {
			t.Fatalf("message %d rejected, want allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message over limit allowed")
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestWebSocketCommands(t *testing.T) {
	ctrl := &mockController{}
	srv := httptest.NewServer(New(ctrl).Handler())
	defer srv.Close()
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, step := range []struct {
		cmd, typ string
		state    rotation.State
	}{
		{"start", "ack", rotation.Running},
		{"pause", "ack", rotation.Paused},
		{"status", "status", rotation.Paused},
		{"pause", "error", rotation.Paused},
	} {
		if err := wsjson.Write(ctx, conn, Command{Type: step.cmd}); err != nil {
			t.Fatalf("write %s: %v", step.cmd, err)
		}
		var reply Reply
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			t.Fatalf("read %s: %v", step.cmd, err)
		}
		if reply.Type != step.typ || reply.State != step.state {
			t.Errorf("%s reply = %+v, want %s in %v", step.cmd, reply, step.typ, step.state)
		}
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply Reply
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Code != apperrors.InvalidArgument.String() {
		t.Errorf("malformed reply = %+v, want INVALID_ARGUMENT", reply)
	}
}

func TestWebSocketRateLimit(t *testing.T) {
	srv := httptest.NewServer(New(&mockController{}).Handler())
	defer srv.Close()
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	limited := 0
	for i := 0; i < RateLimitMessages+3; i++ {
		if err := wsjson.Write(ctx, conn, Command{Type: "status"}); err != nil {
			t.Fatalf("write: %v", err)
		}
		var reply Reply
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			t.Fatalf("read: %v", err)
		}
		if reply.Message == "rate limit exceeded" {
			limited++
			if reply.Code != apperrors.RateLimited.String() {
				t.Errorf("rate limit reply code = %q, want %q", reply.Code, apperrors.RateLimited)
			}
		}
	}
	if limited != 3 {
		t.Errorf("limited = %d, want 3", limited)
	}
}

func TestBroadcastEvents(t *testing.T) {
	s := New(&mockController{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := make(chan rotation.Event, 1)
	done := make(chan error, 1)
	go func() { done <- s.Broadcast(ctx, events) }()

	for s.Clients() == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	events <- rotation.Event{Type: rotation.EventAction, SkillID: "fireball", Key: "Q", Pressed: true}
	var got rotation.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != rotation.EventAction || got.SkillID != "fireball" || !got.Pressed {
		t.Errorf("event = %+v, want pressed fireball action", got)
	}

	close(events)
	if err := <-done; err != nil {
		t.Errorf("Broadcast() = %v, want nil", err)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := New(&mockController{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() = %v, want nil", err)
		}
	case <-time.After(ShutdownTimeout + time.Second):
		t.Fatal("server did not shut down")
	}
}
