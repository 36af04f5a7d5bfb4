package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vforsh/argus/internal/cdp"
	"github.com/vforsh/argus/internal/control"
	"github.com/vforsh/argus/internal/eventbus"
	"github.com/vforsh/argus/internal/logbuf"
	"github.com/vforsh/argus/internal/logging"
	"github.com/vforsh/argus/internal/netbuf"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mgr := cdp.NewManager(cdp.Options{ChromeHost: "127.0.0.1", ChromePort: 9222})
	return New(Config{
		Manager:         mgr,
		Logs:            logbuf.New(100),
		Net:             netbuf.New(100),
		Throttle:        control.NewThrottleController(mgr, nil),
		Emulation:       control.NewEmulationController(mgr, nil),
		Bus:             eventbus.New(),
		ProtocolVersion: "1",
	})
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response body %q: %v", rr.Body.String(), err)
		}
	}
	return rr, decoded
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t)
	rr, body := doJSON(t, s, http.MethodGet, "/status", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if body["ok"] != true {
		t.Fatalf("body.ok = %v, want true", body["ok"])
	}
	if body["attached"] != false {
		t.Fatalf("body.attached = %v, want false for a manager that was never Run", body["attached"])
	}
	if body["protocolVersion"] != "1" {
		t.Fatalf("body.protocolVersion = %v, want \"1\"", body["protocolVersion"])
	}
}

func TestHandleLogsSnapshotEmpty(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodGet, "/logs", nil)

	if body["entries"] != nil {
		if entries, ok := body["entries"].([]any); !ok || len(entries) != 0 {
			t.Fatalf("entries = %v, want empty", body["entries"])
		}
	}
	if body["nextAfter"].(float64) != 0 {
		t.Fatalf("nextAfter = %v, want 0 on an empty buffer", body["nextAfter"])
	}
}

func TestHandleLogsSnapshotReturnsAppendedEntries(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Logs.Append(logbuf.Entry{Text: "hello", Level: logbuf.LevelInfo, Source: logbuf.SourceConsole})
	s.cfg.Logs.Append(logbuf.Entry{Text: "world", Level: logbuf.LevelError, Source: logbuf.SourceConsole})

	_, body := doJSON(t, s, http.MethodGet, "/logs", nil)
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("entries = %v, want 2 entries", body["entries"])
	}
	if body["nextAfter"].(float64) != 2 {
		t.Fatalf("nextAfter = %v, want 2", body["nextAfter"])
	}
}

func TestHandleLogsSnapshotInvalidCursor(t *testing.T) {
	s := newTestServer(t)
	rr, body := doJSON(t, s, http.MethodGet, "/logs?after=not-a-number", nil)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (invalid_body is the one domain error spec §6 puts at the transport level)", rr.Code)
	}
	if body["ok"] != false {
		t.Fatalf("body.ok = %v, want false for an invalid cursor", body["ok"])
	}
	errObj, ok := body["error"].(map[string]any)
	if !ok || errObj["code"] != string(ErrInvalidBody) {
		t.Fatalf("error = %v, want code=invalid_body", body["error"])
	}
}

func TestHandleLogsSnapshotFilterByLevel(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Logs.Append(logbuf.Entry{Text: "info msg", Level: logbuf.LevelInfo})
	s.cfg.Logs.Append(logbuf.Entry{Text: "error msg", Level: logbuf.LevelError})

	_, body := doJSON(t, s, http.MethodGet, "/logs?levels=error", nil)
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("entries = %v, want 1 filtered entry", body["entries"])
	}
	entry := entries[0].(map[string]any)
	if entry["level"] != "error" {
		t.Fatalf("entry.level = %v, want error", entry["level"])
	}
}

func TestHandleLogsTailReturnsImmediatelyWhenDataExists(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Logs.Append(logbuf.Entry{Text: "already here"})

	start := time.Now()
	_, body := doJSON(t, s, http.MethodGet, "/logs/tail?timeoutMs=5000", nil)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("tail took %v, want near-instant when data is already resident", elapsed)
	}
	if body["timedOut"] != false {
		t.Fatalf("timedOut = %v, want false", body["timedOut"])
	}
}

func TestHandleLogsTailTimesOutOnEmptyBuffer(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodGet, "/logs/tail?timeoutMs=100", nil)
	if body["timedOut"] != true {
		t.Fatalf("timedOut = %v, want true on an empty buffer with a short timeout", body["timedOut"])
	}
}

func TestHandleLogsTailCancelledByCancelWaiters(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/logs/tail?timeoutMs=60000", nil)

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rr, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	s.CancelWaiters()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CancelWaiters did not unblock the in-flight tail request")
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["timedOut"] != true {
		t.Fatalf("timedOut = %v, want true after CancelWaiters", body["timedOut"])
	}
}

func TestHandleNetSnapshotReturnsAppendedEntries(t *testing.T) {
	s := newTestServer(t)
	now := time.Now()
	s.cfg.Net.RequestWillBeSent("r1", "https://example.com", "GET", "Document", now)
	s.cfg.Net.LoadingFinished("r1", 100, now.Add(time.Millisecond))

	_, body := doJSON(t, s, http.MethodGet, "/net", nil)
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 1 {
		t.Fatalf("entries = %v, want 1 entry", body["entries"])
	}
}

func TestHandleThrottleGetDefaultState(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodGet, "/throttle", nil)
	if body["attached"] != false {
		t.Fatalf("attached = %v, want false", body["attached"])
	}
	if body["state"] != nil {
		t.Fatalf("state = %v, want nil before any /throttle set", body["state"])
	}
}

func TestHandleThrottlePostSetLegacyRateShape(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/throttle", map[string]any{"action": "set", "rate": 4.0})

	state, ok := body["state"].(map[string]any)
	if !ok {
		t.Fatalf("state = %v, want an object", body["state"])
	}
	cpu, ok := state["cpu"].(map[string]any)
	if !ok || cpu["rate"].(float64) != 4 {
		t.Fatalf("state.cpu = %v, want rate=4", state["cpu"])
	}
}

func TestHandleThrottlePostSetRichStateShape(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/throttle", map[string]any{
		"action": "set",
		"state":  map[string]any{"network": map[string]any{"offline": true}},
	})

	state := body["state"].(map[string]any)
	network := state["network"].(map[string]any)
	if network["offline"] != true {
		t.Fatalf("state.network.offline = %v, want true", network["offline"])
	}
}

func TestHandleThrottlePostInvalidAction(t *testing.T) {
	s := newTestServer(t)
	rr, body := doJSON(t, s, http.MethodPost, "/throttle", map[string]any{"action": "bogus"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (an unrecognised action is invalid_body)", rr.Code)
	}
	if body["ok"] != false {
		t.Fatal("expected ok=false for an unrecognised action")
	}
}

func TestHandleThrottlePostSetRequiresRateOrState(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/throttle", map[string]any{"action": "set"})
	if body["ok"] != false {
		t.Fatal("expected ok=false when set has neither rate nor state")
	}
}

func TestHandleThrottlePostClear(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/throttle", map[string]any{"action": "set", "rate": 2.0})
	_, body := doJSON(t, s, http.MethodPost, "/throttle", map[string]any{"action": "clear"})
	if body["state"] != nil {
		t.Fatalf("state = %v, want nil after clear", body["state"])
	}
}

func TestHandleEmulationPostSetAndGet(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/emulation", map[string]any{
		"action": "set",
		"state":  map[string]any{"userAgent": "argus-agent"},
	})

	_, body := doJSON(t, s, http.MethodGet, "/emulation", nil)
	state := body["state"].(map[string]any)
	if state["userAgent"] != "argus-agent" {
		t.Fatalf("state.userAgent = %v, want argus-agent", state["userAgent"])
	}
}

func TestUnknownRouteReturnsNotAvailable(t *testing.T) {
	s := newTestServer(t)
	rr, body := doJSON(t, s, http.MethodGet, "/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if body["ok"] != false {
		t.Fatal("expected ok=false for an unknown route")
	}
	errObj := body["error"].(map[string]any)
	if errObj["code"] != string(ErrNotAvailable) {
		t.Fatalf("error.code = %v, want not_available", errObj["code"])
	}
}

func TestWithRequestLoggerStashesLoggerInContext(t *testing.T) {
	var buf bytes.Buffer
	mgr := cdp.NewManager(cdp.Options{ChromeHost: "127.0.0.1", ChromePort: 9222})
	s := New(Config{
		Manager:         mgr,
		Logs:            logbuf.New(10),
		Net:             netbuf.New(10),
		Throttle:        control.NewThrottleController(mgr, nil),
		Emulation:       control.NewEmulationController(mgr, nil),
		Bus:             eventbus.New(),
		ProtocolVersion: "1",
		Logger:          logging.NewJSON(&buf, slog.LevelInfo),
	})

	probe := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.FromContext(r.Context()).Info("handled probe")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	rr := httptest.NewRecorder()
	s.withRequestLogger(probe).ServeHTTP(rr, req)

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode logged line: %v (line: %q)", err, buf.String())
	}
	if decoded["msg"] != "handled probe" {
		t.Fatalf("msg = %v, want \"handled probe\"", decoded["msg"])
	}
	if _, ok := decoded["requestId"]; !ok {
		t.Fatalf("expected the context-retrieved logger to carry a requestId field, got %v", decoded)
	}
}

func TestBodyLimitRejectsOversizedRequest(t *testing.T) {
	s := newTestServer(t)
	oversized := strings.Repeat("a", maxBodyBytes+1024)
	body := `{"expression":"` + oversized + `"}`

	req := httptest.NewRequest(http.MethodPost, "/eval", strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	if decoded["ok"] != false {
		t.Fatal("expected an oversized body to be rejected, got ok=true")
	}
	errObj := decoded["error"].(map[string]any)
	if errObj["code"] != string(ErrInvalidBody) {
		t.Fatalf("error.code = %v, want invalid_body", errObj["code"])
	}
}

func TestShutdownInvokesConfiguredCallback(t *testing.T) {
	called := make(chan struct{})
	mgr := cdp.NewManager(cdp.Options{ChromeHost: "127.0.0.1", ChromePort: 9222})
	s := New(Config{
		Manager:   mgr,
		Logs:      logbuf.New(10),
		Net:       netbuf.New(10),
		Throttle:  control.NewThrottleController(mgr, nil),
		Emulation: control.NewEmulationController(mgr, nil),
		Shutdown:  func() { close(called) },
	})

	rr, body := doJSON(t, s, http.MethodPost, "/shutdown", nil)
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("shutdown response = %d %v, want 200 ok=true", rr.Code, body)
	}

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("Shutdown callback was not invoked")
	}
}
