package httpapi

import (
	"net/http"
	"testing"
)

func assertDisconnected(t *testing.T, body map[string]any) {
	t.Helper()
	if body["ok"] != false {
		t.Fatal("expected ok=false when no CDP target is attached")
	}
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("error field = %v, want an object", body["error"])
	}
	if errObj["code"] != string(ErrDisconnected) {
		t.Fatalf("error.code = %v, want disconnected", errObj["code"])
	}
}

func TestHandleDOMInfoSurfacesDisconnected(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/info", map[string]any{"selector": "#root"})
	assertDisconnected(t, body)
}

func TestHandleDOMClickSurfacesDisconnected(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/click", map[string]any{"selector": "button"})
	assertDisconnected(t, body)
}

func TestHandleDOMHoverSurfacesDisconnected(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/hover", map[string]any{"selector": "button"})
	assertDisconnected(t, body)
}

func TestHandleDOMFocusSurfacesDisconnected(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/focus", map[string]any{"selector": "input"})
	assertDisconnected(t, body)
}

func TestHandleDOMFillSurfacesDisconnected(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/fill", map[string]any{"selector": "input", "value": "hi"})
	assertDisconnected(t, body)
}

func TestHandleDOMSetFileSurfacesDisconnected(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/set-file", map[string]any{"selector": "input[type=file]", "files": []string{"/tmp/a.png"}})
	assertDisconnected(t, body)
}

func TestHandleDOMTreeSurfacesDisconnected(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/tree", map[string]any{})
	assertDisconnected(t, body)
}

func TestHandleDOMInfoInvalidBody(t *testing.T) {
	s := newTestServer(t)
	_, body := doJSON(t, s, http.MethodPost, "/dom/info", "not an object")
	if body["ok"] != false {
		t.Fatal("expected ok=false for a malformed body")
	}
	errObj := body["error"].(map[string]any)
	if errObj["code"] != string(ErrInvalidBody) {
		t.Fatalf("error.code = %v, want invalid_body", errObj["code"])
	}
}
