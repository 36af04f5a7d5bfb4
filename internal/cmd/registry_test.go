package cmd

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/vforsh/argus/internal/registry"
)

func TestOpenDefaultRegistryRespectsExplicitPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARGUS_REGISTRY_PATH", dir+"/watchers.json")
	t.Setenv("ARGUS_HOME", "")

	reg, err := openDefaultRegistry()
	if err != nil {
		t.Fatalf("openDefaultRegistry: %v", err)
	}
	if reg == nil {
		t.Fatal("openDefaultRegistry returned a nil registry")
	}
}

func TestOpenDefaultRegistryRespectsArgusHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARGUS_REGISTRY_PATH", "")
	t.Setenv("ARGUS_HOME", dir)

	reg, err := openDefaultRegistry()
	if err != nil {
		t.Fatalf("openDefaultRegistry: %v", err)
	}
	if reg == nil {
		t.Fatal("openDefaultRegistry returned a nil registry")
	}
}

func TestProbeStatusReturnsTrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, portStr := splitTestAddr(t, srv)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	rec := registry.WatcherRecord{Host: host, Port: port}
	if !probeStatus(rec) {
		t.Fatal("probeStatus() = false, want true for a reachable 200-returning watcher")
	}
}

func TestProbeStatusReturnsFalseWhenUnreachable(t *testing.T) {
	rec := registry.WatcherRecord{Host: "127.0.0.1", Port: 1}
	if probeStatus(rec) {
		t.Fatal("probeStatus() = true for an unreachable address, want false")
	}
}

func TestProbeStatusReturnsFalseOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, portStr := splitTestAddr(t, srv)
	port, _ := strconv.Atoi(portStr)
	rec := registry.WatcherRecord{Host: host, Port: port}
	if probeStatus(rec) {
		t.Fatal("probeStatus() = true for a 500 response, want false")
	}
}

func splitTestAddr(t *testing.T, srv *httptest.Server) (host, port string) {
	t.Helper()
	u := srv.Listener.Addr().String()
	idx := len(u) - 1
	for ; idx >= 0; idx-- {
		if u[idx] == ':' {
			break
		}
	}
	return u[:idx], u[idx+1:]
}
