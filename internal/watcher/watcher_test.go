package watcher

import (
	"regexp"
	"testing"

	"github.com/vforsh/argus/internal/discover"
)

var shortIDPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

func TestShortIDFormat(t *testing.T) {
	id := shortID()
	if !shortIDPattern.MatchString(id) {
		t.Fatalf("shortID() = %q, want 8 lowercase hex chars", id)
	}
}

func TestShortIDsAreUnique(t *testing.T) {
	a, b := shortID(), shortID()
	if a == b {
		t.Fatalf("two calls to shortID() collided: %q", a)
	}
}

func TestDefaultArgusHomeRespectsEnv(t *testing.T) {
	t.Setenv("ARGUS_HOME", "/tmp/custom-argus-home")
	if got := defaultArgusHome(); got != "/tmp/custom-argus-home" {
		t.Fatalf("defaultArgusHome() = %q, want /tmp/custom-argus-home", got)
	}
}

func TestDefaultArgusHomeFallsBackToUserHomeDir(t *testing.T) {
	t.Setenv("ARGUS_HOME", "")
	got := defaultArgusHome()
	if got == "" {
		t.Fatal("defaultArgusHome() = \"\", want a non-empty fallback")
	}
}

func TestOpenRegistryRespectsExplicitPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ARGUS_REGISTRY_PATH", dir+"/watchers.json")
	reg, err := openRegistry(dir)
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	if reg == nil {
		t.Fatal("openRegistry returned nil")
	}
}

func TestNewConstructsSupervisorWithoutNetworkIO(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ARGUS_REGISTRY_PATH", "")

	sup, err := New(Config{
		ChromeHost: "127.0.0.1",
		ChromePort: 9222,
		Match:      discover.Match{URL: "localhost"},
		ArgusHome:  home,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.ID() == "" {
		t.Fatal("Supervisor.ID() is empty")
	}
}

func TestRequestShutdownIsIdempotent(t *testing.T) {
	home := t.TempDir()
	sup, err := New(Config{
		ChromeHost: "127.0.0.1",
		ChromePort: 9222,
		Match:      discover.Match{URL: "localhost"},
		ArgusHome:  home,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sup.RequestShutdown()
	sup.RequestShutdown() // must not panic on double-close

	select {
	case <-sup.shutdownCh:
	default:
		t.Fatal("shutdownCh was not closed after RequestShutdown")
	}
}
