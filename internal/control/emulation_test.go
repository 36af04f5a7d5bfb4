package control

import (
	"context"
	"testing"
)

func TestEmulationSetDesiredWithoutAttachDoesNotBlock(t *testing.T) {
	mgr := newDetachedManager()
	c := NewEmulationController(mgr, nil)

	c.SetDesired(context.Background(), EmulationState{UserAgent: "argus-test-agent"})

	attached, applied, state, lastErr := c.Status()
	if attached {
		t.Fatal("expected attached=false for a manager that was never Run")
	}
	if applied || lastErr != "" {
		t.Fatalf("expected no apply attempt while detached: applied=%v lastErr=%q", applied, lastErr)
	}
	if state == nil || state.UserAgent != "argus-test-agent" {
		t.Fatalf("desired state = %+v, want UserAgent stored regardless of attachment", state)
	}
}

func TestEmulationClearDesiredResetsState(t *testing.T) {
	mgr := newDetachedManager()
	c := NewEmulationController(mgr, nil)

	c.SetDesired(context.Background(), EmulationState{UserAgent: "x"})
	c.ClearDesired(context.Background())

	_, _, state, _ := c.Status()
	if state != nil {
		t.Fatalf("desired state = %+v, want nil after ClearDesired", state)
	}
}

func TestEmulationOnAttachIsNoopWithoutDesiredState(t *testing.T) {
	mgr := newDetachedManager()
	c := NewEmulationController(mgr, nil)

	c.OnAttach(context.Background(), mgr)

	_, applied, _, lastErr := c.Status()
	if applied || lastErr != "" {
		t.Fatalf("OnAttach with no desired state changed status: applied=%v lastErr=%q", applied, lastErr)
	}
}
