// Package control implements the throttle and emulation controllers:
// each holds a desired state plus an applied/lastError status, applies
// its aspects independently via CDP on attach, and never rejects a
// request for "not attached" — callers may set desired state ahead of
// an attach that hasn't happened yet.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/vforsh/argus/internal/cdp"
	"github.com/vforsh/argus/internal/logging"
)

// aspect is one independently-applied piece of desired state (e.g. CPU
// rate, network conditions, cache). apply returns an error if the CDP
// call failed; failures of one aspect never prevent the others from
// being attempted.
type aspect struct {
	name  string
	apply func(ctx context.Context, mgr *cdp.Manager) error
}

// applyAspects runs every aspect against mgr, continuing past
// individual failures, and returns the first error encountered (or nil
// if every aspect succeeded).
func applyAspects(ctx context.Context, mgr *cdp.Manager, aspects []aspect, log logging.Logger) error {
	var firstErr error
	for _, a := range aspects {
		if err := a.apply(ctx, mgr); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("control: aspect apply failed", "aspect", a.name, "error", err)
		}
	}
	return firstErr
}

// status is the shape every /throttle and /emulation response shares.
type status struct {
	mu        sync.Mutex
	applied   bool
	lastError string
}

func (s *status) set(applied bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = applied
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

func (s *status) get() (applied bool, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied, s.lastError
}

const defaultApplyTimeout = 5 * time.Second
