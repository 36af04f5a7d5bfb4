package control

import (
	"context"
	"sync"

	"github.com/vforsh/argus/internal/cdp"
	"github.com/vforsh/argus/internal/logging"
)

// ViewportState overrides the device viewport.
type ViewportState struct {
	Width  int64   `json:"width"`
	Height int64   `json:"height"`
	Scale  float64 `json:"scale,omitempty"`
	Mobile bool    `json:"mobile,omitempty"`
}

// GeolocationState overrides the geolocation API.
type GeolocationState struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// EmulationState is the rich desired-state shape for /emulation.
type EmulationState struct {
	Viewport    *ViewportState    `json:"viewport,omitempty"`
	UserAgent   string            `json:"userAgent,omitempty"`
	Touch       *bool             `json:"touch,omitempty"`
	Geolocation *GeolocationState `json:"geolocation,omitempty"`
}

// EmulationController holds the desired emulation state and
// reconciles it against CDP on attach.
type EmulationController struct {
	status

	mu      sync.Mutex
	desired *EmulationState

	mgr *cdp.Manager
	log logging.Logger
}

// NewEmulationController creates a controller bound to mgr.
func NewEmulationController(mgr *cdp.Manager, log logging.Logger) *EmulationController {
	if log == nil {
		log = logging.Noop()
	}
	return &EmulationController{mgr: mgr, log: log}
}

// OnAttach re-applies desired emulation state after every (re)attach.
func (c *EmulationController) OnAttach(ctx context.Context, mgr *cdp.Manager) {
	c.mu.Lock()
	desired := c.desired
	c.mu.Unlock()
	if desired == nil {
		return
	}
	c.apply(ctx, desired)
}

// SetDesired stores state as desired and applies it immediately if
// attached.
func (c *EmulationController) SetDesired(ctx context.Context, state EmulationState) {
	c.mu.Lock()
	c.desired = &state
	c.mu.Unlock()
	if c.mgr.Attached() {
		c.apply(ctx, &state)
	}
}

// ClearDesired resets desired emulation state to nil and, if attached,
// turns touch emulation off on the live session. Viewport, user-agent
// and geolocation overrides already applied to the session are left
// in place.
func (c *EmulationController) ClearDesired(ctx context.Context) {
	touchOff := false
	neutral := EmulationState{
		Viewport:  nil,
		UserAgent: "",
		Touch:     &touchOff,
	}
	c.mu.Lock()
	c.desired = nil
	c.mu.Unlock()
	if c.mgr.Attached() {
		c.apply(ctx, &neutral)
	}
}

// Status returns the current attached flag, applied flag, desired
// state and last error.
func (c *EmulationController) Status() (attached, applied bool, state *EmulationState, lastError string) {
	c.mu.Lock()
	desired := c.desired
	c.mu.Unlock()
	applied, lastError = c.status.get()
	return c.mgr.Attached(), applied, desired, lastError
}

func (c *EmulationController) apply(ctx context.Context, state *EmulationState) {
	applyCtx, cancel := context.WithTimeout(ctx, defaultApplyTimeout)
	defer cancel()

	var aspects []aspect
	if v := state.Viewport; v != nil {
		scale := v.Scale
		if scale == 0 {
			scale = 1
		}
		aspects = append(aspects, aspect{name: "viewport", apply: func(ctx context.Context, mgr *cdp.Manager) error {
			_, err := mgr.Send(ctx, "Emulation.setDeviceMetricsOverride", map[string]any{
				"width":             v.Width,
				"height":            v.Height,
				"deviceScaleFactor": scale,
				"mobile":            v.Mobile,
			})
			return err
		}})
	}
	if state.UserAgent != "" {
		ua := state.UserAgent
		aspects = append(aspects, aspect{name: "userAgent", apply: func(ctx context.Context, mgr *cdp.Manager) error {
			_, err := mgr.Send(ctx, "Emulation.setUserAgentOverride", map[string]any{"userAgent": ua})
			return err
		}})
	}
	if state.Touch != nil {
		enabled := *state.Touch
		aspects = append(aspects, aspect{name: "touch", apply: func(ctx context.Context, mgr *cdp.Manager) error {
			_, err := mgr.Send(ctx, "Emulation.setTouchEmulationEnabled", map[string]any{"enabled": enabled})
			return err
		}})
	}
	if g := state.Geolocation; g != nil {
		aspects = append(aspects, aspect{name: "geolocation", apply: func(ctx context.Context, mgr *cdp.Manager) error {
			_, err := mgr.Send(ctx, "Emulation.setGeolocationOverride", map[string]any{
				"latitude":  g.Latitude,
				"longitude": g.Longitude,
				"accuracy":  g.Accuracy,
			})
			return err
		}})
	}

	err := applyAspects(applyCtx, c.mgr, aspects, c.log)
	c.status.set(err == nil, err)
}
