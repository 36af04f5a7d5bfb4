package control

import (
	"context"
	"sync"

	"github.com/vforsh/argus/internal/cdp"
	"github.com/vforsh/argus/internal/logging"
)

// CPUState throttles CPU execution; Rate is a slowdown multiplier
// (1 = no throttling, ≥1 per spec).
type CPUState struct {
	Rate float64 `json:"rate"`
}

// NetworkState emulates network conditions.
type NetworkState struct {
	Offline            bool    `json:"offline"`
	Latency            float64 `json:"latency"`
	DownloadThroughput float64 `json:"downloadThroughput"`
	UploadThroughput   float64 `json:"uploadThroughput"`
}

// CacheState toggles the browser HTTP cache.
type CacheState struct {
	Disabled bool `json:"disabled"`
}

// ThrottleState is the rich desired-state shape. The public /throttle
// route also accepts the legacy simple shape ({rate:N}) — see
// internal/httpapi, which maps it onto CPU.Rate before calling
// SetDesired.
type ThrottleState struct {
	CPU     *CPUState     `json:"cpu,omitempty"`
	Network *NetworkState `json:"network,omitempty"`
	Cache   *CacheState   `json:"cache,omitempty"`
}

// ThrottleController holds the desired throttle state and reconciles
// it against CDP on attach.
type ThrottleController struct {
	status

	mu      sync.Mutex
	desired *ThrottleState

	mgr *cdp.Manager
	log logging.Logger
}

// NewThrottleController creates a controller bound to mgr. Register it
// with mgr.OnAttach so desired state reapplies after every reconnect.
func NewThrottleController(mgr *cdp.Manager, log logging.Logger) *ThrottleController {
	if log == nil {
		log = logging.Noop()
	}
	return &ThrottleController{mgr: mgr, log: log}
}

// OnAttach is registered with cdp.Manager.OnAttach; it re-applies
// desired state without blocking the attach sequence on failure.
func (c *ThrottleController) OnAttach(ctx context.Context, mgr *cdp.Manager) {
	c.mu.Lock()
	desired := c.desired
	c.mu.Unlock()
	if desired == nil {
		return
	}
	c.apply(ctx, desired)
}

// SetDesired stores state as desired and, if attached, applies it
// immediately.
func (c *ThrottleController) SetDesired(ctx context.Context, state ThrottleState) {
	c.mu.Lock()
	c.desired = &state
	c.mu.Unlock()
	if c.mgr.Attached() {
		c.apply(ctx, &state)
	}
}

// ClearDesired resets desired state to nil and, if attached, issues
// the neutralizing CDP calls (CPU rate 1, default network conditions,
// cache enabled).
func (c *ThrottleController) ClearDesired(ctx context.Context) {
	neutral := ThrottleState{
		CPU:     &CPUState{Rate: 1},
		Network: &NetworkState{},
		Cache:   &CacheState{Disabled: false},
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
func (c *ThrottleController) Status() (attached, applied bool, state *ThrottleState, lastError string) {
	c.mu.Lock()
	desired := c.desired
	c.mu.Unlock()
	applied, lastError = c.status.get()
	return c.mgr.Attached(), applied, desired, lastError
}

func (c *ThrottleController) apply(ctx context.Context, state *ThrottleState) {
	applyCtx, cancel := context.WithTimeout(ctx, defaultApplyTimeout)
	defer cancel()

	var aspects []aspect
	if state.CPU != nil {
		rate := state.CPU.Rate
		aspects = append(aspects, aspect{name: "cpu", apply: func(ctx context.Context, mgr *cdp.Manager) error {
			_, err := mgr.Send(ctx, "Emulation.setCPUThrottlingRate", map[string]any{"rate": rate})
			return err
		}})
	}
	if state.Network != nil {
		n := state.Network
		aspects = append(aspects, aspect{name: "network", apply: func(ctx context.Context, mgr *cdp.Manager) error {
			_, err := mgr.Send(ctx, "Network.emulateNetworkConditions", map[string]any{
				"offline":            n.Offline,
				"latency":            n.Latency,
				"downloadThroughput": n.DownloadThroughput,
				"uploadThroughput":   n.UploadThroughput,
			})
			return err
		}})
	}
	if state.Cache != nil {
		disabled := state.Cache.Disabled
		aspects = append(aspects, aspect{name: "cache", apply: func(ctx context.Context, mgr *cdp.Manager) error {
			_, err := mgr.Send(ctx, "Network.setCacheDisabled", map[string]any{"cacheDisabled": disabled})
			return err
		}})
	}

	err := applyAspects(applyCtx, c.mgr, aspects, c.log)
	c.status.set(err == nil, err)
}
