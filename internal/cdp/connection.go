package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/vforsh/argus/internal/discover"
	"github.com/vforsh/argus/internal/eventbus"
	"github.com/vforsh/argus/internal/logging"
)

// State is a connection manager lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateDiscovering  State = "discovering"
	StateAttaching    State = "attaching"
	StateAttached     State = "attached"
	StateDetaching    State = "detaching"
)

const (
	backoffInitial = 250 * time.Millisecond
	backoffCap     = 8 * time.Second
	backoffJitter  = 0.2
)

// AttachHook is invoked, in registration order, after every successful
// attach (including reattach after a drop).
type AttachHook func(ctx context.Context, mgr *Manager)

// Options configures a Manager.
type Options struct {
	ChromeHost     string
	ChromePort     int
	Match          discover.Match
	NetworkEnabled bool
	SendTimeout    time.Duration
	Bus            *eventbus.Bus
	Logger         logging.Logger
}

// Manager owns the single CDP session to a chosen target: discovery,
// attach, the send/event surface, and automatic reconnection with
// exponential backoff on drop.
type Manager struct {
	opts Options

	mu        sync.Mutex
	state     State
	client    *Client
	sessionID string
	targetID  string
	targetURL string
	targetTtl string

	hooks []AttachHook

	subMu   sync.RWMutex
	subs    map[string][]chan Event
	tracked map[string]struct{}

	stopCh chan struct{}
	stopOnce sync.Once
}

// NewManager constructs a Manager. Call Run to start the
// discover/attach/reconnect loop.
func NewManager(opts Options) *Manager {
	if opts.SendTimeout == 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Manager{
		opts:    opts,
		state:   StateDisconnected,
		subs:    make(map[string][]chan Event),
		tracked: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// OnAttach registers a hook invoked after every successful attach, in
// registration order. Must be called before Run.
func (m *Manager) OnAttach(hook AttachHook) {
	m.hooks = append(m.hooks, hook)
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attached reports whether the manager currently holds a live session.
func (m *Manager) Attached() bool {
	return m.State() == StateAttached
}

// TargetInfo returns the last-known url/title of the attached target.
func (m *Manager) TargetInfo() (url, title string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetURL, m.targetTtl, m.state == StateAttached
}

// Stop ends the reconnect loop and closes any live session. Safe to
// call multiple times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// Run drives discovery, attach, and reconnect-with-backoff until ctx
// is cancelled or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	backoff := backoffInitial
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		default:
		}

		if err := m.attachOnce(ctx); err != nil {
			m.opts.Logger.Warn("cdp attach failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.stopCh:
				return nil
			case <-time.After(jittered(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial

		// Block until the session drops, then loop to reattach.
		m.mu.Lock()
		client := m.client
		m.mu.Unlock()
		select {
		case <-client.Done():
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return nil
		}
		m.handleDrop()
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

func jittered(d time.Duration) time.Duration {
	delta := float64(d) * backoffJitter
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) attachOnce(ctx context.Context) error {
	m.setState(StateDiscovering)
	target, err := discover.DiscoverTarget(ctx, m.opts.ChromeHost, m.opts.ChromePort, m.opts.Match)
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}

	m.setState(StateAttaching)
	client, err := Dial(ctx, target.WebSocketDebuggerURL)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("cdp: attach: %w", err)
	}

	if err := m.enableDomains(ctx, client); err != nil {
		client.Close()
		m.setState(StateDisconnected)
		return err
	}

	m.mu.Lock()
	m.client = client
	m.targetID = target.ID
	m.targetURL = target.URL
	m.targetTtl = target.Title
	m.state = StateAttached
	m.mu.Unlock()

	m.rewireSubscriptions(client)
	go m.trackTargetInfo(client, target.ID)

	for _, h := range m.hooks {
		h(ctx, m)
	}

	if m.opts.Bus != nil {
		m.opts.Bus.PublishCDPAttached(eventbus.CDPAttached{TargetID: target.ID, URL: target.URL, Title: target.Title})
	}

	return nil
}

// enableDomains enables Runtime, Log, Page, and (if configured)
// Network — the domains the event demultiplexer depends on — plus
// Target discovery, which feeds trackTargetInfo's live title/URL
// updates.
func (m *Manager) enableDomains(ctx context.Context, client *Client) error {
	domains := []string{"Runtime.enable", "Log.enable", "Page.enable"}
	if m.opts.NetworkEnabled {
		domains = append(domains, "Network.enable")
	}
	for _, method := range domains {
		if _, err := client.Send(ctx, method, nil, m.opts.SendTimeout); err != nil {
			return fmt.Errorf("cdp: %s: %w", method, err)
		}
	}
	if _, err := client.Send(ctx, "Target.setDiscoverTargets", map[string]any{"discover": true}, m.opts.SendTimeout); err != nil {
		return fmt.Errorf("cdp: Target.setDiscoverTargets: %w", err)
	}
	return nil
}

// trackTargetInfo keeps targetURL/targetTtl current after attach: the
// title/URL captured at discovery time (attachOnce) goes stale the
// moment a page updates document.title or navigates client-side
// without a new CDP attach. Runs until client's connection closes.
func (m *Manager) trackTargetInfo(client *Client, targetID string) {
	for ev := range client.Subscribe("Target.targetInfoChanged") {
		var tev target.EventTargetInfoChanged
		if err := json.Unmarshal(ev.Params, &tev); err != nil {
			continue
		}
		if tev.TargetInfo == nil || string(tev.TargetInfo.TargetID) != targetID {
			continue
		}
		m.mu.Lock()
		m.targetURL = tev.TargetInfo.URL
		m.targetTtl = tev.TargetInfo.Title
		m.mu.Unlock()
	}
}

func (m *Manager) handleDrop() {
	m.mu.Lock()
	targetID := m.targetID
	m.client = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if m.opts.Bus != nil {
		m.opts.Bus.PublishCDPDetached(eventbus.CDPDetached{TargetID: targetID, Reason: "connection closed"})
	}
}

// Send issues a command on the attached target's connection.
func (m *Manager) Send(ctx context.Context, method string, params any) (result []byte, err error) {
	m.mu.Lock()
	client := m.client
	timeout := m.opts.SendTimeout
	m.mu.Unlock()
	if client == nil {
		return nil, ErrDisconnected
	}
	return client.Send(ctx, method, params, timeout)
}

// Subscribe registers a persistent subscription to a CDP method that
// survives reconnects: each time the session reattaches, the
// subscription is rewired to the new underlying client.
func (m *Manager) Subscribe(method string) <-chan Event {
	ch := make(chan Event, eventBuffer)

	m.subMu.Lock()
	m.subs[method] = append(m.subs[method], ch)
	_, alreadyTracked := m.tracked[method]
	m.tracked[method] = struct{}{}
	m.subMu.Unlock()

	if !alreadyTracked {
		m.mu.Lock()
		client := m.client
		m.mu.Unlock()
		if client != nil {
			go m.forward(client, method)
		}
	}
	return ch
}

// rewireSubscriptions starts a forwarder on the freshly attached
// client for every method that has ever been subscribed to.
func (m *Manager) rewireSubscriptions(client *Client) {
	m.subMu.RLock()
	methods := make([]string, 0, len(m.tracked))
	for method := range m.tracked {
		methods = append(methods, method)
	}
	m.subMu.RUnlock()

	for _, method := range methods {
		go m.forward(client, method)
	}
}

// forward copies events from one underlying client connection into the
// manager-level subscriber channels for method, until that connection
// closes.
func (m *Manager) forward(client *Client, method string) {
	src := client.Subscribe(method)
	for ev := range src {
		m.subMu.RLock()
		chans := m.subs[method]
		m.subMu.RUnlock()
		for _, ch := range chans {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
