// Package watcher wires the CDP connection manager, event
// demultiplexer, buffers, controllers, HTTP server, and registry into
// one long-lived process, and owns its startup/shutdown sequencing.
//
// Signal handling follows the teacher's
// signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM) pattern
// from internal/cmd/capture.go and internal/cmd/serve.go.
package watcher

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vforsh/argus/internal/artifacts"
	"github.com/vforsh/argus/internal/cdp"
	"github.com/vforsh/argus/internal/control"
	"github.com/vforsh/argus/internal/demux"
	"github.com/vforsh/argus/internal/discover"
	"github.com/vforsh/argus/internal/eventbus"
	"github.com/vforsh/argus/internal/httpapi"
	"github.com/vforsh/argus/internal/logbuf"
	"github.com/vforsh/argus/internal/logging"
	"github.com/vforsh/argus/internal/netbuf"
	"github.com/vforsh/argus/internal/registry"
)

// ProtocolVersion is reported in /status and the registry record.
const ProtocolVersion = "1"

const (
	// heartbeatInterval also drives the periodic sweep of net's pending
	// request side table (spec §3: pending requests are evicted past
	// 60s without progress) — no dedicated ticker is needed since this
	// interval already divides evenly into that TTL.
	heartbeatInterval = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Config configures a Supervisor.
type Config struct {
	ChromeHost     string
	ChromePort     int
	Match          discover.Match
	NetworkEnabled bool

	// HTTPAddr is the loopback address to bind, e.g. "127.0.0.1:0" to
	// pick a free port.
	HTTPAddr string

	ArgusHome     string // registry directory, default $ARGUS_HOME or ~/.argus
	ArtifactsBase string // artifact root, default ArgusHome/artifacts

	LogCapacity int
	NetCapacity int

	// RestoreOnExit clears desired throttle/emulation state during
	// graceful shutdown (spec §4.7 step c).
	RestoreOnExit bool

	Logger logging.Logger
}

// Supervisor owns one watcher's full component graph and lifecycle.
type Supervisor struct {
	cfg Config
	id  string
	log logging.Logger

	bus       *eventbus.Bus
	mgr       *cdp.Manager
	logs      *logbuf.Buffer
	net       *netbuf.Buffer
	demux     *demux.Demultiplexer
	throttle  *control.ThrottleController
	emulation *control.EmulationController
	artifacts *artifacts.Sink
	reg       *registry.Registry
	http      *httpapi.Server

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	lastHeartbeatWarnAt time.Time
}

// New constructs a Supervisor and its component graph; it performs no
// I/O beyond creating the artifact directory and registry handle.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:0"
	}
	if cfg.LogCapacity == 0 {
		cfg.LogCapacity = logbuf.DefaultCapacity
	}
	if cfg.NetCapacity == 0 {
		cfg.NetCapacity = netbuf.DefaultCapacity
	}
	if cfg.ArgusHome == "" {
		cfg.ArgusHome = defaultArgusHome()
	}
	if cfg.ArtifactsBase == "" {
		cfg.ArtifactsBase = cfg.ArgusHome + "/artifacts"
	}

	id := shortID()

	bus := eventbus.New()
	logs := logbuf.New(cfg.LogCapacity)
	net := netbuf.New(cfg.NetCapacity)

	mgr := cdp.NewManager(cdp.Options{
		ChromeHost:     cfg.ChromeHost,
		ChromePort:     cfg.ChromePort,
		Match:          cfg.Match,
		NetworkEnabled: cfg.NetworkEnabled,
		Bus:            bus,
		Logger:         cfg.Logger.With("component", "cdp"),
	})

	dmx := demux.New(logs, net, cfg.Logger.With("component", "demux"))

	throttle := control.NewThrottleController(mgr, cfg.Logger.With("component", "throttle"))
	emulation := control.NewEmulationController(mgr, cfg.Logger.With("component", "emulation"))
	mgr.OnAttach(throttle.OnAttach)
	mgr.OnAttach(emulation.OnAttach)

	sink, err := artifacts.New(cfg.ArtifactsBase, id)
	if err != nil {
		return nil, fmt.Errorf("watcher: create artifact sink: %w", err)
	}

	reg, err := openRegistry(cfg.ArgusHome)
	if err != nil {
		return nil, fmt.Errorf("watcher: open registry: %w", err)
	}

	return &Supervisor{
		cfg:        cfg,
		id:         id,
		log:        cfg.Logger.With("watcherId", id),
		bus:        bus,
		mgr:        mgr,
		logs:       logs,
		net:        net,
		demux:      dmx,
		throttle:   throttle,
		emulation:  emulation,
		artifacts:  sink,
		reg:        reg,
		shutdownCh: make(chan struct{}),
	}, nil
}

// ID returns the watcher's short registry id.
func (s *Supervisor) ID() string { return s.id }

// RequestShutdown begins the ordered shutdown sequence from outside
// Run's signal handling — used by the /shutdown HTTP handler.
func (s *Supervisor) RequestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Run starts every component and blocks until ctx is cancelled, a
// shutdown signal fires, or a fatal error occurs, then performs the
// ordered shutdown from spec §4.7.
func (s *Supervisor) Run(ctx context.Context) error {
	s.demux.Attach(ctx, s.mgr)

	s.http = httpapi.New(httpapi.Config{
		Manager:         s.mgr,
		Logs:            s.logs,
		Net:             s.net,
		Throttle:        s.throttle,
		Emulation:       s.emulation,
		Artifacts:       s.artifacts,
		Bus:             s.bus,
		ProtocolVersion: ProtocolVersion,
		PID:             os.Getpid(),
		Logger:          s.log.With("component", "httpapi"),
		Shutdown:        s.RequestShutdown,
	})

	ln, err := s.http.Listen(s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("watcher: listen %s: %w", s.cfg.HTTPAddr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := s.register(port); err != nil {
		s.log.Warn("watcher: initial registry write failed", "error", err)
	}

	mgrErrCh := make(chan error, 1)
	go func() { mgrErrCh <- s.mgr.Run(ctx) }()

	serveCtx, cancelServe := context.WithCancel(ctx)
	httpErrCh := make(chan error, 1)
	go func() { httpErrCh <- s.http.Serve(serveCtx, ln, shutdownTimeout) }()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	s.log.Info("watcher started", "port", port, "match", s.cfg.Match)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-s.shutdownCh:
			break loop
		case err := <-httpErrCh:
			runErr = err
			break loop
		case <-heartbeat.C:
			s.heartbeat()
			s.net.EvictStale(time.Now())
		}
	}

	s.shutdown(cancelServe)
	return runErr
}

// shutdown performs spec §4.7's ordered sequence, bounded overall by
// shutdownTimeout plus a little slack for the registry/CDP steps.
func (s *Supervisor) shutdown(cancelServe context.CancelFunc) {
	s.log.Info("watcher shutting down")

	// (a) stop accepting new HTTP connections.
	cancelServe()

	// (b) cancel pending long-poll waiters.
	if s.http != nil {
		s.http.CancelWaiters()
	}

	// (c) restore throttle/emulation if configured to.
	if s.cfg.RestoreOnExit {
		restoreCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		s.throttle.ClearDesired(restoreCtx)
		s.emulation.ClearDesired(restoreCtx)
		cancel()
	}

	// (d) close the CDP session.
	s.mgr.Stop()

	// (e) remove the registry entry.
	if err := s.reg.Deregister(s.id); err != nil {
		s.log.Warn("watcher: deregister failed", "error", err)
	}

	s.log.Info("watcher stopped")
}

func (s *Supervisor) register(port int) error {
	matchSpec := make([]string, 0, 2)
	if s.cfg.Match.URL != "" {
		matchSpec = append(matchSpec, s.cfg.Match.URL)
	}
	if s.cfg.Match.Title != "" {
		matchSpec = append(matchSpec, s.cfg.Match.Title)
	}

	cwd, _ := os.Getwd()
	now := time.Now()

	return s.reg.Register(registry.WatcherRecord{
		ID:              s.id,
		PID:             os.Getpid(),
		Host:            "127.0.0.1",
		Port:            port,
		StartedAt:       now.UnixMilli(),
		HeartbeatAt:     now.UnixMilli(),
		CWD:             cwd,
		MatchSpec:       matchSpec,
		ProtocolVersion: ProtocolVersion,
	})
}

// heartbeat refreshes the registry entry, logging failures at most
// once per minute (spec §7: "logged once per 60s; watcher continues").
func (s *Supervisor) heartbeat() {
	if err := s.reg.Heartbeat(s.id, time.Now()); err != nil {
		if time.Since(s.lastHeartbeatWarnAt) > time.Minute {
			s.log.Warn("watcher: heartbeat failed", "error", err)
			s.lastHeartbeatWarnAt = time.Now()
		}
	}
}

// openRegistry honors ARGUS_REGISTRY_PATH (spec §6) when set, otherwise
// registry.json lives under home.
func openRegistry(home string) (*registry.Registry, error) {
	if path := os.Getenv("ARGUS_REGISTRY_PATH"); path != "" {
		return registry.NewAtPath(path)
	}
	return registry.New(home)
}

func defaultArgusHome() string {
	if home := os.Getenv("ARGUS_HOME"); home != "" {
		return home
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.argus"
	}
	return ".argus"
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
