// Package httpapi exposes the watcher's loopback-only HTTP surface:
// log/network tailing, eval, screenshot/trace, DOM operations, local
// storage inspection, throttle/emulation control, and shutdown.
//
// Routing uses chi in place of the stdlib ServeMux of the teacher's
// server (server/server.go): request-id, recoverer, and structured
// request logging middleware ahead of a flat route table.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"
	"github.com/google/uuid"

	"github.com/vforsh/argus/internal/artifacts"
	"github.com/vforsh/argus/internal/cdp"
	"github.com/vforsh/argus/internal/control"
	"github.com/vforsh/argus/internal/eventbus"
	"github.com/vforsh/argus/internal/logbuf"
	"github.com/vforsh/argus/internal/logging"
	"github.com/vforsh/argus/internal/netbuf"
)

// maxBodyBytes is the hard cap on request bodies (spec: 1 MiB, 413
// beyond it).
const maxBodyBytes = 1 << 20

// Config wires a Server to the rest of the watcher.
type Config struct {
	Manager         *cdp.Manager
	Logs            *logbuf.Buffer
	Net             *netbuf.Buffer
	Throttle        *control.ThrottleController
	Emulation       *control.EmulationController
	Artifacts       *artifacts.Sink
	Bus             *eventbus.Bus
	ProtocolVersion string
	PID             int

	Logger logging.Logger
	// HTTPLogger backs the per-request structured logging middleware. A
	// nil value builds a concise text logger at info level via
	// httplog.NewLogger, independent of Logger.
	HTTPLogger *slog.Logger

	// Shutdown is invoked by POST /shutdown after the response is
	// written; it must not block the handler.
	Shutdown func()
}

// Server is the watcher's HTTP API.
type Server struct {
	cfg    Config
	log    logging.Logger
	router *chi.Mux

	traceMu sync.Mutex
	trace   *traceState

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// traceState tracks the single in-flight Tracing session: events
// accumulate from Tracing.dataCollected until Tracing.tracingComplete
// closes done, at which point /trace/stop drains and persists them.
type traceState struct {
	id        string
	startedAt time.Time
	chunks    []json.RawMessage
	done      chan struct{}
	doneOnce  sync.Once
}

// New builds a Server and its route table from cfg.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Noop()
	}
	if cfg.HTTPLogger == nil {
		cfg.HTTPLogger = httplog.NewLogger("argus", httplog.Options{
			LogLevel: slog.LevelInfo,
			Concise:  true,
			JSON:     false,
		})
	}

	s := &Server{cfg: cfg, log: cfg.Logger, shutdownCh: make(chan struct{})}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(httplog.RequestLogger(cfg.HTTPLogger))
	r.Use(chimiddleware.Recoverer)
	r.Use(s.bodyLimit)
	r.Use(s.withRequestLogger)
	r.Use(s.publishRequested)

	r.Get("/status", s.handleStatus)

	r.Get("/logs", s.handleLogsSnapshot)
	r.Get("/logs/tail", s.handleLogsTail)
	r.Get("/net", s.handleNetSnapshot)
	r.Get("/net/tail", s.handleNetTail)

	r.Post("/eval", s.handleEval)
	r.Post("/screenshot", s.handleScreenshot)
	r.Post("/trace/start", s.handleTraceStart)
	r.Post("/trace/stop", s.handleTraceStop)

	r.Post("/dom/info", s.handleDOMInfo)
	r.Post("/dom/click", s.handleDOMClick)
	r.Post("/dom/hover", s.handleDOMHover)
	r.Post("/dom/focus", s.handleDOMFocus)
	r.Post("/dom/fill", s.handleDOMFill)
	r.Post("/dom/set-file", s.handleDOMSetFile)
	r.Post("/dom/tree", s.handleDOMTree)

	r.Post("/storage/local", s.handleStorageLocal)
	r.Post("/reload", s.handleReload)

	r.Get("/throttle", s.handleThrottleGet)
	r.Post("/throttle", s.handleThrottlePost)
	r.Get("/emulation", s.handleEmulationGet)
	r.Post("/emulation", s.handleEmulationPost)

	r.Post("/shutdown", s.handleShutdown)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrNotAvailable, "no such route")
	})

	s.router = r
	s.startTraceCollector()
	return s
}

// startTraceCollector subscribes, once, to the Tracing events a
// /trace/start..stop round trip needs. The subscriptions are
// reconnect-durable (cdp.Manager.Subscribe) and outlive any single
// trace; handlers gate on s.trace being non-nil.
func (s *Server) startTraceCollector() {
	if s.cfg.Manager == nil {
		return
	}
	dataCh := s.cfg.Manager.Subscribe("Tracing.dataCollected")
	completeCh := s.cfg.Manager.Subscribe("Tracing.tracingComplete")

	go func() {
		for ev := range dataCh {
			s.traceMu.Lock()
			if s.trace != nil {
				s.trace.chunks = append(s.trace.chunks, ev.Params)
			}
			s.traceMu.Unlock()
		}
	}()
	go func() {
		for range completeCh {
			s.traceMu.Lock()
			if s.trace != nil {
				s.trace.doneOnce.Do(func() { close(s.trace.done) })
			}
			s.traceMu.Unlock()
		}
	}()
}

// Handler returns the server's http.Handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// CancelWaiters unblocks every in-flight long-poll (spec §4.7 step b):
// they return {entries:[], timedOut:true} instead of running to their
// normal timeout. Safe to call multiple times.
func (s *Server) CancelWaiters() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// bodyLimit enforces maxBodyBytes on every request body; a body larger
// than the cap fails with a wrapped error surfaced as 413 by the
// reader at the point it is exceeded, not up front.
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// withRequestLogger stashes a logger tagged with the chi-assigned
// request id into the request context, retrievable by any handler via
// logging.FromContext — the request-scoped propagation path
// internal/logging exists to serve.
func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog := s.log.With("requestId", chimiddleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(logging.WithContext(r.Context(), reqLog)))
	})
}

// publishRequested emits httpRequested to the event bus before the
// route handler runs (spec §4.5).
func (s *Server) publishRequested(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Bus != nil {
			s.cfg.Bus.PublishHTTPRequested(eventbus.HTTPRequested{Method: r.Method, Path: r.URL.Path})
		}
		next.ServeHTTP(w, r)
	})
}

// Listen opens a loopback listener on addr ("127.0.0.1:0" picks a free
// port) without starting to serve, so the caller can record the
// resolved port before traffic begins.
func (s *Server) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Serve runs the server on ln until ctx is cancelled, then attempts a
// graceful shutdown bounded by shutdownTimeout. It returns once the
// underlying http.Server has stopped.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// --- response envelope helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK writes {ok:true, ...fields}. A nil fields map writes {ok:true}.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["ok"] = true
	writeJSON(w, http.StatusOK, fields)
}

type errorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// writeError writes the {ok:false, error:{...}} envelope at status.
func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": errorBody{Code: code, Message: message},
	})
}

// writeAPIError unwraps an *APIError and writes its own status (200
// for most domain errors, 400 for invalid_body per spec §6) or falls
// back to 500 internal for anything else.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Code, apiErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, ErrInternal, err.Error())
}

// decodeBody parses the JSON request body into v, returning an
// invalid_body APIError on failure. An empty body is treated as "{}".
// A body that overran bodyLimit's cap surfaces as 413, still under
// code invalid_body, rather than the usual 400.
func decodeBody(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return newAPIErrorStatus(ErrInvalidBody, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", maxBodyBytes)
		}
		return newAPIError(ErrInvalidBody, "decode request body: %v", err)
	}
	return nil
}

// translateCDPErr maps a transport-level CDP error onto the public
// error code set; nil stays nil.
func translateCDPErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, cdp.ErrDisconnected) {
		return newAPIError(ErrDisconnected, "%v", err)
	}
	if errors.Is(err, cdp.ErrTimeout) {
		return newAPIError(ErrTimeout, "%v", err)
	}
	var cdpErr *cdp.CDPError
	if errors.As(err, &cdpErr) {
		return newAPIError(ErrCDPError, "%s", cdpErr.Message)
	}
	return newAPIError(ErrCDPError, "%v", err)
}

// newTraceID mints an id for /trace/start, grounded on the teacher's
// use of uuid for operation ids (internal/operation/operation.go).
func newTraceID() string { return uuid.NewString() }
