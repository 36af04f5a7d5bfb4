package httpapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vforsh/argus/internal/logbuf"
	"github.com/vforsh/argus/internal/netbuf"
	"github.com/vforsh/argus/internal/pagination"
)

const (
	defaultLimit = 500
	minLimit     = 1
	maxLimit     = 5000

	defaultTailTimeout = 25 * time.Second
	minTailTimeout     = 1 * time.Second
	maxTailTimeout     = 120 * time.Second
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	attached := s.cfg.Manager != nil && s.cfg.Manager.Attached()
	writeOK(w, map[string]any{
		"pid":             os.Getpid(),
		"attached":        attached,
		"protocolVersion": s.cfg.ProtocolVersion,
	})
}

func parseLogFilter(q map[string][]string) logbuf.Filter {
	f := logbuf.Filter{}
	if levels := q["levels"]; len(levels) > 0 {
		f.Levels = make(map[logbuf.Level]bool, len(levels))
		for _, raw := range splitCommaAll(levels) {
			f.Levels[logbuf.Level(raw)] = true
		}
	}
	if match := q["match"]; len(match) > 0 {
		f.Match = splitCommaAll(match)
	}
	f.MatchCase = first(q["matchCase"]) == "sensitive"
	f.Source = logbuf.Source(first(q["source"]))
	if since := first(q["sinceTs"]); since != "" {
		if v, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.SinceTS = v
		}
	}
	return f
}

func parseNetFilter(q map[string][]string) netbuf.Filter {
	f := netbuf.Filter{Grep: first(q["grep"])}
	if since := first(q["sinceTs"]); since != "" {
		if v, err := strconv.ParseInt(since, 10, 64); err == nil {
			f.SinceTS = v
		}
	}
	return f
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func splitCommaAll(vs []string) []string {
	var out []string
	for _, v := range vs {
		for _, part := range strings.Split(v, ",") {
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (s *Server) handleLogsSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, err := pagination.ParseCursor(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	limit := pagination.ClampInt(q.Get("limit"), defaultLimit, minLimit, maxLimit)
	filter := parseLogFilter(q)

	entries := s.cfg.Logs.SnapshotAfter(cursor, filter, limit)
	writeOK(w, map[string]any{"entries": entries, "nextAfter": nextAfter(cursor, entries, func(e logbuf.Entry) uint64 { return e.ID })})
}

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, err := pagination.ParseCursor(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	limit := pagination.ClampInt(q.Get("limit"), defaultLimit, minLimit, maxLimit)
	timeout := clampDuration(q.Get("timeoutMs"), defaultTailTimeout, minTailTimeout, maxTailTimeout)
	filter := parseLogFilter(q)

	result := s.cfg.Logs.WaitForAfter(cursor, filter, limit, timeout, s.waiterCancel(r))
	writeOK(w, map[string]any{
		"entries":   result.Entries,
		"nextAfter": nextAfter(cursor, result.Entries, func(e logbuf.Entry) uint64 { return e.ID }),
		"timedOut":  result.TimedOut,
	})
}

func (s *Server) handleNetSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, err := pagination.ParseCursor(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	limit := pagination.ClampInt(q.Get("limit"), defaultLimit, minLimit, maxLimit)
	filter := parseNetFilter(q)

	entries := s.cfg.Net.SnapshotAfter(cursor, filter, limit)
	writeOK(w, map[string]any{"entries": entries, "nextAfter": nextAfter(cursor, entries, func(e netbuf.Entry) uint64 { return e.ID })})
}

func (s *Server) handleNetTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cursor, err := pagination.ParseCursor(q.Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrInvalidBody, err.Error())
		return
	}
	limit := pagination.ClampInt(q.Get("limit"), defaultLimit, minLimit, maxLimit)
	timeout := clampDuration(q.Get("timeoutMs"), defaultTailTimeout, minTailTimeout, maxTailTimeout)
	filter := parseNetFilter(q)

	result := s.cfg.Net.WaitForAfter(cursor, filter, limit, timeout, s.waiterCancel(r))
	writeOK(w, map[string]any{
		"entries":   result.Entries,
		"nextAfter": nextAfter(cursor, result.Entries, func(e netbuf.Entry) uint64 { return e.ID }),
		"timedOut":  result.TimedOut,
	})
}

// nextAfter is the max id among entries, or cursor if entries is empty
// (spec §5: "a returned nextAfter equals the max id returned, or the
// input cursor if none").
func nextAfter[T any](cursor uint64, entries []T, id func(T) uint64) uint64 {
	if len(entries) == 0 {
		return cursor
	}
	return id(entries[len(entries)-1])
}

func clampDuration(raw string, def, min, max time.Duration) time.Duration {
	ms := pagination.ClampInt(raw, int(def/time.Millisecond), int(min/time.Millisecond), int(max/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

// waiterCancel merges the request's own cancellation (client closed
// its socket) with the server-wide shutdown signal, so a long-poll
// waiter deregisters on either.
func (s *Server) waiterCancel(r *http.Request) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
		case <-s.shutdownCh:
		}
		close(out)
	}()
	return out
}
