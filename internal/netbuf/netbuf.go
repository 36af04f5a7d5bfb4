// Package netbuf wires the generic ring buffer to Argus's network
// request summary shape. Requests are held in a pending side table,
// keyed by CDP requestId, until they reach a terminal state
// (finished or failed) — only then are they published to the ring.
// This mirrors the teacher's requestStore.addRequest/correlate
// correlation pattern, generalised from a request/response pair to a
// request that accumulates state across up to three events: the
// response (status code only, not terminal), then one of the two
// terminal events, finished or failed.
package netbuf

import (
	"strings"
	"sync"
	"time"

	"github.com/vforsh/argus/internal/buffers"
)

// Entry is a terminal network request summary.
type Entry struct {
	ID                uint64 `json:"id"`
	TS                int64  `json:"ts"`
	RequestID         string `json:"requestId"`
	URL               string `json:"url"`
	Method            string `json:"method"`
	ResourceType      string `json:"resourceType,omitempty"`
	Status            int    `json:"status,omitempty"`
	EncodedDataLength int64  `json:"encodedDataLength,omitempty"`
	ErrorText         string `json:"errorText,omitempty"`
	DurationMs        int64  `json:"durationMs,omitempty"`
}

// Filter selects which network entries a snapshot/tail call wants.
type Filter struct {
	Grep    string // substring match against URL or Method
	SinceTS int64
}

// Matches reports whether e satisfies f.
func (f Filter) Matches(e Entry) bool {
	if f.SinceTS > 0 && e.TS < f.SinceTS {
		return false
	}
	if f.Grep != "" {
		needle := strings.ToLower(f.Grep)
		if !strings.Contains(strings.ToLower(e.URL), needle) && !strings.Contains(strings.ToLower(e.Method), needle) {
			return false
		}
	}
	return true
}

// pending holds a request that has not yet reached a terminal state.
type pending struct {
	requestID    string
	url          string
	method       string
	resourceType string
	status       int
	startedAt    time.Time
	lastSeen     time.Time
}

// DefaultCapacity is the default network ring capacity (spec default).
const DefaultCapacity = 2000

// pendingTTL is how long an un-terminated request may sit in the side
// table before being evicted without ever reaching the ring (spec §3:
// "evicted if they exceed 60s without progress").
const pendingTTL = 60 * time.Second

// Buffer is a ring buffer specialised for network entries, with a
// pending-request side table for in-flight correlation.
type Buffer struct {
	ring *buffers.RingBuffer[Entry]

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a network Buffer with the given ring capacity.
func New(capacity int) *Buffer {
	return &Buffer{
		ring:    buffers.New[Entry](capacity),
		pending: make(map[string]*pending),
	}
}

// RequestWillBeSent registers a new pending request.
func (b *Buffer) RequestWillBeSent(requestID, url, method, resourceType string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[requestID] = &pending{
		requestID:    requestID,
		url:          url,
		method:       method,
		resourceType: resourceType,
		startedAt:    now,
		lastSeen:     now,
	}
}

// ResponseReceived records the status code for a pending request. Does
// not publish — only loadingFinished/loadingFailed are terminal.
func (b *Buffer) ResponseReceived(requestID string, status int, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[requestID]; ok {
		p.status = status
		p.lastSeen = now
	}
}

// LoadingFinished finalises a request successfully and publishes it to
// the ring. Returns false if the requestID was never seen (or already
// evicted).
func (b *Buffer) LoadingFinished(requestID string, encodedDataLength int64, now time.Time) (Entry, bool) {
	p, ok := b.takePending(requestID)
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		TS:                now.UnixMilli(),
		RequestID:         p.requestID,
		URL:               p.url,
		Method:            p.method,
		ResourceType:      p.resourceType,
		Status:            p.status,
		EncodedDataLength: encodedDataLength,
		DurationMs:        now.Sub(p.startedAt).Milliseconds(),
	}
	b.ring.AppendFunc(func(id uint64) Entry {
		e.ID = id
		return e
	})
	return e, true
}

// LoadingFailed finalises a request with an error and publishes it.
func (b *Buffer) LoadingFailed(requestID, errorText string, now time.Time) (Entry, bool) {
	p, ok := b.takePending(requestID)
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		TS:           now.UnixMilli(),
		RequestID:    p.requestID,
		URL:          p.url,
		Method:       p.method,
		ResourceType: p.resourceType,
		Status:       p.status,
		ErrorText:    errorText,
		DurationMs:   now.Sub(p.startedAt).Milliseconds(),
	}
	b.ring.AppendFunc(func(id uint64) Entry {
		e.ID = id
		return e
	})
	return e, true
}

func (b *Buffer) takePending(requestID string) (*pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	return p, ok
}

// EvictStale removes pending requests that have not progressed within
// pendingTTL. Intended to be called periodically (e.g. every 10s) by
// the demultiplexer or supervisor.
func (b *Buffer) EvictStale(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for id, p := range b.pending {
		if now.Sub(p.lastSeen) > pendingTTL {
			delete(b.pending, id)
			evicted++
		}
	}
	return evicted
}

// SnapshotAfter returns up to limit entries after cursor matching f.
func (b *Buffer) SnapshotAfter(cursor uint64, f Filter, limit int) []Entry {
	return b.ring.SnapshotAfter(cursor, f.Matches, limit)
}

// WaitForAfter long-polls for entries after cursor matching f.
func (b *Buffer) WaitForAfter(cursor uint64, f Filter, limit int, timeout time.Duration, cancel <-chan struct{}) buffers.WaitResult[Entry] {
	return b.ring.WaitForAfter(cursor, f.Matches, limit, timeout, cancel)
}

// LastID returns the highest id appended so far.
func (b *Buffer) LastID() uint64 { return b.ring.LastID() }
