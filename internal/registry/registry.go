// Package registry manages the shared on-disk index of running
// watchers at $ARGUS_HOME/registry.json. Every mutation is serialized
// by an advisory OS file lock on a sibling lockfile — never a mkdir
// sentinel, so a crashed process can never leave a stale lock behind.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// CurrentVersion is the only registry schema version this build
// understands. Files with any other version are treated as empty.
const CurrentVersion = 1

// WatcherRecord is one entry in the registry, keyed by watcher id.
type WatcherRecord struct {
	ID              string   `json:"id"`
	PID             int      `json:"pid"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	StartedAt       int64    `json:"startedAt"`
	HeartbeatAt     int64    `json:"heartbeatAt"`
	CWD             string   `json:"cwd"`
	MatchSpec       []string `json:"matchSpec"`
	ProtocolVersion string   `json:"protocolVersion"`
}

// File is the on-disk shape of registry.json.
type File struct {
	Version  int                       `json:"version"`
	Watchers map[string]WatcherRecord `json:"watchers"`
}

func empty() File {
	return File{Version: CurrentVersion, Watchers: map[string]WatcherRecord{}}
}

// Registry owns the path to registry.json and its lockfile.
type Registry struct {
	path     string
	lockPath string
}

// New creates a Registry rooted at dir (typically $ARGUS_HOME). dir is
// created if missing.
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, "registry.json")
	return &Registry{path: path, lockPath: path + ".lock"}, nil
}

// NewAtPath creates a Registry at an explicit registry.json path,
// honoring ARGUS_REGISTRY_PATH overrides.
func NewAtPath(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir for %q: %w", path, err)
	}
	return &Registry{path: path, lockPath: path + ".lock"}, nil
}

// Warning describes a non-fatal problem encountered while reading the
// registry; the caller should proceed as if the registry were empty.
type Warning struct {
	Message string
}

// Read loads the registry file. A missing file is treated as an empty
// registry with no warning; a read error, a parse error, or an
// unrecognised version is reported as a warning and also treated as an
// empty registry — Read never returns an error for these cases, so a
// CLI invocation never crashes on a corrupt registry.
func (r *Registry) Read() (File, []Warning) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return empty(), nil
	}
	if err != nil {
		return empty(), []Warning{{Message: fmt.Sprintf("registry: read %q: %v", r.path, err)}}
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return empty(), []Warning{{Message: fmt.Sprintf("registry: parse %q: %v", r.path, err)}}
	}
	if f.Version != CurrentVersion {
		return empty(), []Warning{{Message: fmt.Sprintf("registry: unknown version %d in %q", f.Version, r.path)}}
	}
	if f.Watchers == nil {
		f.Watchers = map[string]WatcherRecord{}
	}
	return f, nil
}

const (
	updateMaxAttempts = 5
	updateJitter      = 50 * time.Millisecond
)

// Update locks the registry, reads it, applies fn, and writes the
// result back if fn changed anything, all within the lock hold. On
// lock contention it retries up to updateMaxAttempts times with jitter.
// fn returns the file to persist and whether it differs from the input.
func (r *Registry) Update(fn func(File) (File, bool)) error {
	lock := flock.New(r.lockPath)

	var lastErr error
	for attempt := 0; attempt < updateMaxAttempts; attempt++ {
		locked, err := lock.TryLock()
		if err != nil {
			lastErr = fmt.Errorf("registry: lock %q: %w", r.lockPath, err)
		} else if locked {
			err := r.updateLocked(lock, fn)
			return err
		} else {
			lastErr = fmt.Errorf("registry: lock %q held by another process", r.lockPath)
		}
		time.Sleep(time.Duration(rand.Int63n(int64(updateJitter))))
	}
	return lastErr
}

func (r *Registry) updateLocked(lock *flock.Flock, fn func(File) (File, bool)) error {
	defer lock.Unlock()

	before, _ := r.Read()
	after, changed := fn(before)
	if !changed {
		return nil
	}
	return r.writeAtomic(after)
}

// writeAtomic writes f to a temp file in the same directory and
// renames it over the registry path, so readers never observe a
// partially-written file.
func (r *Registry) writeAtomic(f File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		return fmt.Errorf("registry: rename into place: %w", err)
	}
	return nil
}

// Register adds or replaces rec in the registry.
func (r *Registry) Register(rec WatcherRecord) error {
	return r.Update(func(f File) (File, bool) {
		f.Watchers[rec.ID] = rec
		return f, true
	})
}

// Heartbeat refreshes heartbeatAt for id, if present. Missing entries
// are silently ignored — the caller treats heartbeat failures as
// best-effort.
func (r *Registry) Heartbeat(id string, now time.Time) error {
	return r.Update(func(f File) (File, bool) {
		rec, ok := f.Watchers[id]
		if !ok {
			return f, false
		}
		rec.HeartbeatAt = now.UnixMilli()
		f.Watchers[id] = rec
		return f, true
	})
}

// Deregister removes id from the registry (graceful shutdown path).
func (r *Registry) Deregister(id string) error {
	return r.Update(func(f File) (File, bool) {
		if _, ok := f.Watchers[id]; !ok {
			return f, false
		}
		delete(f.Watchers, id)
		return f, true
	})
}

// PruneStale removes entries whose startedAt+ttl is in the past and
// whose heartbeat is at least as stale — a watcher that's heartbeating
// normally is never pruned even if it started long ago.
func (r *Registry) PruneStale(now time.Time, ttl time.Duration) error {
	cutoff := now.Add(-ttl).UnixMilli()
	return r.Update(func(f File) (File, bool) {
		changed := false
		for id, rec := range f.Watchers {
			last := rec.HeartbeatAt
			if last == 0 {
				last = rec.StartedAt
			}
			if last < cutoff {
				delete(f.Watchers, id)
				changed = true
			}
		}
		return f, changed
	})
}

// ReachabilityProbe checks whether a watcher's HTTP surface still
// responds; supplied by the caller (internal/registry has no HTTP
// client dependency of its own).
type ReachabilityProbe func(rec WatcherRecord) bool

// PruneUnreachable drops every entry for which probe returns false.
func (r *Registry) PruneUnreachable(probe ReachabilityProbe) error {
	return r.Update(func(f File) (File, bool) {
		changed := false
		for id, rec := range f.Watchers {
			if !probe(rec) {
				delete(f.Watchers, id)
				changed = true
			}
		}
		return f, changed
	})
}
