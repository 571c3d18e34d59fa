// Package registry implements the durable in-progress job registry (C1):
// a set of job identifiers that survives process restarts, guarded by an
// advisory file lock so a sibling heartbeat process can read it safely
// while the main worker process mutates it.
//
// Invariants (spec.md §3):
//
//	I1 — an id is present iff its terminal result has not been acked as
//	     sent.
//	I2 — the on-disk encoding is always a valid serialization of the set;
//	     readers never observe a torn write.
//	I3 — at most one mutator runs concurrently across all processes of
//	     this worker.
//	I4 — the set survives process restart.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long a caller will wait for the advisory lock
// before giving up; a held lock longer than this indicates a wedged
// sibling process, which should fail loudly rather than hang forever.
const lockTimeout = 10 * time.Second

// Registry is a durable set of job identifiers backed by a JSON file and
// a companion lock file. The zero value is not usable; construct with
// Open.
type Registry struct {
	dataPath string
	lock     *flock.Flock

	mu  sync.Mutex // serializes in-process callers before they contend for the file lock
	set map[string]struct{}
}

// Open loads the registry from dataPath (creating it lazily on first
// mutation) and prepares the companion lock file at dataPath+".lock".
// A missing or empty data file is treated as an empty set, per spec.md §6.
func Open(dataPath string) (*Registry, error) {
	r := &Registry{
		dataPath: dataPath,
		lock:     flock.New(dataPath + ".lock"),
		set:      make(map[string]struct{}),
	}

	_, err := r.withLock(func() error {
		ids, err := readFile(r.dataPath)
		if err != nil {
			return err
		}
		for _, id := range ids {
			r.set[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Add durably records id as in-progress. The in-memory set is only
// updated after the write succeeds (RegistryIOFailure policy, spec.md
// §7): a failed persist leaves the caller free to retry or abandon the
// job without having falsely claimed it is tracked.
func (r *Registry) Add(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.withLock(func() error {
		ids, err := readFile(r.dataPath)
		if err != nil {
			return err
		}
		for _, existing := range ids {
			if existing == id {
				return nil // already present; idempotent
			}
		}
		ids = append(ids, id)
		if err := writeFileAtomic(r.dataPath, ids); err != nil {
			return err
		}
		r.set[id] = struct{}{}
		return nil
	})
	return err
}

// Remove durably clears id from the registry. Removing an id that is not
// present is a no-op, matching the "removal happens once, on the terminal
// POST" lifecycle — a second removal attempt (e.g. after a delivery
// retry) must not error.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.withLock(func() error {
		ids, err := readFile(r.dataPath)
		if err != nil {
			return err
		}
		out := ids[:0]
		for _, existing := range ids {
			if existing != id {
				out = append(out, existing)
			}
		}
		if err := writeFileAtomic(r.dataPath, out); err != nil {
			return err
		}
		delete(r.set, id)
		return nil
	})
	return err
}

// Snapshot returns a consistent point-in-time view of the registered ids,
// re-reading the backing file so a sibling heartbeat process observes
// mutations made by this or any other process sharing dataPath.
func (r *Registry) Snapshot() ([]string, error) {
	var ids []string
	_, err := r.withLock(func() error {
		var err error
		ids, err = readFile(r.dataPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// InProgress reports whether id is already tracked, using the in-memory
// mirror rather than the file lock. It is used by the fetcher to drop
// duplicate acquisitions (spec.md P6) without taking the lock on every
// check; Add/Remove still go through the durable path and keep the
// mirror in sync.
func (r *Registry) InProgress(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}

// Count returns the number of currently registered ids.
func (r *Registry) Count() (int, error) {
	ids, err := r.Snapshot()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// withLock runs fn while holding the advisory file lock, bounding the
// wait with lockTimeout so a wedged sibling process surfaces as an error
// rather than a silent hang.
func (r *Registry) withLock(fn func() error) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := r.lock.TryLockContext(ctx, 25*time.Millisecond)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, ErrLockTimeout
	}
	if err != nil {
		return false, fmt.Errorf("registry: acquiring lock: %w", err)
	}
	if !locked {
		return false, ErrLockTimeout
	}
	defer func() { _ = r.lock.Unlock() }()

	if err := fn(); err != nil {
		return true, err
	}
	return true, nil
}

func readFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("registry: decoding %s: %w", path, err)
	}
	return ids, nil
}

// writeFileAtomic rewrites the entire set, via temp-file-then-rename, so
// a reader never observes a partial write (I2).
func writeFileAtomic(path string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("registry: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("registry: renaming temp file: %w", err)
	}
	return nil
}
