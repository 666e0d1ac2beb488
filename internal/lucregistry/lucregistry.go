// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lucregistry is the transactional builder and reader of the LUC
// (last user context) persistence file: Begin, Register (zero or more
// times), Finish, and Read.
package lucregistry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Registry builds and reads the LUC persistence file. The zero value
// is not usable; construct with New.
type Registry struct {
	log  *zap.Logger
	path string

	mu          sync.Mutex
	accumulator map[int32][]string
	open        bool
}

// New returns a Registry persisting to path.
func New(log *zap.Logger, path string) *Registry {
	return &Registry{log: log, path: path}
}

// Begin opens a new accumulation window. A redundant Begin is a silent
// reset, discarding whatever the prior window had accumulated.
func (r *Registry) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.accumulator = make(map[int32][]string)
	r.open = true
}

// Register merges apps into the current accumulator using the
// newest-wins-at-tail rule: for every key, units already present that
// also appear in apps are dropped from their old position and the
// entirety of apps[key] is appended, preserving apps[key]'s own order.
// Called outside a Begin/Finish window, it logs an error and does
// nothing.
func (r *Registry) Register(apps map[int32][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		r.log.Error("register called outside a begin/finish window")
		return
	}

	for key, incoming := range apps {
		existing := r.accumulator[key]

		incomingSet := make(map[string]struct{}, len(incoming))
		for _, u := range incoming {
			incomingSet[u] = struct{}{}
		}

		merged := make([]string, 0, len(existing)+len(incoming))

		for _, u := range existing {
			if _, dup := incomingSet[u]; !dup {
				merged = append(merged, u)
			}
		}

		merged = append(merged, incoming...)

		r.accumulator[key] = merged
	}
}

// Finish serializes the accumulator and persists it atomically to the
// configured path, then clears the accumulator regardless of outcome.
// Persistence failure is logged but not otherwise surfaced to the
// caller. Called without a prior Begin, it is a no-op logged as an
// error.
func (r *Registry) Finish() {
	r.mu.Lock()

	if !r.open {
		r.mu.Unlock()
		r.log.Error("finish called without a prior begin")

		return
	}

	accumulator := r.accumulator
	r.accumulator = nil
	r.open = false
	r.mu.Unlock()

	if err := r.write(accumulator); err != nil {
		r.log.Error("persist LUC file failed", zap.String("path", r.path), zap.Error(err))
	}
}

// write persists groups atomically: a temporary file in the same
// directory is written, fsynced, closed, then renamed over the target.
func (r *Registry) write(groups map[int32][]string) error {
	dir := filepath.Dir(r.path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create LUC directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".luc-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp LUC file: %w", err)
	}

	tmpName := tmp.Name()

	defer os.Remove(tmpName)

	if err := encodeLUC(tmp, groups); err != nil {
		tmp.Close()
		return fmt.Errorf("encode LUC file: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync LUC file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close LUC temp file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("rename LUC file into place: %w", err)
	}

	return nil
}

// Read opens the configured path and returns the persisted dictionary.
func (r *Registry) Read() (map[int32][]string, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open LUC file %s: %w", r.path, err)
	}
	defer f.Close()

	groups, err := decodeLUC(f)
	if err != nil {
		return nil, fmt.Errorf("decode LUC file %s: %w", r.path, err)
	}

	return groups, nil
}
