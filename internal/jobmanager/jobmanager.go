// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package jobmanager is an asynchronous, correlation-id based proxy to the
// supervisor: it turns fire-and-forget start_unit/stop_unit RPCs plus the
// supervisor's job-removed event stream into a single "perform this
// operation on unit X and tell me when it terminates" call, plus a direct
// kill_unit passthrough for hard-stop fallbacks.
package jobmanager

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/internal/metrics"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

// CompletionFunc is invoked exactly once per Start/Stop call, with the
// supervisor's completion code or "failed" on synchronous RPC failure.
// A call whose job id duplicates one already in flight is dropped and
// its CompletionFunc is never invoked.
type CompletionFunc func(unit supervisor.UnitName, result supervisor.JobResult, err error)

// CancelHandle is an idempotent, one-shot cancellation signal. Cancelling a
// completed or already-cancelled handle is a no-op.
type CancelHandle struct {
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewCancelHandle returns a handle in the not-cancelled state.
func NewCancelHandle() *CancelHandle {
	return &CancelHandle{done: make(chan struct{})}
}

// Cancel signals the handle. It is safe to call more than once.
func (h *CancelHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// Done returns a channel closed when Cancel has been called.
func (h *CancelHandle) Done() <-chan struct{} {
	return h.done
}

type activeJob struct {
	unit    supervisor.UnitName
	cb      CompletionFunc
	removed chan struct{}
}

// Manager correlates asynchronous unit operations with the supervisor's
// completion events. The zero value is not usable; construct with New.
type Manager struct {
	log     *zap.Logger
	super   supervisor.Manager
	metrics *metrics.Metrics

	mu   sync.Mutex
	jobs map[supervisor.JobID]*activeJob
}

// New subscribes to the supervisor's job-removed event stream and returns a
// running Manager. Subscription failure here is fatal to daemon startup.
func New(ctx context.Context, log *zap.Logger, super supervisor.Manager) (*Manager, error) {
	return NewWithMetrics(ctx, log, super, nil)
}

// NewWithMetrics is New with an explicit metrics sink; m may be nil.
func NewWithMetrics(ctx context.Context, log *zap.Logger, super supervisor.Manager, m *metrics.Metrics) (*Manager, error) {
	events, err := super.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe to job-removed events: %w", err)
	}

	mgr := &Manager{
		log:     log,
		super:   super,
		metrics: m,
		jobs:    make(map[supervisor.JobID]*activeJob),
	}

	go mgr.dispatch(events)

	return mgr, nil
}

func (m *Manager) dispatch(events <-chan supervisor.JobRemovedEvent) {
	for ev := range events {
		m.onJobRemoved(ev)
	}
}

func (m *Manager) onJobRemoved(ev supervisor.JobRemovedEvent) {
	m.mu.Lock()
	job, ok := m.jobs[ev.ID]

	if !ok {
		m.mu.Unlock()
		// Belongs to a different client of the supervisor.
		return
	}

	delete(m.jobs, ev.ID)
	m.mu.Unlock()

	close(job.removed)
	m.metrics.JobCompleted(string(ev.Result))
	job.cb(job.unit, ev.Result, nil)
}

// Start issues start_unit for unit and invokes cb exactly once on completion.
func (m *Manager) Start(ctx context.Context, unit supervisor.UnitName, cancel *CancelHandle, cb CompletionFunc) {
	m.issue(ctx, unit, cancel, cb, m.super.StartUnit)
}

// Stop issues stop_unit for unit and invokes cb exactly once on completion.
func (m *Manager) Stop(ctx context.Context, unit supervisor.UnitName, cancel *CancelHandle, cb CompletionFunc) {
	m.issue(ctx, unit, cancel, cb, m.super.StopUnit)
}

// KillUnit issues kill_unit for unit, bypassing the job-table
// correlation path: the supervisor signals the unit's control group
// directly rather than replying with a job id. Used by the Legacy-App
// Handler as a hard-stop fallback when a cooperative Stop fails.
func (m *Manager) KillUnit(ctx context.Context, unit supervisor.UnitName) error {
	return m.super.KillUnit(ctx, unit)
}

type issueFunc func(ctx context.Context, unit supervisor.UnitName, mode supervisor.StartMode) (supervisor.JobID, error)

func (m *Manager) issue(ctx context.Context, unit supervisor.UnitName, cancel *CancelHandle, cb CompletionFunc, fn issueFunc) {
	go func() {
		// The mutex is held across the RPC so that a job-removed event
		// arriving before the reply is stored cannot be dispatched ahead
		// of the job-table insertion.
		m.mu.Lock()

		id, err := fn(ctx, unit, supervisor.ModeFail)
		if err != nil {
			m.mu.Unlock()
			m.log.Error("unit operation failed synchronously", zap.String("unit", string(unit)), zap.Error(err))
			m.metrics.JobRejectedSynchronously(string(supervisor.JobFailed))
			cb(unit, supervisor.JobFailed, err)

			return
		}

		if _, exists := m.jobs[id]; exists {
			m.mu.Unlock()
			m.log.Error("duplicate job correlation id, dropping new job",
				zap.String("id", string(id)), zap.String("unit", string(unit)))

			return
		}

		removed := make(chan struct{})
		m.jobs[id] = &activeJob{unit: unit, cb: cb, removed: removed}
		m.mu.Unlock()
		m.metrics.JobStarted()

		if cancel != nil {
			go m.watchCancel(id, cancel, removed)
		}
	}()
}

func (m *Manager) watchCancel(id supervisor.JobID, cancel *CancelHandle, removed chan struct{}) {
	select {
	case <-cancel.Done():
		if err := m.super.CancelJob(context.Background(), id); err != nil {
			m.log.Error("cancel job failed", zap.String("id", string(id)), zap.Error(err))
		}
	case <-removed:
	}
}
