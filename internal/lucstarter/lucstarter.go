// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lucstarter implements the LUC Starter (C5): it reads the
// persisted last-user-context registry, restores its units in
// priority order, and reports back once the whole restore has settled.
package lucstarter

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/internal/jobmanager"
	"github.com/genivi/node-startup-controller/internal/lucregistry"
	"github.com/genivi/node-startup-controller/internal/metrics"
	"github.com/genivi/node-startup-controller/pkg/nsm"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

// Starter restores the last user context: it starts every registered
// group's units, one group at a time, and reports completion through
// Started. The zero value is not usable; construct with New.
type Starter struct {
	log        *zap.Logger
	jobs       *jobmanager.Manager
	registry   *lucregistry.Registry
	lc         nsm.LifecycleControl // nil when no lifecycle-control endpoint is configured
	priorities []int32
	metrics    *metrics.Metrics

	mu         sync.Mutex
	startOrder []int32
	groups     map[int32][]supervisor.UnitName
	cancels    map[supervisor.UnitName]*jobmanager.CancelHandle

	startedOnce sync.Once
	started     chan struct{}
}

// New returns a Starter. lc may be nil, meaning no lifecycle-control
// endpoint is configured; the restore then proceeds unconditionally.
func New(log *zap.Logger, jobs *jobmanager.Manager, registry *lucregistry.Registry, lc nsm.LifecycleControl, priorities []int32) *Starter {
	return NewWithMetrics(log, jobs, registry, lc, priorities, nil)
}

// NewWithMetrics is New with an explicit metrics sink; m may be nil.
func NewWithMetrics(log *zap.Logger, jobs *jobmanager.Manager, registry *lucregistry.Registry, lc nsm.LifecycleControl, priorities []int32, m *metrics.Metrics) *Starter {
	return &Starter{
		log:        log,
		jobs:       jobs,
		registry:   registry,
		lc:         lc,
		priorities: priorities,
		metrics:    m,
		started:    make(chan struct{}),
	}
}

// Started returns a channel closed exactly once, when the restore
// triggered by StartGroups has completed or was found unnecessary. If
// reading the LUC registry fails, the channel is not closed.
func (s *Starter) Started() <-chan struct{} {
	return s.started
}

func (s *Starter) emitStarted() {
	s.startedOnce.Do(func() { close(s.started) })
}

// StartGroups kicks off a restore in the background.
func (s *Starter) StartGroups(ctx context.Context) {
	go s.run(ctx)
}

func (s *Starter) run(ctx context.Context) {
	required := true

	if s.lc != nil {
		r, err := s.lc.CheckLUCRequired(ctx)
		if err != nil {
			s.log.Error("check_luc_required failed, assuming required", zap.Error(err))
		} else {
			required = r
		}
	}

	if !required {
		s.emitStarted()
		return
	}

	persisted, err := s.registry.Read()
	if err != nil {
		s.log.Error("read LUC registry failed, restore abandoned", zap.Error(err))
		return
	}

	s.mu.Lock()

	s.groups = make(map[int32][]supervisor.UnitName, len(persisted))
	for key, units := range persisted {
		names := make([]supervisor.UnitName, len(units))
		for i, u := range units {
			names[i] = supervisor.UnitName(u)
		}

		s.groups[key] = names
	}

	s.cancels = make(map[supervisor.UnitName]*jobmanager.CancelHandle)
	s.startOrder = buildStartOrder(s.groups, s.priorities)

	empty := len(s.startOrder) == 0
	var head int32
	if !empty {
		head = s.startOrder[0]
	}

	remaining := len(s.startOrder)

	s.mu.Unlock()

	s.metrics.SetLUCGroupsRemaining(remaining)

	if empty {
		s.emitStarted()
		return
	}

	s.startGroup(ctx, head)
}

// buildStartOrder sorts the group keys stably: keys present in
// priorities come first, in priorities' order; the rest follow in
// ascending numeric order, which is arbitrary but deterministic and
// satisfies the "stable" requirement across repeated runs against the
// same LUC file.
func buildStartOrder(groups map[int32][]supervisor.UnitName, priorities []int32) []int32 {
	keys := make([]int32, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}

	rank := make(map[int32]int, len(priorities))
	for i, p := range priorities {
		rank[p] = i
	}

	sort.SliceStable(keys, func(i, j int) bool {
		ri, iok := rank[keys[i]]
		rj, jok := rank[keys[j]]

		switch {
		case iok && jok:
			return ri < rj
		case iok && !jok:
			return true
		case !iok && jok:
			return false
		default:
			return keys[i] < keys[j]
		}
	})

	return keys
}

func (s *Starter) startGroup(ctx context.Context, key int32) {
	s.mu.Lock()
	units := append([]supervisor.UnitName(nil), s.groups[key]...)

	for _, unit := range units {
		s.cancels[unit] = jobmanager.NewCancelHandle()
	}

	s.mu.Unlock()

	for _, unit := range units {
		unit := unit

		s.mu.Lock()
		cancel := s.cancels[unit]
		s.mu.Unlock()

		s.jobs.Start(ctx, unit, cancel, func(u supervisor.UnitName, result supervisor.JobResult, err error) {
			s.onDone(ctx, key, u, result, err)
		})
	}
}

func (s *Starter) onDone(ctx context.Context, key int32, unit supervisor.UnitName, result supervisor.JobResult, err error) {
	if err != nil || result == supervisor.JobFailed {
		s.log.Error("luc unit start did not succeed", zap.String("unit", string(unit)), zap.String("result", string(result)), zap.Error(err))
	}

	s.mu.Lock()

	delete(s.cancels, unit)

	group := removeUnit(s.groups[key], unit)
	s.groups[key] = group

	var (
		nextKey        int32
		advance        bool
		startOrderDone bool
	)

	if len(group) == 0 {
		delete(s.groups, key)
		s.startOrder = removeKey(s.startOrder, key)

		if len(s.startOrder) == 0 {
			startOrderDone = true
		} else {
			nextKey = s.startOrder[0]
			advance = true
		}
	}

	remaining := len(s.startOrder)

	s.mu.Unlock()

	s.metrics.SetLUCGroupsRemaining(remaining)

	if startOrderDone {
		s.emitStarted()
		return
	}

	if advance {
		s.startGroup(ctx, nextKey)
	}
}

func removeUnit(units []supervisor.UnitName, target supervisor.UnitName) []supervisor.UnitName {
	for i, u := range units {
		if u == target {
			out := make([]supervisor.UnitName, 0, len(units)-1)
			out = append(out, units[:i]...)
			out = append(out, units[i+1:]...)

			return out
		}
	}

	return units
}

func removeKey(keys []int32, target int32) []int32 {
	for i, k := range keys {
		if k == target {
			out := make([]int32, 0, len(keys)-1)
			out = append(out, keys[:i]...)
			out = append(out, keys[i+1:]...)

			return out
		}
	}

	return keys
}

// Cancel triggers every in-flight unit's cancel handle. Completion
// callbacks still fire; the state machine drains exactly as if every
// unit had finished on its own.
func (s *Starter) Cancel() {
	s.mu.Lock()
	handles := make([]*jobmanager.CancelHandle, 0, len(s.cancels))

	for _, h := range s.cancels {
		handles = append(handles, h)
	}

	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}
