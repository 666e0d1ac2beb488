// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package targetmonitor watches the supervisor's job-removed event
// stream for a fixed set of milestone targets and republishes coarse
// node-state transitions to the node state manager.
package targetmonitor

import (
	"context"

	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/pkg/nsm"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

// targetStates is the fixed compile-time target-unit to node-state table.
var targetStates = map[supervisor.UnitName]nsm.NodeState{
	"focussed.target":   nsm.NodeStateLucRunning,
	"unfocussed.target": nsm.NodeStateFullyRunning,
	"lazy.target":       nsm.NodeStateFullyOperational,
}

const activeState = "active"

// baseTarget is the mandatory early-boot target. Its activeness is
// checked once before BASE_RUNNING is published; the check costs one
// extra round-trip and catches a misconfigured boot order.
const baseTarget supervisor.UnitName = "base.target"

// Monitor maps active-state transitions of well-known targets to node
// states. The zero value is not usable; construct with New.
type Monitor struct {
	log   *zap.Logger
	super supervisor.Manager
	lc    nsm.LifecycleControl
}

// New constructs a Monitor, immediately publishing BASE_RUNNING, then
// subscribes to job-removed events and begins watching for the fixed
// set of milestone targets. Subscription failure is fatal to startup.
func New(ctx context.Context, log *zap.Logger, super supervisor.Manager, lc nsm.LifecycleControl) (*Monitor, error) {
	m := &Monitor{log: log, super: super, lc: lc}

	m.checkBaseTargetActive(ctx)

	if status, err := lc.SetNodeState(ctx, nsm.NodeStateBaseRunning); err != nil {
		m.log.Error("publish BASE_RUNNING failed", zap.Error(err))
	} else if status != nsm.ErrorStatusOK {
		m.log.Error("publish BASE_RUNNING rejected", zap.String("status", status.String()))
	}

	events, err := super.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	go m.run(ctx, events)

	return m, nil
}

// checkBaseTargetActive queries base.target's active state once and
// logs, without failing construction, if it is not yet active.
// BASE_RUNNING is published unconditionally either way.
func (m *Monitor) checkBaseTargetActive(ctx context.Context) {
	path, err := m.super.GetUnit(ctx, baseTarget)
	if err != nil {
		m.log.Warn("get_unit for base.target failed, publishing BASE_RUNNING anyway", zap.Error(err))
		return
	}

	active, err := m.super.ActiveState(ctx, path)
	if err != nil {
		m.log.Warn("active_state for base.target failed, publishing BASE_RUNNING anyway", zap.Error(err))
		return
	}

	if active != activeState {
		m.log.Warn("base.target is not active, publishing BASE_RUNNING anyway", zap.String("active_state", active))
	}
}

func (m *Monitor) run(ctx context.Context, events <-chan supervisor.JobRemovedEvent) {
	for ev := range events {
		m.onJobRemoved(ctx, ev)
	}
}

func (m *Monitor) onJobRemoved(ctx context.Context, ev supervisor.JobRemovedEvent) {
	state, ok := targetStates[ev.Unit]
	if !ok {
		return
	}

	path, err := m.super.GetUnit(ctx, ev.Unit)
	if err != nil {
		m.log.Error("get_unit failed", zap.String("unit", string(ev.Unit)), zap.Error(err))
		return
	}

	active, err := m.super.ActiveState(ctx, path)
	if err != nil {
		m.log.Error("active_state failed", zap.String("unit", string(ev.Unit)), zap.Error(err))
		return
	}

	if active != activeState {
		return
	}

	if status, err := m.lc.SetNodeState(ctx, state); err != nil {
		m.log.Error("set_node_state failed", zap.String("unit", string(ev.Unit)), zap.String("state", state.String()), zap.Error(err))
	} else if status != nsm.ErrorStatusOK {
		m.log.Error("set_node_state rejected", zap.String("unit", string(ev.Unit)), zap.String("state", state.String()), zap.String("status", status.String()))
	}
}
