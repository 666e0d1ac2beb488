// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package lucstarter_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/internal/jobmanager"
	"github.com/genivi/node-startup-controller/internal/lucregistry"
	"github.com/genivi/node-startup-controller/internal/lucstarter"
	"github.com/genivi/node-startup-controller/pkg/nsm"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

type fakeSupervisor struct {
	events chan supervisor.JobRemovedEvent

	mu      sync.Mutex
	started []supervisor.UnitName
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{events: make(chan supervisor.JobRemovedEvent, 64)}
}

func (f *fakeSupervisor) Subscribe(context.Context) (<-chan supervisor.JobRemovedEvent, error) {
	return f.events, nil
}

func (f *fakeSupervisor) StartUnit(_ context.Context, unit supervisor.UnitName, _ supervisor.StartMode) (supervisor.JobID, error) {
	f.mu.Lock()
	f.started = append(f.started, unit)
	f.mu.Unlock()

	return supervisor.JobID(unit), nil
}

func (f *fakeSupervisor) StopUnit(context.Context, supervisor.UnitName, supervisor.StartMode) (supervisor.JobID, error) {
	return "", nil
}
func (f *fakeSupervisor) RestartUnit(context.Context, supervisor.UnitName, supervisor.StartMode) (supervisor.JobID, error) {
	return "", nil
}
func (f *fakeSupervisor) KillUnit(context.Context, supervisor.UnitName) error { return nil }
func (f *fakeSupervisor) CancelJob(context.Context, supervisor.JobID) error   { return nil }
func (f *fakeSupervisor) GetUnit(context.Context, supervisor.UnitName) (dbus.ObjectPath, error) {
	return "", nil
}
func (f *fakeSupervisor) ActiveState(context.Context, dbus.ObjectPath) (string, error) {
	return "", nil
}

func (f *fakeSupervisor) snapshot() []supervisor.UnitName {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]supervisor.UnitName(nil), f.started...)
}

func (f *fakeSupervisor) complete(unit supervisor.UnitName, result supervisor.JobResult) {
	f.events <- supervisor.JobRemovedEvent{ID: supervisor.JobID(unit), Unit: unit, Result: result}
}

type fakeLifecycleControl struct {
	required bool
}

func (f *fakeLifecycleControl) SetNodeState(context.Context, nsm.NodeState) (nsm.ErrorStatus, error) {
	return nsm.ErrorStatusOK, nil
}

func (f *fakeLifecycleControl) CheckLUCRequired(context.Context) (bool, error) {
	return f.required, nil
}

func writeRegistry(t *testing.T, groups map[int32][]string) *lucregistry.Registry {
	t.Helper()

	reg := lucregistry.New(zap.NewNop(), filepath.Join(t.TempDir(), "luc.bin"))

	reg.Begin()
	reg.Register(groups)
	reg.Finish()

	return reg
}

type LUCStarterSuite struct {
	suite.Suite

	super *fakeSupervisor
	jobs  *jobmanager.Manager
}

func (s *LUCStarterSuite) SetupTest() {
	s.super = newFakeSupervisor()

	jobs, err := jobmanager.New(context.Background(), zap.NewNop(), s.super)
	s.Require().NoError(err)

	s.jobs = jobs
}

func (s *LUCStarterSuite) waitForStartCount(n int) {
	s.Eventually(func() bool { return len(s.super.snapshot()) >= n }, time.Second, time.Millisecond)
}

func (s *LUCStarterSuite) TestRestoreHonorsPriorityOrder() {
	reg := writeRegistry(s.T(), map[int32][]string{
		1: {"a.service"},
		3: {"b.service", "c.service"},
		4: {"d.service"},
	})

	starter := lucstarter.New(zap.NewNop(), s.jobs, reg, nil, []int32{3, 1, 4})
	starter.StartGroups(context.Background())

	s.waitForStartCount(2)
	s.ElementsMatch([]supervisor.UnitName{"b.service", "c.service"}, s.super.snapshot())

	s.super.complete("b.service", supervisor.JobDone)
	s.super.complete("c.service", supervisor.JobDone)

	s.waitForStartCount(3)
	s.Equal(supervisor.UnitName("a.service"), s.super.snapshot()[2])

	s.super.complete("a.service", supervisor.JobDone)

	s.waitForStartCount(4)
	s.Equal(supervisor.UnitName("d.service"), s.super.snapshot()[3])

	s.super.complete("d.service", supervisor.JobDone)

	select {
	case <-starter.Started():
	case <-time.After(time.Second):
		s.Fail("luc_groups_started was not emitted")
	}
}

func (s *LUCStarterSuite) TestCancelMidGroupStillDrainsToCompletion() {
	reg := writeRegistry(s.T(), map[int32][]string{
		1: {"a.service"},
		3: {"b.service", "c.service"},
		4: {"d.service"},
	})

	starter := lucstarter.New(zap.NewNop(), s.jobs, reg, nil, []int32{3, 1, 4})
	starter.StartGroups(context.Background())

	s.waitForStartCount(2)

	starter.Cancel()

	s.super.complete("b.service", supervisor.JobCanceled)
	s.super.complete("c.service", supervisor.JobDone)

	s.waitForStartCount(3)
	s.Equal(supervisor.UnitName("a.service"), s.super.snapshot()[2])

	s.super.complete("a.service", supervisor.JobDone)

	s.waitForStartCount(4)
	s.Equal(supervisor.UnitName("d.service"), s.super.snapshot()[3])

	s.super.complete("d.service", supervisor.JobDone)

	select {
	case <-starter.Started():
	case <-time.After(time.Second):
		s.Fail("luc_groups_started was not emitted")
	}
}

func (s *LUCStarterSuite) TestLUCNotRequiredEmitsImmediately() {
	reg := writeRegistry(s.T(), map[int32][]string{1: {"a.service"}})
	starter := lucstarter.New(zap.NewNop(), s.jobs, reg, &fakeLifecycleControl{required: false}, nil)

	starter.StartGroups(context.Background())

	select {
	case <-starter.Started():
	case <-time.After(time.Second):
		s.Fail("luc_groups_started was not emitted")
	}

	time.Sleep(20 * time.Millisecond)
	s.Empty(s.super.snapshot())
}

func (s *LUCStarterSuite) TestReadFailureNeverEmits() {
	reg := lucregistry.New(zap.NewNop(), filepath.Join(s.T().TempDir(), "missing.bin"))
	starter := lucstarter.New(zap.NewNop(), s.jobs, reg, nil, nil)

	starter.StartGroups(context.Background())

	select {
	case <-starter.Started():
		s.Fail("luc_groups_started must not be emitted when the registry read fails")
	case <-time.After(100 * time.Millisecond):
	}
}

func (s *LUCStarterSuite) TestPriorityStabilityWhenKeysEqualPrioritisedSet() {
	reg := writeRegistry(s.T(), map[int32][]string{
		1: {"a.service"},
		3: {"b.service"},
		4: {"d.service"},
	})

	starter := lucstarter.New(zap.NewNop(), s.jobs, reg, nil, []int32{3, 1, 4})
	starter.StartGroups(context.Background())

	s.waitForStartCount(1)
	s.Equal(supervisor.UnitName("b.service"), s.super.snapshot()[0])

	s.super.complete("b.service", supervisor.JobDone)

	s.waitForStartCount(2)
	s.Equal(supervisor.UnitName("a.service"), s.super.snapshot()[1])

	s.super.complete("a.service", supervisor.JobDone)

	s.waitForStartCount(3)
	s.Equal(supervisor.UnitName("d.service"), s.super.snapshot()[2])

	s.super.complete("d.service", supervisor.JobDone)

	select {
	case <-starter.Started():
	case <-time.After(time.Second):
		s.Fail("luc_groups_started was not emitted")
	}
}

func TestLUCStarterSuite(t *testing.T) {
	suite.Run(t, new(LUCStarterSuite))
}
