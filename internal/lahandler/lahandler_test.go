// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package lahandler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/internal/jobmanager"
	"github.com/genivi/node-startup-controller/internal/lahandler"
	"github.com/genivi/node-startup-controller/pkg/nsm"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

type fakeExporter struct {
	mu        sync.Mutex
	exported  map[dbus.ObjectPath]nsm.ShutdownConsumer
	unexports int
}

func newFakeExporter() *fakeExporter {
	return &fakeExporter{exported: make(map[dbus.ObjectPath]nsm.ShutdownConsumer)}
}

func (e *fakeExporter) Export(path dbus.ObjectPath, impl nsm.ShutdownConsumer) (func() error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.exported[path] = impl

	return func() error {
		e.mu.Lock()
		defer e.mu.Unlock()

		delete(e.exported, path)
		e.unexports++

		return nil
	}, nil
}

func (e *fakeExporter) get(path dbus.ObjectPath) (nsm.ShutdownConsumer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.exported[path]

	return c, ok
}

type registerCall struct {
	busName    string
	objectPath dbus.ObjectPath
	mask       nsm.ShutdownMode
	timeoutMS  uint32
}

type fakeNSMConsumer struct {
	mu          sync.Mutex
	registers   []registerCall
	unregisters []registerCall
	completes   []uint32
}

func (f *fakeNSMConsumer) RegisterShutdownClient(_ context.Context, busName string, path dbus.ObjectPath, mask nsm.ShutdownMode, timeoutMS uint32) (nsm.ErrorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.registers = append(f.registers, registerCall{busName, path, mask, timeoutMS})

	return nsm.ErrorStatusOK, nil
}

func (f *fakeNSMConsumer) UnregisterShutdownClient(_ context.Context, busName string, path dbus.ObjectPath, mask nsm.ShutdownMode) (nsm.ErrorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unregisters = append(f.unregisters, registerCall{busName, path, mask, 0})

	return nsm.ErrorStatusOK, nil
}

func (f *fakeNSMConsumer) LifecycleRequestComplete(_ context.Context, requestID uint32, status nsm.ErrorStatus) (nsm.ErrorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.completes = append(f.completes, requestID)

	return nsm.ErrorStatusOK, nil
}

func (f *fakeNSMConsumer) snapshot() ([]registerCall, []registerCall, []uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]registerCall(nil), f.registers...), append([]registerCall(nil), f.unregisters...), append([]uint32(nil), f.completes...)
}

type fakeSupervisor struct {
	events chan supervisor.JobRemovedEvent

	mu     sync.Mutex
	nextID int
	killed []supervisor.UnitName
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{events: make(chan supervisor.JobRemovedEvent, 16)}
}

func (f *fakeSupervisor) Subscribe(context.Context) (<-chan supervisor.JobRemovedEvent, error) {
	return f.events, nil
}

func (f *fakeSupervisor) StartUnit(context.Context, supervisor.UnitName, supervisor.StartMode) (supervisor.JobID, error) {
	return "", nil
}

func (f *fakeSupervisor) StopUnit(_ context.Context, unit supervisor.UnitName, _ supervisor.StartMode) (supervisor.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++

	return supervisor.JobID(unit), nil
}

func (f *fakeSupervisor) RestartUnit(context.Context, supervisor.UnitName, supervisor.StartMode) (supervisor.JobID, error) {
	return "", nil
}
func (f *fakeSupervisor) KillUnit(_ context.Context, unit supervisor.UnitName) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.killed = append(f.killed, unit)

	return nil
}
func (f *fakeSupervisor) CancelJob(context.Context, supervisor.JobID) error { return nil }

func (f *fakeSupervisor) killedUnits() []supervisor.UnitName {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]supervisor.UnitName(nil), f.killed...)
}
func (f *fakeSupervisor) GetUnit(context.Context, supervisor.UnitName) (dbus.ObjectPath, error) {
	return "", nil
}
func (f *fakeSupervisor) ActiveState(context.Context, dbus.ObjectPath) (string, error) {
	return "", nil
}

func (f *fakeSupervisor) complete(unit supervisor.UnitName, result supervisor.JobResult) {
	f.events <- supervisor.JobRemovedEvent{ID: supervisor.JobID(unit), Unit: unit, Result: result}
}

type LAHandlerSuite struct {
	suite.Suite

	exporter *fakeExporter
	nsmc     *fakeNSMConsumer
	super    *fakeSupervisor
	jobs     *jobmanager.Manager
	handler  *lahandler.Handler
}

func (s *LAHandlerSuite) SetupTest() {
	s.exporter = newFakeExporter()
	s.nsmc = &fakeNSMConsumer{}
	s.super = newFakeSupervisor()

	jobs, err := jobmanager.New(context.Background(), zap.NewNop(), s.super)
	s.Require().NoError(err)

	s.jobs = jobs
	s.handler = lahandler.New(zap.NewNop(), "org.genivi.NodeStartupController", "/org/genivi/NodeStartupController/Consumers", s.exporter, s.nsmc, jobs)
}

func (s *LAHandlerSuite) TestRegisterRejectsInvalidMask() {
	s.handler.Register(context.Background(), "app.service", 0, 1000)

	registers, _, _ := s.nsmc.snapshot()
	s.Empty(registers)
}

func (s *LAHandlerSuite) TestRegisterAllocatesPathAndExports() {
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeNormal, 1000)

	registers, _, _ := s.nsmc.snapshot()
	s.Require().Len(registers, 1)
	s.Equal(dbus.ObjectPath("/org/genivi/NodeStartupController/Consumers/1"), registers[0].objectPath)
	s.Equal(nsm.ShutdownModeNormal, registers[0].mask)
	s.Equal(uint32(1000), registers[0].timeoutMS)

	_, ok := s.exporter.get(registers[0].objectPath)
	s.True(ok)
}

func (s *LAHandlerSuite) TestReRegisterOverwritesMaskAndReusesPath() {
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeNormal, 1000)
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeFast, 2000)

	registers, _, _ := s.nsmc.snapshot()
	s.Require().Len(registers, 2)
	s.Equal(registers[0].objectPath, registers[1].objectPath)
	s.Equal(nsm.ShutdownModeFast, registers[1].mask)
	s.Equal(uint32(2000), registers[1].timeoutMS)
}

func (s *LAHandlerSuite) TestReRegisterWithIdenticalMaskAndTimeoutSkipsNSMCall() {
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeNormal, 1000)
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeNormal, 1000)

	registers, _, _ := s.nsmc.snapshot()
	s.Len(registers, 1)
}

func (s *LAHandlerSuite) TestSecondDistinctUnitGetsNextPath() {
	s.handler.Register(context.Background(), "app-one.service", nsm.ShutdownModeNormal, 1000)
	s.handler.Register(context.Background(), "app-two.service", nsm.ShutdownModeNormal, 1000)

	registers, _, _ := s.nsmc.snapshot()
	s.Require().Len(registers, 2)
	s.Equal(dbus.ObjectPath("/org/genivi/NodeStartupController/Consumers/1"), registers[0].objectPath)
	s.Equal(dbus.ObjectPath("/org/genivi/NodeStartupController/Consumers/2"), registers[1].objectPath)
}

func (s *LAHandlerSuite) TestLifecycleRequestDispatchesStopAndCompletes() {
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeNormal, 1000)

	registers, _, _ := s.nsmc.snapshot()
	consumer, ok := s.exporter.get(registers[0].objectPath)
	s.Require().True(ok)

	status, dbusErr := consumer.LifecycleRequest(nsm.ShutdownModeNormal, 42)
	s.Nil(dbusErr)
	s.Equal(nsm.ErrorStatusResponsePending, status)

	s.Eventually(func() bool {
		s.super.mu.Lock()
		defer s.super.mu.Unlock()

		return s.super.nextID == 1
	}, time.Second, time.Millisecond)

	s.super.complete("app.service", supervisor.JobDone)

	s.Eventually(func() bool {
		_, _, completes := s.nsmc.snapshot()
		return len(completes) == 1
	}, time.Second, time.Millisecond)

	_, _, completes := s.nsmc.snapshot()
	s.Equal([]uint32{42}, completes)
}

func (s *LAHandlerSuite) TestLifecycleRequestFailedStopTriggersKillUnitFallback() {
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeNormal, 1000)

	registers, _, _ := s.nsmc.snapshot()
	consumer, ok := s.exporter.get(registers[0].objectPath)
	s.Require().True(ok)

	status, dbusErr := consumer.LifecycleRequest(nsm.ShutdownModeNormal, 42)
	s.Nil(dbusErr)
	s.Equal(nsm.ErrorStatusResponsePending, status)

	s.Eventually(func() bool {
		s.super.mu.Lock()
		defer s.super.mu.Unlock()

		return s.super.nextID == 1
	}, time.Second, time.Millisecond)

	s.super.complete("app.service", supervisor.JobFailed)

	s.Eventually(func() bool {
		return len(s.super.killedUnits()) == 1
	}, time.Second, time.Millisecond)

	s.Equal([]supervisor.UnitName{"app.service"}, s.super.killedUnits())

	s.Eventually(func() bool {
		_, _, completes := s.nsmc.snapshot()
		return len(completes) == 1
	}, time.Second, time.Millisecond)

	_, _, completes := s.nsmc.snapshot()
	s.Equal([]uint32{42}, completes)
}

func (s *LAHandlerSuite) TestLifecycleRequestAfterDeregisterReturnsError() {
	s.handler.Register(context.Background(), "app.service", nsm.ShutdownModeNormal, 1000)

	registers, _, _ := s.nsmc.snapshot()
	consumer, ok := s.exporter.get(registers[0].objectPath)
	s.Require().True(ok)

	s.handler.DeregisterConsumers(context.Background())

	status, dbusErr := consumer.LifecycleRequest(nsm.ShutdownModeNormal, 7)
	s.Nil(dbusErr)
	s.Equal(nsm.ErrorStatusError, status)
}

func (s *LAHandlerSuite) TestDeregisterConsumersUnregistersAndUnexportsAll() {
	s.handler.Register(context.Background(), "app-one.service", nsm.ShutdownModeNormal, 1000)
	s.handler.Register(context.Background(), "app-two.service", nsm.ShutdownModeNormal, 1000)

	s.handler.DeregisterConsumers(context.Background())

	_, unregisters, _ := s.nsmc.snapshot()
	s.Len(unregisters, 2)
	s.Equal(2, s.exporter.unexports)
}

func TestLAHandlerSuite(t *testing.T) {
	suite.Run(t, new(LAHandlerSuite))
}
