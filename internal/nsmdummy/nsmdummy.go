// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nsmdummy implements the NSM Shutdown Scheduler (C7): a
// normative node state manager test peer against which the main
// daemon's shutdown completion semantics are defined. It runs a
// strictly-ordered, two-phase (FAST then NORMAL) drain of registered
// shutdown clients in reverse-registration order, honoring each
// client's per-call deadline.
package nsmdummy

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/pkg/nsm"
)

// Timer abstracts a one-shot deadline so tests can control time
// directly instead of racing real wall-clock timers.
type Timer interface {
	Stop() bool
	C() <-chan time.Time
}

// TimerFactory constructs a Timer that fires after d.
type TimerFactory func(d time.Duration) Timer

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool          { return r.t.Stop() }
func (r realTimer) C() <-chan time.Time { return r.t.C }

func realTimerFactory(d time.Duration) Timer { return realTimer{t: time.NewTimer(d)} }

// ConsumerClientFactory builds the proxy the scheduler uses to call
// lifecycle_request on a registered client.
type ConsumerClientFactory func(busName string, path dbus.ObjectPath) nsm.ShutdownConsumerClient

type client struct {
	busName    string
	objectPath dbus.ObjectPath
	mask       nsm.ShutdownMode
	timeoutMS  uint32
	proxy      nsm.ShutdownConsumerClient
}

func (c *client) identity() string {
	return c.busName + string(c.objectPath)
}

// queue is the scheduler's single in-flight shutdown run.
type queue struct {
	currentMode     nsm.ShutdownMode
	remaining       []*client
	nextID          uint32
	idToIdentity    map[uint32]string
	awaitedIdentity string
	deadline        Timer
}

// Scheduler implements the NSM Shutdown Scheduler. The zero value is
// not usable; construct with New or NewWithTimerFactory.
type Scheduler struct {
	log       *zap.Logger
	newTimer  TimerFactory
	newClient ConsumerClientFactory

	mu         sync.Mutex
	allClients []*client // registration order, oldest first
	q          *queue
}

// New returns a Scheduler using real wall-clock timers and newClient
// to build per-client lifecycle_request proxies.
func New(log *zap.Logger, newClient ConsumerClientFactory) *Scheduler {
	return NewWithTimerFactory(log, realTimerFactory, newClient)
}

// NewWithConn returns a Scheduler whose client proxies are godbus calls
// over conn.
func NewWithConn(log *zap.Logger, conn *dbus.Conn) *Scheduler {
	return New(log, func(busName string, path dbus.ObjectPath) nsm.ShutdownConsumerClient {
		return nsm.NewDBusShutdownConsumerClient(conn, busName, path)
	})
}

// NewWithTimerFactory returns a Scheduler using newTimer for deadlines,
// letting tests substitute a fake clock.
func NewWithTimerFactory(log *zap.Logger, newTimer TimerFactory, newClient ConsumerClientFactory) *Scheduler {
	return &Scheduler{log: log, newTimer: newTimer, newClient: newClient}
}

// RegisterShutdownClient implements nsm.Consumer.
func (s *Scheduler) RegisterShutdownClient(_ context.Context, busName string, path dbus.ObjectPath, mask nsm.ShutdownMode, timeoutMS uint32) (nsm.ErrorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.allClients {
		if c.busName == busName && c.objectPath == path {
			c.mask = mask
			c.timeoutMS = timeoutMS

			return nsm.ErrorStatusOK, nil
		}
	}

	s.allClients = append(s.allClients, &client{
		busName:    busName,
		objectPath: path,
		mask:       mask,
		timeoutMS:  timeoutMS,
		proxy:      s.newClient(busName, path),
	})

	return nsm.ErrorStatusOK, nil
}

// UnregisterShutdownClient implements nsm.Consumer.
func (s *Scheduler) UnregisterShutdownClient(_ context.Context, busName string, path dbus.ObjectPath, _ nsm.ShutdownMode) (nsm.ErrorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.allClients {
		if c.busName == busName && c.objectPath == path {
			s.allClients = append(s.allClients[:i], s.allClients[i+1:]...)
			break
		}
	}

	return nsm.ErrorStatusOK, nil
}

// LifecycleRequestComplete implements nsm.Consumer: it resolves the
// scheduler's outstanding deadline for the awaited client, if the
// reply's request id still matches what the queue is waiting on, and
// resumes the drain.
func (s *Scheduler) LifecycleRequestComplete(ctx context.Context, requestID uint32, status nsm.ErrorStatus) (nsm.ErrorStatus, error) {
	s.mu.Lock()
	identity, ok := "", false
	if s.q != nil {
		identity, ok = s.q.idToIdentity[requestID]
	}
	s.mu.Unlock()

	if !ok || !s.tryResolve(identity) {
		return nsm.ErrorStatusOK, nil
	}

	s.log.Info("lifecycle_request_complete received", zap.Uint32("request_id", requestID), zap.Stringer("status", status))

	go s.runQueue(ctx)

	return nsm.ErrorStatusOK, nil
}

// SetNodeState implements nsm.LifecycleControl as a logging stand-in.
func (s *Scheduler) SetNodeState(_ context.Context, state nsm.NodeState) (nsm.ErrorStatus, error) {
	s.log.Info("set_node_state", zap.Stringer("state", state))
	return nsm.ErrorStatusOK, nil
}

// CheckLUCRequired implements nsm.LifecycleControl as a stand-in that
// always answers true.
func (s *Scheduler) CheckLUCRequired(context.Context) (bool, error) {
	return true, nil
}

// TriggerShutdown starts a shutdown run if none is already in
// progress and at least one client is registered.
func (s *Scheduler) TriggerShutdown(ctx context.Context) {
	s.mu.Lock()

	if s.q != nil || len(s.allClients) == 0 {
		s.mu.Unlock()
		return
	}

	s.q = &queue{
		currentMode:  nsm.ShutdownModeFast,
		remaining:    reverseClients(s.allClients),
		nextID:       1,
		idToIdentity: make(map[uint32]string),
	}

	s.mu.Unlock()

	go s.runQueue(ctx)
}

// runQueue drains the current queue, one client at a time, returning
// whenever it installs a deadline to await an asynchronous reply; it
// is re-entered by LifecycleRequestComplete and by deadline expiry.
func (s *Scheduler) runQueue(ctx context.Context) {
	for {
		s.mu.Lock()
		q := s.q

		if q == nil {
			s.mu.Unlock()
			return
		}

		if len(q.remaining) == 0 {
			if q.currentMode == nsm.ShutdownModeFast {
				q.currentMode = nsm.ShutdownModeNormal
				q.remaining = reverseClients(s.allClients)
				s.mu.Unlock()

				continue
			}

			s.q = nil
			s.mu.Unlock()

			return
		}

		c := q.remaining[0]

		if !c.mask.Has(q.currentMode) {
			q.remaining = q.remaining[1:]
			s.mu.Unlock()

			continue
		}

		if c.proxy == nil {
			s.log.Error("shutdown client has no lifecycle_request proxy, skipping", zap.String("bus_name", c.busName))
			q.remaining = q.remaining[1:]
			s.mu.Unlock()

			continue
		}

		identity := c.identity()
		id := q.nextID
		q.nextID++
		q.idToIdentity[id] = identity
		q.awaitedIdentity = identity
		mode := q.currentMode
		timeout := time.Duration(c.timeoutMS) * time.Millisecond
		s.mu.Unlock()

		status, err := c.proxy.LifecycleRequest(ctx, mode, id)
		if err != nil {
			s.log.Error("lifecycle_request transport failure", zap.String("bus_name", c.busName), zap.Error(err))
			s.tryResolve(identity)

			continue
		}

		switch status {
		case nsm.ErrorStatusResponsePending:
			s.installDeadline(ctx, identity, timeout)
			return
		case nsm.ErrorStatusOK:
			s.log.Info("lifecycle_request completed synchronously", zap.String("bus_name", c.busName))
			s.tryResolve(identity)
		default:
			s.log.Error("lifecycle_request rejected", zap.String("bus_name", c.busName), zap.Stringer("status", status))
			s.tryResolve(identity)
		}
	}
}

func (s *Scheduler) installDeadline(ctx context.Context, identity string, d time.Duration) {
	timer := s.newTimer(d)

	s.mu.Lock()
	if s.q == nil || s.q.awaitedIdentity != identity {
		s.mu.Unlock()
		timer.Stop()

		return
	}

	s.q.deadline = timer
	s.mu.Unlock()

	go func() {
		select {
		case <-timer.C():
			if !s.tryResolve(identity) {
				return
			}

			s.log.Error("shutdown client deadline expired", zap.String("identity", identity))
			s.runQueue(ctx)
		case <-ctx.Done():
		}
	}()
}

// tryResolve is the single atomic decision point for ending a
// suspension: it succeeds for at most one caller per suspended
// client, whichever of LifecycleRequestComplete or the deadline timer
// observes the match first, preventing both from independently
// advancing the queue.
func (s *Scheduler) tryResolve(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.q == nil || s.q.awaitedIdentity != identity {
		return false
	}

	s.q.awaitedIdentity = ""

	if s.q.deadline != nil {
		s.q.deadline.Stop()
		s.q.deadline = nil
	}

	if len(s.q.remaining) > 0 && s.q.remaining[0].identity() == identity {
		s.q.remaining = s.q.remaining[1:]
	}

	return true
}

func reverseClients(clients []*client) []*client {
	out := make([]*client, len(clients))
	for i, c := range clients {
		out[len(clients)-1-i] = c
	}

	return out
}
