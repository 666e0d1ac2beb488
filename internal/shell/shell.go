// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package shell implements the Application Shell (C6): the composition
// root that owns the daemon's main run loop, kicks off the LUC restore,
// claims the daemon's well-known bus name, and owns the daemon's own
// shutdown-consumer endpoint. SIGTERM and an inbound lifecycle_request
// against that endpoint both feed the same shutdown sequence, guarded
// against re-entry.
package shell

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/genivi/node-startup-controller/internal/endpoint"
	"github.com/genivi/node-startup-controller/internal/lahandler"
	"github.com/genivi/node-startup-controller/internal/lucstarter"
	"github.com/genivi/node-startup-controller/pkg/nsm"
)

// OwnTimeout is the fixed outbound-call timeout the daemon's own
// shutdown consumer registers with.
const OwnTimeout = time.Second

// BusClaimer claims a well-known bus name. *dbus.Conn satisfies this.
type BusClaimer interface {
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
}

// ReadyNotifier reports daemon readiness to the service supervisor.
type ReadyNotifier interface {
	NotifyReady() error
}

// noopReadyNotifier is used when no supervisor readiness protocol is
// configured (e.g. running outside systemd).
type noopReadyNotifier struct{}

func (noopReadyNotifier) NotifyReady() error { return nil }

// Shell implements the Application Shell. The zero value is not
// usable; construct with New.
type Shell struct {
	log         *zap.Logger
	busName     string
	ownPath     dbus.ObjectPath
	claimer     BusClaimer
	exporter    endpoint.Exporter
	nsmConsumer nsm.Consumer
	starter     *lucstarter.Starter
	handler     *lahandler.Handler
	ready       ReadyNotifier

	ownConsumer *endpoint.Consumer
	unexport    func() error

	shuttingDown atomic.Bool
	done         chan struct{}
	doneOnce     sync.Once
}

// New returns a Shell. ownPath is the daemon's own shutdown-consumer
// object path, the distinguished sibling with suffix "0" under the
// consumer prefix. ready may be nil, meaning no readiness protocol is
// wired.
func New(log *zap.Logger, busName string, ownPath dbus.ObjectPath, claimer BusClaimer, exporter endpoint.Exporter, nsmConsumer nsm.Consumer, starter *lucstarter.Starter, handler *lahandler.Handler, ready ReadyNotifier) *Shell {
	if ready == nil {
		ready = noopReadyNotifier{}
	}

	return &Shell{
		log:         log,
		busName:     busName,
		ownPath:     ownPath,
		claimer:     claimer,
		exporter:    exporter,
		nsmConsumer: nsmConsumer,
		starter:     starter,
		handler:     handler,
		ready:       ready,
		done:        make(chan struct{}),
	}
}

// Done returns a channel closed once the shutdown sequence has run to
// completion and the run loop may exit.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Run performs construction-time startup: it subscribes to
// the LUC Starter's completion, kicks off the restore, claims the
// well-known bus name, and exports/registers the daemon's own shutdown
// consumer. Claiming the bus name and exporting/registering the own
// consumer have no dependency on each other, so they run concurrently,
// joined with an errgroup; the restore itself was already kicked off
// asynchronously by the time either finishes.
func (s *Shell) Run(ctx context.Context) error {
	go s.watchRestoreCompletion()

	s.starter.StartGroups(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reply, err := s.claimer.RequestName(s.busName, dbus.NameFlagDoNotQueue)
		if err != nil {
			return err
		}

		if reply != dbus.RequestNameReplyPrimaryOwner {
			return &busNameTakenError{name: s.busName}
		}

		return nil
	})

	g.Go(func() error {
		s.ownConsumer = endpoint.NewConsumer(s.ownPath, OwnTimeout, s.handleOwnLifecycleRequest)

		unexport, err := s.exporter.Export(s.ownPath, s.ownConsumer)
		if err != nil {
			return err
		}

		s.unexport = unexport

		status, err := s.nsmConsumer.RegisterShutdownClient(gctx, s.busName, s.ownPath, nsm.ShutdownModeNormal, uint32(OwnTimeout/time.Millisecond))
		if err != nil {
			s.log.Error("register_shutdown_client for own consumer failed", zap.Error(err))
		} else if status != nsm.ErrorStatusOK {
			s.log.Error("register_shutdown_client for own consumer rejected", zap.Stringer("status", status))
		}

		return nil
	})

	return g.Wait()
}

func (s *Shell) watchRestoreCompletion() {
	<-s.starter.Started()

	if err := s.ready.NotifyReady(); err != nil {
		s.log.Error("sd_notify READY=1 failed", zap.Error(err))
	}
}

// TriggerShutdown runs the shutdown sequence for the SIGTERM path: it
// blocks until every step has completed and Done() is closed.
func (s *Shell) TriggerShutdown(ctx context.Context) {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	s.starter.Cancel()
	s.handler.DeregisterConsumers(ctx)
	s.finishShutdown(ctx)
}

// handleOwnLifecycleRequest implements nsm.ShutdownConsumer for the
// daemon's own endpoint. The first two shutdown steps run before
// replying, and the reply is OK regardless of their outcome; the final
// unregister runs asynchronously afterward.
func (s *Shell) handleOwnLifecycleRequest(_ nsm.ShutdownMode, requestID uint32) (nsm.ErrorStatus, *dbus.Error) {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nsm.ErrorStatusOK, nil
	}

	s.log.Info("lifecycle_request received for own consumer, beginning shutdown", zap.Uint32("request_id", requestID))

	s.starter.Cancel()
	s.handler.DeregisterConsumers(context.Background())

	go s.finishShutdown(context.Background())

	return nsm.ErrorStatusOK, nil
}

func (s *Shell) finishShutdown(ctx context.Context) {
	status, err := s.nsmConsumer.UnregisterShutdownClient(ctx, s.busName, s.ownPath, nsm.ShutdownModeNormal)
	if err != nil {
		s.log.Error("unregister_shutdown_client for own consumer failed", zap.Error(err))
	} else if status != nsm.ErrorStatusOK {
		s.log.Error("unregister_shutdown_client for own consumer rejected", zap.Stringer("status", status))
	}

	if s.unexport != nil {
		if err := s.unexport(); err != nil {
			s.log.Error("unexport own shutdown consumer failed", zap.Error(err))
		}
	}

	s.doneOnce.Do(func() { close(s.done) })
}

type busNameTakenError struct{ name string }

func (e *busNameTakenError) Error() string {
	return "bus name " + e.name + " already owned"
}
