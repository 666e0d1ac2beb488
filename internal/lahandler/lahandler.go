// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lahandler implements the Legacy-App Handler (C4): it lets
// applications that do not themselves speak to the node state manager
// register a unit as a shutdown client, translating the NSM's
// lifecycle requests into job_manager stops.
package lahandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/internal/endpoint"
	"github.com/genivi/node-startup-controller/internal/jobmanager"
	"github.com/genivi/node-startup-controller/internal/metrics"
	"github.com/genivi/node-startup-controller/pkg/nsm"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

type shutdownClient struct {
	objectPath dbus.ObjectPath
	mask       nsm.ShutdownMode
	timeoutMS  uint32
	consumer   *endpoint.Consumer
	unexport   func() error
}

// Handler implements the Legacy-App Handler. The zero value is not
// usable; construct with New.
type Handler struct {
	log         *zap.Logger
	busName     string
	pathPrefix  string
	exporter    endpoint.Exporter
	nsmConsumer nsm.Consumer
	jobs        *jobmanager.Manager
	metrics     *metrics.Metrics

	mu      sync.Mutex
	counter uint64
	byUnit  map[supervisor.UnitName]*shutdownClient
	byPath  map[dbus.ObjectPath]supervisor.UnitName
}

// New returns a Handler that exports consumer endpoints under
// pathPrefix on busName (the daemon's own well-known bus name). Object
// path suffix 0 is reserved for the Application Shell's own endpoint,
// so the handler's monotonic counter starts at 1.
func New(log *zap.Logger, busName, pathPrefix string, exporter endpoint.Exporter, nsmConsumer nsm.Consumer, jobs *jobmanager.Manager) *Handler {
	return NewWithMetrics(log, busName, pathPrefix, exporter, nsmConsumer, jobs, nil)
}

// NewWithMetrics is New with an explicit metrics sink; m may be nil.
func NewWithMetrics(log *zap.Logger, busName, pathPrefix string, exporter endpoint.Exporter, nsmConsumer nsm.Consumer, jobs *jobmanager.Manager, m *metrics.Metrics) *Handler {
	return &Handler{
		log:         log,
		busName:     busName,
		pathPrefix:  pathPrefix,
		exporter:    exporter,
		nsmConsumer: nsmConsumer,
		jobs:        jobs,
		metrics:     m,
		counter:     1,
		byUnit:      make(map[supervisor.UnitName]*shutdownClient),
		byPath:      make(map[dbus.ObjectPath]supervisor.UnitName),
	}
}

// Register records unit as a shutdown client. An invalid mask is
// logged and otherwise silently accepted: the caller still completes
// successfully. Re-registering an already-known unit overwrites its
// mask and timeout in place; otherwise a fresh consumer endpoint is
// allocated, exported, and registered with the NSM. A re-registration
// that changes nothing is short-circuited before the NSM round-trip.
func (h *Handler) Register(ctx context.Context, unit supervisor.UnitName, mask nsm.ShutdownMode, timeoutMS uint32) {
	if !mask.Valid() {
		h.log.Error("rejecting invalid shutdown_mode_mask", zap.String("unit", string(unit)), zap.Stringer("mask", mask))
		return
	}

	h.mu.Lock()
	existing, ok := h.byUnit[unit]

	if ok {
		if existing.mask == mask && existing.timeoutMS == timeoutMS {
			h.mu.Unlock()
			return
		}

		existing.mask = mask
		existing.timeoutMS = timeoutMS
		existing.consumer.SetTimeout(time.Duration(timeoutMS) * time.Millisecond)
		objectPath := existing.objectPath
		h.mu.Unlock()

		h.callRegister(ctx, objectPath, mask, timeoutMS)

		return
	}

	path := dbus.ObjectPath(fmt.Sprintf("%s/%d", h.pathPrefix, h.counter))
	h.counter++
	h.mu.Unlock()

	consumer := endpoint.NewConsumer(path, time.Duration(timeoutMS)*time.Millisecond, h.makeRequestHandler(path))

	unexport, err := h.exporter.Export(path, consumer)
	if err != nil {
		h.log.Error("export shutdown consumer failed", zap.String("unit", string(unit)), zap.Error(err))
		return
	}

	client := &shutdownClient{objectPath: path, mask: mask, timeoutMS: timeoutMS, consumer: consumer, unexport: unexport}

	h.mu.Lock()
	h.byUnit[unit] = client
	h.byPath[path] = unit
	count := len(h.byUnit)
	h.mu.Unlock()

	h.metrics.SetShutdownClients(count)
	h.callRegister(ctx, path, mask, timeoutMS)
}

func (h *Handler) callRegister(ctx context.Context, path dbus.ObjectPath, mask nsm.ShutdownMode, timeoutMS uint32) {
	status, err := h.nsmConsumer.RegisterShutdownClient(ctx, h.busName, path, mask, timeoutMS)
	if err != nil {
		h.log.Error("register_shutdown_client failed", zap.String("path", string(path)), zap.Error(err))
		return
	}

	if status != nsm.ErrorStatusOK {
		h.log.Error("register_shutdown_client rejected", zap.String("path", string(path)), zap.Stringer("status", status))
	}
}

func (h *Handler) makeRequestHandler(path dbus.ObjectPath) endpoint.RequestFunc {
	return func(mode nsm.ShutdownMode, requestID uint32) (nsm.ErrorStatus, *dbus.Error) {
		h.mu.Lock()
		unit, ok := h.byPath[path]
		var client *shutdownClient
		if ok {
			client = h.byUnit[unit]
		}
		h.mu.Unlock()

		if !ok || client == nil {
			h.log.Error("lifecycle_request for unknown endpoint", zap.String("path", string(path)), zap.Uint32("request_id", requestID))
			return nsm.ErrorStatusError, nil
		}

		go h.completeStop(unit, client, requestID)

		return nsm.ErrorStatusResponsePending, nil
	}
}

func (h *Handler) completeStop(unit supervisor.UnitName, client *shutdownClient, requestID uint32) {
	h.jobs.Stop(context.Background(), unit, nil, func(_ supervisor.UnitName, result supervisor.JobResult, err error) {
		status := nsm.ErrorStatusOK
		if err != nil || result == supervisor.JobFailed {
			status = nsm.ErrorStatusError
			h.killUnit(unit)
		}

		ctx, cancel := context.WithTimeout(context.Background(), client.consumer.Timeout())
		defer cancel()

		reply, completeErr := h.nsmConsumer.LifecycleRequestComplete(ctx, requestID, status)
		if completeErr != nil {
			h.log.Error("lifecycle_request_complete failed", zap.Uint32("request_id", requestID), zap.String("unit", string(unit)), zap.Error(completeErr))
			return
		}

		if reply != nsm.ErrorStatusOK {
			h.log.Error("lifecycle_request_complete rejected", zap.Uint32("request_id", requestID), zap.String("unit", string(unit)), zap.Stringer("status", reply))
		}
	})
}

// killUnit hard-stops unit after a cooperative stop that failed at
// transport or reported "failed". Best-effort: failures are logged, not
// retried.
func (h *Handler) killUnit(unit supervisor.UnitName) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.jobs.KillUnit(ctx, unit); err != nil {
		h.log.Error("kill_unit fallback failed", zap.String("unit", string(unit)), zap.Error(err))
	}
}

// DeregisterConsumers unregisters every known shutdown client from the
// NSM. Errors are logged and iteration continues.
func (h *Handler) DeregisterConsumers(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*shutdownClient, 0, len(h.byUnit))
	units := make([]supervisor.UnitName, 0, len(h.byUnit))

	for unit, client := range h.byUnit {
		clients = append(clients, client)
		units = append(units, unit)
	}
	h.mu.Unlock()

	for i, client := range clients {
		status, err := h.nsmConsumer.UnregisterShutdownClient(ctx, h.busName, client.objectPath, client.mask)
		if err != nil {
			h.log.Error("unregister_shutdown_client failed", zap.String("unit", string(units[i])), zap.Error(err))
			continue
		}

		if status != nsm.ErrorStatusOK {
			h.log.Error("unregister_shutdown_client rejected", zap.String("unit", string(units[i])), zap.Stringer("status", status))
		}

		if client.unexport != nil {
			if err := client.unexport(); err != nil {
				h.log.Error("unexport shutdown consumer failed", zap.String("unit", string(units[i])), zap.Error(err))
			}
		}
	}

	h.mu.Lock()
	h.byUnit = make(map[supervisor.UnitName]*shutdownClient)
	h.byPath = make(map[dbus.ObjectPath]supervisor.UnitName)
	h.mu.Unlock()

	h.metrics.SetShutdownClients(0)
}
