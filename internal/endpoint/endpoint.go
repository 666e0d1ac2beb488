// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package endpoint provides the shared shutdown-consumer object
// plumbing used by both the Legacy-App Handler and the Application
// Shell: a small, exportable nsm.ShutdownConsumer implementation that
// dispatches inbound lifecycle requests to a handler function and
// tracks a mutable outbound-call timeout.
package endpoint

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/genivi/node-startup-controller/pkg/nsm"
)

// RequestFunc handles an inbound lifecycle_request on behalf of the
// endpoint it is bound to.
type RequestFunc func(mode nsm.ShutdownMode, requestID uint32) (nsm.ErrorStatus, *dbus.Error)

// Consumer is an exportable nsm.ShutdownConsumer bound to a D-Bus object
// path and carrying a mutable timeout used by its owner when bounding
// the outbound calls a lifecycle request triggers (e.g.
// lifecycle_request_complete).
type Consumer struct {
	path dbus.ObjectPath

	mu      sync.RWMutex
	timeout time.Duration
	handle  RequestFunc
}

// NewConsumer returns a Consumer at path, dispatching to handle.
func NewConsumer(path dbus.ObjectPath, timeout time.Duration, handle RequestFunc) *Consumer {
	return &Consumer{path: path, timeout: timeout, handle: handle}
}

// Path returns the endpoint's object path.
func (c *Consumer) Path() dbus.ObjectPath {
	return c.path
}

// Timeout returns the endpoint's current outbound-call timeout.
func (c *Consumer) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.timeout
}

// SetTimeout updates the endpoint's outbound-call timeout. Used on
// re-registration, when a client's timeout_ms may change.
func (c *Consumer) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timeout = d
}

// LifecycleRequest implements nsm.ShutdownConsumer.
func (c *Consumer) LifecycleRequest(mode nsm.ShutdownMode, requestID uint32) (nsm.ErrorStatus, *dbus.Error) {
	return c.handle(mode, requestID)
}

// Exporter exports a ShutdownConsumer at a D-Bus object path and
// returns a function that undoes the export.
type Exporter interface {
	Export(path dbus.ObjectPath, impl nsm.ShutdownConsumer) (unexport func() error, err error)
}

// DBusExporter implements Exporter over a live D-Bus connection.
type DBusExporter struct {
	conn *dbus.Conn
}

// NewDBusExporter returns an Exporter bound to conn.
func NewDBusExporter(conn *dbus.Conn) *DBusExporter {
	return &DBusExporter{conn: conn}
}

// Export implements Exporter.
func (e *DBusExporter) Export(path dbus.ObjectPath, impl nsm.ShutdownConsumer) (func() error, error) {
	return nsm.ExportShutdownConsumer(e.conn, path, impl)
}
