// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nsm

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Well-known NSM bus name, object path and interfaces. The NSM itself
// (and the nsm-dummy test peer) own these; this package only consumes
// or, for ShutdownConsumer, offers them.
const (
	BusName               = "org.genivi.NodeStateManager"
	ObjectPath            = dbus.ObjectPath("/org/genivi/NodeStateManager")
	ConsumerInterface     = "org.genivi.NodeStateManager.Consumer"
	LifecycleInterface    = "org.genivi.NodeStateManager.LifecycleControl"
	ShutdownConsumerIface = "org.genivi.NodeStateManager.ShutdownConsumer"
)

// DBusClient implements Consumer and LifecycleControl over a D-Bus
// connection to the node state manager.
type DBusClient struct {
	obj dbus.BusObject
}

// NewDBusClient returns a DBusClient talking to the NSM over conn.
func NewDBusClient(conn *dbus.Conn) *DBusClient {
	return &DBusClient{obj: conn.Object(BusName, ObjectPath)}
}

// RegisterShutdownClient implements Consumer.
func (c *DBusClient) RegisterShutdownClient(ctx context.Context, busName string, objectPath dbus.ObjectPath, mask ShutdownMode, timeoutMS uint32) (ErrorStatus, error) {
	var status int32

	call := c.obj.CallWithContext(ctx, ConsumerInterface+".RegisterShutdownClient", 0, busName, objectPath, uint32(mask), timeoutMS)
	if err := call.Store(&status); err != nil {
		return ErrorStatusDBus, fmt.Errorf("register_shutdown_client %s %s: %w", busName, objectPath, err)
	}

	return ErrorStatus(status), nil
}

// UnregisterShutdownClient implements Consumer.
func (c *DBusClient) UnregisterShutdownClient(ctx context.Context, busName string, objectPath dbus.ObjectPath, mask ShutdownMode) (ErrorStatus, error) {
	var status int32

	call := c.obj.CallWithContext(ctx, ConsumerInterface+".UnregisterShutdownClient", 0, busName, objectPath, uint32(mask))
	if err := call.Store(&status); err != nil {
		return ErrorStatusDBus, fmt.Errorf("unregister_shutdown_client %s %s: %w", busName, objectPath, err)
	}

	return ErrorStatus(status), nil
}

// LifecycleRequestComplete implements Consumer.
func (c *DBusClient) LifecycleRequestComplete(ctx context.Context, requestID uint32, status ErrorStatus) (ErrorStatus, error) {
	var reply int32

	call := c.obj.CallWithContext(ctx, ConsumerInterface+".LifecycleRequestComplete", 0, requestID, int32(status))
	if err := call.Store(&reply); err != nil {
		return ErrorStatusDBus, fmt.Errorf("lifecycle_request_complete %d: %w", requestID, err)
	}

	return ErrorStatus(reply), nil
}

// SetNodeState implements LifecycleControl.
func (c *DBusClient) SetNodeState(ctx context.Context, state NodeState) (ErrorStatus, error) {
	var status int32

	call := c.obj.CallWithContext(ctx, LifecycleInterface+".SetNodeState", 0, int32(state))
	if err := call.Store(&status); err != nil {
		return ErrorStatusDBus, fmt.Errorf("set_node_state %s: %w", state, err)
	}

	return ErrorStatus(status), nil
}

// CheckLUCRequired implements LifecycleControl.
func (c *DBusClient) CheckLUCRequired(ctx context.Context) (bool, error) {
	var required bool

	call := c.obj.CallWithContext(ctx, LifecycleInterface+".CheckLUCRequired", 0)
	if err := call.Store(&required); err != nil {
		return false, fmt.Errorf("check_luc_required: %w", err)
	}

	return required, nil
}

// DBusShutdownConsumerClient calls LifecycleRequest on a remote
// shutdown-consumer endpoint. Used by the NSM dummy test peer.
type DBusShutdownConsumerClient struct {
	obj dbus.BusObject
}

// NewDBusShutdownConsumerClient returns a client bound to the given endpoint.
func NewDBusShutdownConsumerClient(conn *dbus.Conn, busName string, objectPath dbus.ObjectPath) *DBusShutdownConsumerClient {
	return &DBusShutdownConsumerClient{obj: conn.Object(busName, objectPath)}
}

// LifecycleRequest implements ShutdownConsumerClient.
func (c *DBusShutdownConsumerClient) LifecycleRequest(ctx context.Context, mode ShutdownMode, requestID uint32) (ErrorStatus, error) {
	var status int32

	call := c.obj.CallWithContext(ctx, ShutdownConsumerIface+".LifecycleRequest", 0, uint32(mode), requestID)
	if err := call.Store(&status); err != nil {
		return ErrorStatusDBus, fmt.Errorf("lifecycle_request %s %s: %w", c.obj.Path(), mode, err)
	}

	return ErrorStatus(status), nil
}

// exportedConsumer adapts a ShutdownConsumer to the reflection-based method
// table godbus requires for Conn.Export: a single exported method whose
// final return value is *dbus.Error.
type exportedConsumer struct {
	impl ShutdownConsumer
}

// LifecycleRequest is the D-Bus-callable method exported at the consumer's
// object path; it simply forwards to the wrapped implementation.
func (e *exportedConsumer) LifecycleRequest(mode uint32, requestID uint32) (int32, *dbus.Error) {
	status, dbusErr := e.impl.LifecycleRequest(ShutdownMode(mode), requestID)

	return int32(status), dbusErr
}

// ExportShutdownConsumer exports impl at path on conn under
// ShutdownConsumerIface and returns a function that undoes the export.
func ExportShutdownConsumer(conn *dbus.Conn, path dbus.ObjectPath, impl ShutdownConsumer) (func() error, error) {
	wrapped := &exportedConsumer{impl: impl}

	if err := conn.Export(wrapped, path, ShutdownConsumerIface); err != nil {
		return nil, fmt.Errorf("export shutdown consumer at %s: %w", path, err)
	}

	return func() error {
		return conn.Export(nil, path, ShutdownConsumerIface)
	}, nil
}
