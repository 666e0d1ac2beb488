// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// systemd1's well-known bus name, manager object path, and interfaces.
const (
	systemdDest  = "org.freedesktop.systemd1"
	systemdPath  = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIface = "org.freedesktop.systemd1.Manager"
	unitIface    = "org.freedesktop.systemd1.Unit"
	jobIface     = "org.freedesktop.systemd1.Job"
	propsIface   = "org.freedesktop.DBus.Properties"
)

// DBusManager implements Manager over a connection to systemd's
// org.freedesktop.systemd1 D-Bus service.
type DBusManager struct {
	conn    *dbus.Conn
	manager dbus.BusObject
}

// NewDBusManager returns a DBusManager bound to conn.
func NewDBusManager(conn *dbus.Conn) *DBusManager {
	return &DBusManager{
		conn:    conn,
		manager: conn.Object(systemdDest, systemdPath),
	}
}

// Subscribe implements Manager.
func (m *DBusManager) Subscribe(ctx context.Context) (<-chan JobRemovedEvent, error) {
	if call := m.manager.CallWithContext(ctx, managerIface+".Subscribe", 0); call.Err != nil {
		return nil, fmt.Errorf("subscribe: %w", call.Err)
	}

	if err := m.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(systemdPath),
		dbus.WithMatchInterface(managerIface),
		dbus.WithMatchMember("JobRemoved"),
	); err != nil {
		return nil, fmt.Errorf("add match for JobRemoved: %w", err)
	}

	signals := make(chan *dbus.Signal, 64)
	m.conn.Signal(signals)

	out := make(chan JobRemovedEvent)

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}

				ev, ok := decodeJobRemoved(sig)
				if !ok {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func decodeJobRemoved(sig *dbus.Signal) (JobRemovedEvent, bool) {
	if sig.Name != managerIface+".JobRemoved" || len(sig.Body) != 4 {
		return JobRemovedEvent{}, false
	}

	jobPath, ok := sig.Body[1].(dbus.ObjectPath)
	if !ok {
		return JobRemovedEvent{}, false
	}

	unit, ok := sig.Body[2].(string)
	if !ok {
		return JobRemovedEvent{}, false
	}

	result, ok := sig.Body[3].(string)
	if !ok {
		return JobRemovedEvent{}, false
	}

	return JobRemovedEvent{ID: JobID(jobPath), Unit: UnitName(unit), Result: JobResult(result)}, true
}

// StartUnit implements Manager.
func (m *DBusManager) StartUnit(ctx context.Context, unit UnitName, mode StartMode) (JobID, error) {
	return m.call(ctx, "StartUnit", unit, mode)
}

// StopUnit implements Manager.
func (m *DBusManager) StopUnit(ctx context.Context, unit UnitName, mode StartMode) (JobID, error) {
	return m.call(ctx, "StopUnit", unit, mode)
}

// RestartUnit implements Manager. No component issues it today.
func (m *DBusManager) RestartUnit(ctx context.Context, unit UnitName, mode StartMode) (JobID, error) {
	return m.call(ctx, "RestartUnit", unit, mode)
}

func (m *DBusManager) call(ctx context.Context, method string, unit UnitName, mode StartMode) (JobID, error) {
	var jobPath dbus.ObjectPath

	call := m.manager.CallWithContext(ctx, managerIface+"."+method, 0, string(unit), string(mode))
	if err := call.Store(&jobPath); err != nil {
		return "", fmt.Errorf("%s %s: %w", method, unit, err)
	}

	return JobID(jobPath), nil
}

// KillUnit implements Manager. It always signals the whole control group
// with SIGKILL. Used by the Legacy-App Handler (internal/lahandler) as
// a hard-stop fallback when a cooperative stop_unit fails.
func (m *DBusManager) KillUnit(ctx context.Context, unit UnitName) error {
	const sigKill = 9

	call := m.manager.CallWithContext(ctx, managerIface+".KillUnit", 0, string(unit), "all", int32(sigKill))
	if call.Err != nil {
		return fmt.Errorf("kill_unit %s: %w", unit, call.Err)
	}

	return nil
}

// CancelJob implements Manager by calling Cancel() on the job object itself.
func (m *DBusManager) CancelJob(ctx context.Context, id JobID) error {
	job := m.conn.Object(systemdDest, dbus.ObjectPath(id))

	if call := job.CallWithContext(ctx, jobIface+".Cancel", 0); call.Err != nil {
		return fmt.Errorf("cancel job %s: %w", id, call.Err)
	}

	return nil
}

// GetUnit implements Manager.
func (m *DBusManager) GetUnit(ctx context.Context, unit UnitName) (dbus.ObjectPath, error) {
	var path dbus.ObjectPath

	call := m.manager.CallWithContext(ctx, managerIface+".GetUnit", 0, string(unit))
	if err := call.Store(&path); err != nil {
		return "", fmt.Errorf("get_unit %s: %w", unit, err)
	}

	return path, nil
}

// ActiveState implements Manager.
func (m *DBusManager) ActiveState(ctx context.Context, path dbus.ObjectPath) (string, error) {
	obj := m.conn.Object(systemdDest, path)

	var variant dbus.Variant

	call := obj.CallWithContext(ctx, propsIface+".Get", 0, unitIface, "ActiveState")
	if err := call.Store(&variant); err != nil {
		return "", fmt.Errorf("get ActiveState of %s: %w", path, err)
	}

	state, ok := variant.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected ActiveState value %v for %s", variant, path)
	}

	return state, nil
}
