// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package supervisor defines the consumed service-supervisor interface:
// start_unit/stop_unit/restart_unit/kill_unit/get_unit/subscribe and the
// job-removed event stream, plus a godbus-backed implementation over
// systemd's org.freedesktop.systemd1 D-Bus API.
package supervisor

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// UnitName is an opaque, interned identifier for a supervisor unit.
type UnitName string

// JobID is the opaque correlation id the supervisor assigns to an accepted
// start/stop/restart, later echoed by the job-removed event. For the D-Bus
// implementation this is the job's object path.
type JobID string

// JobResult is the supervisor's completion code for a finished job.
type JobResult string

// Job results the supervisor is known to report.
const (
	JobDone       JobResult = "done"
	JobFailed     JobResult = "failed"
	JobCanceled   JobResult = "canceled"
	JobTimeout    JobResult = "timeout"
	JobSkipped    JobResult = "skipped"
	JobDependency JobResult = "dependency"
)

// StartMode selects the supervisor's job-queueing behavior. ModeFail
// rejects a conflicting request instead of queueing it and is used for
// every Job Manager-issued operation; ModeIsolate makes StartUnit an
// isolate request rather than a separate operation.
type StartMode string

// Start modes.
const (
	ModeFail    StartMode = "fail"
	ModeReplace StartMode = "replace"
	ModeIsolate StartMode = "isolate"
)

// JobRemovedEvent mirrors the supervisor's job-removed signal.
type JobRemovedEvent struct {
	ID     JobID
	Unit   UnitName
	Result JobResult
}

// Manager is the consumed supervisor manager interface.
type Manager interface {
	// Subscribe begins delivering job-removed events. Each call yields an
	// independent event stream; construction-time failure in a consumer
	// is fatal to daemon startup.
	Subscribe(ctx context.Context) (<-chan JobRemovedEvent, error)

	StartUnit(ctx context.Context, unit UnitName, mode StartMode) (JobID, error)
	StopUnit(ctx context.Context, unit UnitName, mode StartMode) (JobID, error)
	RestartUnit(ctx context.Context, unit UnitName, mode StartMode) (JobID, error)
	KillUnit(ctx context.Context, unit UnitName) error

	// CancelJob requests cancellation of an in-flight job. The supervisor's
	// reply path subsequently delivers "canceled" or "failed" through the
	// normal job-removed event stream; CancelJob itself does not resolve
	// the job.
	CancelJob(ctx context.Context, id JobID) error

	GetUnit(ctx context.Context, unit UnitName) (dbus.ObjectPath, error)
	ActiveState(ctx context.Context, path dbus.ObjectPath) (string, error)
}
