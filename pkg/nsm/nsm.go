// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package nsm defines the node state manager's consumer, lifecycle-control,
// and shutdown-consumer interfaces, and the enumerations they share.
package nsm

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ShutdownMode is a flag set drawn from {NORMAL, FAST}. RUNUP is delivered
// by the NSM when a shutdown is cancelled and is never persisted.
type ShutdownMode uint32

// Shutdown mode bits.
const (
	ShutdownModeNormal ShutdownMode = 0x00000001
	ShutdownModeFast   ShutdownMode = 0x00000002
	ShutdownModeRunup  ShutdownMode = 0x80000000
)

// Has reports whether bit is set in m.
func (m ShutdownMode) Has(bit ShutdownMode) bool {
	return m&bit != 0
}

// Valid reports whether m is a non-empty subset of {NORMAL, FAST}.
func (m ShutdownMode) Valid() bool {
	return m != 0 && m&^(ShutdownModeNormal|ShutdownModeFast) == 0
}

func (m ShutdownMode) String() string {
	if m == 0 {
		return "none"
	}

	s := ""

	if m.Has(ShutdownModeNormal) {
		s += "NORMAL|"
	}

	if m.Has(ShutdownModeFast) {
		s += "FAST|"
	}

	if m.Has(ShutdownModeRunup) {
		s += "RUNUP|"
	}

	if leftover := m &^ (ShutdownModeNormal | ShutdownModeFast | ShutdownModeRunup); leftover != 0 {
		s += fmt.Sprintf("0x%x|", uint32(leftover))
	}

	return s[:len(s)-1]
}

// ErrorStatus is the NSM's status enumeration.
type ErrorStatus int32

// Error statuses, in NSM enumeration order.
const (
	ErrorStatusNotSet ErrorStatus = iota
	ErrorStatusOK
	ErrorStatusError
	ErrorStatusDBus
	ErrorStatusInternal
	ErrorStatusParameter
	ErrorStatusWrongSession
	ErrorStatusResponsePending
	ErrorStatusLast
)

func (s ErrorStatus) String() string {
	switch s {
	case ErrorStatusNotSet:
		return "NOT_SET"
	case ErrorStatusOK:
		return "OK"
	case ErrorStatusError:
		return "ERROR"
	case ErrorStatusDBus:
		return "DBUS"
	case ErrorStatusInternal:
		return "INTERNAL"
	case ErrorStatusParameter:
		return "PARAMETER"
	case ErrorStatusWrongSession:
		return "WRONG_SESSION"
	case ErrorStatusResponsePending:
		return "RESPONSE_PENDING"
	default:
		return fmt.Sprintf("ErrorStatus(%d)", int32(s))
	}
}

// NodeState is the coarse node-lifecycle progress code reported to the NSM.
type NodeState int32

// Node states, in NSM enumeration order.
const (
	NodeStateNotSet NodeState = iota
	NodeStateStartUp
	NodeStateBaseRunning
	NodeStateLucRunning
	NodeStateFullyRunning
	NodeStateFullyOperational
	NodeStateShuttingDown
	NodeStateShutdownDelay
	NodeStateFastShutdown
	NodeStateDegradedPower
	NodeStateShutdown
	NodeStateLast
)

func (s NodeState) String() string {
	switch s {
	case NodeStateNotSet:
		return "NOT_SET"
	case NodeStateStartUp:
		return "START_UP"
	case NodeStateBaseRunning:
		return "BASE_RUNNING"
	case NodeStateLucRunning:
		return "LUC_RUNNING"
	case NodeStateFullyRunning:
		return "FULLY_RUNNING"
	case NodeStateFullyOperational:
		return "FULLY_OPERATIONAL"
	case NodeStateShuttingDown:
		return "SHUTTING_DOWN"
	case NodeStateShutdownDelay:
		return "SHUTDOWN_DELAY"
	case NodeStateFastShutdown:
		return "FAST_SHUTDOWN"
	case NodeStateDegradedPower:
		return "DEGRADED_POWER"
	case NodeStateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("NodeState(%d)", int32(s))
	}
}

// Consumer is the NSM's consumer-registration interface.
type Consumer interface {
	RegisterShutdownClient(ctx context.Context, busName string, objectPath dbus.ObjectPath, mask ShutdownMode, timeoutMS uint32) (ErrorStatus, error)
	UnregisterShutdownClient(ctx context.Context, busName string, objectPath dbus.ObjectPath, mask ShutdownMode) (ErrorStatus, error)
	LifecycleRequestComplete(ctx context.Context, requestID uint32, status ErrorStatus) (ErrorStatus, error)
}

// LifecycleControl is the NSM's lifecycle-control interface.
type LifecycleControl interface {
	SetNodeState(ctx context.Context, state NodeState) (ErrorStatus, error)
	CheckLUCRequired(ctx context.Context) (bool, error)
}

// ShutdownConsumerClient calls LifecycleRequest on a remote shutdown-consumer
// endpoint. It is the caller-side counterpart of ShutdownConsumer below, used
// by the NSM (or the NSM dummy test peer) to drive a registered client.
type ShutdownConsumerClient interface {
	LifecycleRequest(ctx context.Context, mode ShutdownMode, requestID uint32) (ErrorStatus, error)
}

// ShutdownConsumer is the interface a daemon offers at each shutdown
// client's object path. The request id is opaque to the consumer;
// it is only ever echoed back via Consumer.LifecycleRequestComplete.
type ShutdownConsumer interface {
	LifecycleRequest(mode ShutdownMode, requestID uint32) (ErrorStatus, *dbus.Error)
}
