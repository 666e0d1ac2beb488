// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package nsmdummy

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/genivi/node-startup-controller/pkg/nsm"
)

// exportedServer adapts a Scheduler to the reflection-based method
// table godbus requires for Conn.Export, mirroring the consumer-side
// adapter in pkg/nsm.
type exportedServer struct {
	s *Scheduler
}

func (e *exportedServer) RegisterShutdownClient(busName string, path dbus.ObjectPath, mask uint32, timeoutMS uint32) (int32, *dbus.Error) {
	status, _ := e.s.RegisterShutdownClient(context.Background(), busName, path, nsm.ShutdownMode(mask), timeoutMS)
	return int32(status), nil
}

func (e *exportedServer) UnregisterShutdownClient(busName string, path dbus.ObjectPath, mask uint32) (int32, *dbus.Error) {
	status, _ := e.s.UnregisterShutdownClient(context.Background(), busName, path, nsm.ShutdownMode(mask))
	return int32(status), nil
}

func (e *exportedServer) LifecycleRequestComplete(requestID uint32, status int32) (int32, *dbus.Error) {
	reply, _ := e.s.LifecycleRequestComplete(context.Background(), requestID, nsm.ErrorStatus(status))
	return int32(reply), nil
}

func (e *exportedServer) SetNodeState(state int32) (int32, *dbus.Error) {
	status, _ := e.s.SetNodeState(context.Background(), nsm.NodeState(state))
	return int32(status), nil
}

func (e *exportedServer) CheckLUCRequired() (bool, *dbus.Error) {
	required, _ := e.s.CheckLUCRequired(context.Background())
	return required, nil
}

// Export offers s's Consumer and LifecycleControl surfaces at
// nsm.ObjectPath on conn, claiming nsm.BusName. It returns a function
// that releases both the bus name and the export.
func Export(conn *dbus.Conn, s *Scheduler) (func() error, error) {
	wrapped := &exportedServer{s: s}

	if err := conn.Export(wrapped, nsm.ObjectPath, nsm.ConsumerInterface); err != nil {
		return nil, fmt.Errorf("export consumer interface: %w", err)
	}

	if err := conn.Export(wrapped, nsm.ObjectPath, nsm.LifecycleInterface); err != nil {
		return nil, fmt.Errorf("export lifecycle-control interface: %w", err)
	}

	reply, err := conn.RequestName(nsm.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request bus name %s: %w", nsm.BusName, err)
	}

	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("bus name %s already owned", nsm.BusName)
	}

	return func() error {
		conn.Export(nil, nsm.ObjectPath, nsm.ConsumerInterface)
		conn.Export(nil, nsm.ObjectPath, nsm.LifecycleInterface)

		_, err := conn.ReleaseName(nsm.BusName)

		return err
	}, nil
}
