// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package lahandler

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/genivi/node-startup-controller/pkg/nsm"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

// Well-known object path and interface the daemon offers the
// LegacyAppHandler registration surface at, sibling to the
// NodeStartupController interface in lucregistry.
const (
	ObjectPath = dbus.ObjectPath("/org/genivi/NodeStartupController/LegacyAppHandler")
	Interface  = "org.genivi.NodeStartupController.LegacyAppHandler"
)

type exportedService struct {
	h *Handler
}

func (e *exportedService) Register(unit string, mask uint32, timeoutMS uint32) *dbus.Error {
	e.h.Register(context.Background(), supervisor.UnitName(unit), nsm.ShutdownMode(mask), timeoutMS)
	return nil
}

// Export offers h's Register method at ObjectPath on conn, returning a
// function that undoes the export.
func Export(conn *dbus.Conn, h *Handler) (func() error, error) {
	wrapped := &exportedService{h: h}

	if err := conn.Export(wrapped, ObjectPath, Interface); err != nil {
		return nil, fmt.Errorf("export LegacyAppHandler interface: %w", err)
	}

	return func() error {
		return conn.Export(nil, ObjectPath, Interface)
	}, nil
}
