// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package lucregistry

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Well-known object path and interface the daemon offers its own
// NodeStartupController registration surface at, following the NSM's
// org.genivi.* naming convention.
const (
	ObjectPath = dbus.ObjectPath("/org/genivi/NodeStartupController")
	Interface  = "org.genivi.NodeStartupController"
)

type exportedService struct {
	r *Registry
}

func (e *exportedService) BeginLucRegistration() *dbus.Error {
	e.r.Begin()
	return nil
}

func (e *exportedService) RegisterWithLuc(luc map[int32][]string) *dbus.Error {
	e.r.Register(luc)
	return nil
}

func (e *exportedService) FinishLucRegistration() *dbus.Error {
	e.r.Finish()
	return nil
}

// Export offers r's begin/register/finish methods at ObjectPath on
// conn, returning a function that undoes the export.
func Export(conn *dbus.Conn, r *Registry) (func() error, error) {
	wrapped := &exportedService{r: r}

	if err := conn.Export(wrapped, ObjectPath, Interface); err != nil {
		return nil, fmt.Errorf("export NodeStartupController interface: %w", err)
	}

	return func() error {
		return conn.Export(nil, ObjectPath, Interface)
	}, nil
}
