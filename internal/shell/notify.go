// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package shell

import "github.com/coreos/go-systemd/v22/daemon"

// SystemdReadyNotifier reports readiness via sd_notify, the protocol
// systemd units started with Type=notify expect.
type SystemdReadyNotifier struct{}

// NotifyReady implements ReadyNotifier.
func (SystemdReadyNotifier) NotifyReady() error {
	_, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	return err
}
