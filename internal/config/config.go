// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config resolves the handful of environment-overridable,
// build-time settings the controller needs: the LUC persistence path,
// the priority ordering of LUC types, and the watchdog interval.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultLUCPath is the build-time default for Config.LUCPath, used when
// the LUC_PATH environment variable is unset.
const DefaultLUCPath = "/var/lib/node-startup-controller/luc.bin"

// defaultPrioritisedLUCTypes is the compiled-in priority list used when
// PRIORITISED_LUC_TYPES is unset; it has no real meaning beyond being a
// deterministic, documented default.
var defaultPrioritisedLUCTypes = []int32{1, 2, 3}

// Config holds the controller's environment-resolved settings.
type Config struct {
	// LUCPath is the path the LUC Registry reads from and writes to.
	LUCPath string

	// PrioritisedLUCTypes orders the LUC Starter's group restore.
	PrioritisedLUCTypes []int32

	// WatchdogInterval is half of WATCHDOG_USEC, zero if unset or
	// unparsable. It is exposed only; nothing in this module sends
	// WATCHDOG=1 pings.
	WatchdogInterval time.Duration
}

// Load resolves Config from the environment, falling back to build-time
// defaults wherever an override is absent or malformed.
func Load() Config {
	return Config{
		LUCPath:             lucPath(),
		PrioritisedLUCTypes: prioritisedLUCTypes(),
		WatchdogInterval:    watchdogInterval(),
	}
}

func lucPath() string {
	if path := os.Getenv("LUC_PATH"); path != "" {
		return path
	}

	return DefaultLUCPath
}

func prioritisedLUCTypes() []int32 {
	raw := os.Getenv("PRIORITISED_LUC_TYPES")
	if raw == "" {
		return append([]int32(nil), defaultPrioritisedLUCTypes...)
	}

	fields := strings.Split(raw, ",")
	types := make([]int32, 0, len(fields))

	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			continue
		}

		types = append(types, int32(n))
	}

	if len(types) == 0 {
		return append([]int32(nil), defaultPrioritisedLUCTypes...)
	}

	return types
}

func watchdogInterval() time.Duration {
	raw := os.Getenv("WATCHDOG_USEC")
	if raw == "" {
		return 0
	}

	usec, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}

	// Ping at half the deadline so a single missed tick does not trip
	// the watchdog.
	return time.Duration(usec) * time.Microsecond / 2
}
