// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command nsm-dummy runs the NSM Shutdown Scheduler (C7) standalone: a
// normative node state manager test peer against which the main
// daemon's shutdown completion semantics are defined.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/internal/nsmdummy"
)

var rootCmd = &cobra.Command{
	Use:           "nsm-dummy",
	Short:         "Standalone node state manager test peer implementing the shutdown scheduler",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx := cmd.Context()

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	scheduler := nsmdummy.NewWithConn(log, conn)

	unexport, err := nsmdummy.Export(conn, scheduler)
	if err != nil {
		return fmt.Errorf("export nsm consumer/lifecycle-control interfaces: %w", err)
	}
	defer unexport()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		switch sig := <-sigs; sig {
		case syscall.SIGHUP:
			log.Info("sighup received, triggering shutdown of registered consumers")
			scheduler.TriggerShutdown(ctx)
		default:
			return nil
		}
	}
}
