// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/genivi/node-startup-controller/internal/config"
	"github.com/genivi/node-startup-controller/internal/endpoint"
	"github.com/genivi/node-startup-controller/internal/jobmanager"
	"github.com/genivi/node-startup-controller/internal/lahandler"
	"github.com/genivi/node-startup-controller/internal/lucregistry"
	"github.com/genivi/node-startup-controller/internal/lucstarter"
	"github.com/genivi/node-startup-controller/internal/metrics"
	"github.com/genivi/node-startup-controller/internal/shell"
	"github.com/genivi/node-startup-controller/internal/targetmonitor"
	"github.com/genivi/node-startup-controller/pkg/nsm"
	"github.com/genivi/node-startup-controller/pkg/supervisor"
)

const (
	busName         = "org.genivi.NodeStartupController"
	consumerPrefix  = "/org/genivi/NodeStartupController/Consumers"
	ownConsumerPath = dbus.ObjectPath(consumerPrefix + "/0")
)

var metricsAddr string

var rootCmd = &cobra.Command{
	Use:           "node-startup-controller",
	Short:         "Bridges the service supervisor and the node state manager across a node's startup and shutdown",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")

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

	cfg := config.Load()
	ctx := cmd.Context()

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	go serveMetrics(log, reg)

	super := supervisor.NewDBusManager(conn)

	jobs, err := jobmanager.NewWithMetrics(ctx, log, super, m)
	if err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}

	nsmClient := nsm.NewDBusClient(conn)

	if _, err := targetmonitor.New(ctx, log, super, nsmClient); err != nil {
		return fmt.Errorf("start target startup monitor: %w", err)
	}

	registry := lucregistry.New(log, cfg.LUCPath)

	unexportRegistry, err := lucregistry.Export(conn, registry)
	if err != nil {
		return fmt.Errorf("export node startup controller interface: %w", err)
	}
	defer unexportRegistry()

	exporter := endpoint.NewDBusExporter(conn)

	handler := lahandler.NewWithMetrics(log, busName, consumerPrefix, exporter, nsmClient, jobs, m)

	unexportHandler, err := lahandler.Export(conn, handler)
	if err != nil {
		return fmt.Errorf("export legacy-app handler interface: %w", err)
	}
	defer unexportHandler()

	starter := lucstarter.NewWithMetrics(log, jobs, registry, nsmClient, cfg.PrioritisedLUCTypes, m)

	sh := shell.New(log, busName, ownConsumerPath, conn, exporter, nsmClient, starter, handler, shell.SystemdReadyNotifier{})

	if err := sh.Run(ctx); err != nil {
		return fmt.Errorf("start application shell: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigs:
		sh.TriggerShutdown(ctx)
	case <-sh.Done():
	}

	return nil
}

func serveMetrics(log *zap.Logger, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if err := http.ListenAndServe(metricsAddr, mux); err != nil {
		log.Error("metrics server stopped", zap.Error(err))
	}
}
