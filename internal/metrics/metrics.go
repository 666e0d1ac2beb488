// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package metrics wires the controller's runtime state into
// Prometheus: in-flight jobs, registered shutdown clients, and
// remaining LUC restore groups.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "node_startup_controller"

// Metrics holds the controller's Prometheus collectors. A nil
// *Metrics is valid everywhere it is accepted as a parameter: every
// recording method on it is a no-op, so components do not need a
// separate "metrics enabled" branch.
type Metrics struct {
	ActiveJobs         prometheus.Gauge
	JobCompletions     *prometheus.CounterVec
	ShutdownClients    prometheus.Gauge
	LUCGroupsRemaining prometheus.Gauge
}

// New constructs and registers the controller's collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of supervisor jobs currently in flight through the Job Manager.",
		}),
		JobCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_completions_total",
			Help:      "Supervisor job completions observed by the Job Manager, by result.",
		}, []string{"result"}),
		ShutdownClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutdown_clients",
			Help:      "Number of shutdown clients currently registered with the node state manager.",
		}),
		LUCGroupsRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "luc_groups_remaining",
			Help:      "Number of LUC restore groups not yet fully drained.",
		}),
	}

	reg.MustRegister(m.ActiveJobs, m.JobCompletions, m.ShutdownClients, m.LUCGroupsRemaining)

	return m
}

// JobStarted records that a new job has entered the Job Manager's
// table. A nil *Metrics makes this a no-op.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}

	m.ActiveJobs.Inc()
}

// JobCompleted records that a job has left the Job Manager's table
// with the given result. A nil *Metrics makes this a no-op.
func (m *Metrics) JobCompleted(result string) {
	if m == nil {
		return
	}

	m.ActiveJobs.Dec()
	m.JobCompletions.WithLabelValues(result).Inc()
}

// JobRejectedSynchronously records a unit operation that failed before
// ever entering the job table, so only the completion counter moves.
// A nil *Metrics makes this a no-op.
func (m *Metrics) JobRejectedSynchronously(result string) {
	if m == nil {
		return
	}

	m.JobCompletions.WithLabelValues(result).Inc()
}

// SetShutdownClients records the current number of registered
// shutdown clients. A nil *Metrics makes this a no-op.
func (m *Metrics) SetShutdownClients(n int) {
	if m == nil {
		return
	}

	m.ShutdownClients.Set(float64(n))
}

// SetLUCGroupsRemaining records the current number of undrained LUC
// restore groups. A nil *Metrics makes this a no-op.
func (m *Metrics) SetLUCGroupsRemaining(n int) {
	if m == nil {
		return
	}

	m.LUCGroupsRemaining.Set(float64(n))
}
