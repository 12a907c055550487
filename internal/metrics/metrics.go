// Package metrics exposes Prometheus collectors for the coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the service updates.
type Metrics struct {
	Submissions       *prometheus.CounterVec // outcome: created|duplicate|rejected
	WorkerRegistered  *prometheus.CounterVec // outcome: created|existing|rejected
	MissionRequests   *prometheus.CounterVec // outcome: assigned|recovered|empty|rejected|error
	Results           *prometheus.CounterVec // status: completed|failed|error
	MissionsReclaimed prometheus.Counter
	ObjectBytes       prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordguard_submissions_total",
			Help: "File submissions by outcome",
		}, []string{"outcome"}),
		WorkerRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordguard_worker_registrations_total",
			Help: "Worker registration attempts by outcome",
		}, []string{"outcome"}),
		MissionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordguard_mission_requests_total",
			Help: "Mission requests by outcome",
		}, []string{"outcome"}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordguard_results_total",
			Help: "Submitted analysis results by final status",
		}, []string{"status"}),
		MissionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cordguard_missions_reclaimed_total",
			Help: "Stalled missions force-failed by the reaper",
		}),
		ObjectBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cordguard_object_bytes_total",
			Help: "Bytes of sample content written to object storage",
		}),
	}
	reg.MustRegister(m.Submissions, m.WorkerRegistered, m.MissionRequests, m.Results, m.MissionsReclaimed, m.ObjectBytes)
	return m
}

// Discard returns collectors registered nowhere.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
