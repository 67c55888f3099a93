package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Checker metrics
	CheckCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_check_cycles_total",
			Help: "Total number of completed check cycles by checker",
		},
		[]string{"checker"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outpost_cycle_duration_seconds",
			Help:    "Duration of one check cycle by checker",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"checker"},
	)

	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_checks_total",
			Help: "Total number of executed checks by checker and result",
		},
		[]string{"checker", "result"},
	)

	TargetOK = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outpost_target_ok",
			Help: "Whether a target is currently OK (1) or NOK (0)",
		},
		[]string{"checker", "target"},
	)

	// Alarm metrics
	AlarmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outpost_alarms_total",
			Help: "Total number of alarms pushed by severity",
		},
		[]string{"severity"},
	)

	// Docker host pool metrics
	DockerHostsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_docker_hosts_connected",
			Help: "Number of container hosts with an established client",
		},
	)

	DockerHostsDeferred = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outpost_docker_hosts_deferred",
			Help: "Number of container hosts still waiting for a first successful connection",
		},
	)
)

// Register registers all metrics with the default registry.
func Register() {
	prometheus.MustRegister(
		CheckCyclesTotal,
		CycleDuration,
		ChecksTotal,
		TargetOK,
		AlarmsTotal,
		DockerHostsConnected,
		DockerHostsDeferred,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
