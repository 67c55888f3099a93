// Package metrics exposes the monitor's Prometheus collectors: cycle
// counters and durations per checker, check results by outcome, per-target
// OK gauges, alarm counters and container-host pool state.
package metrics
