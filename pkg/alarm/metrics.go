package alarm

import (
	"github.com/outpostd/outpost/pkg/metrics"
	"github.com/outpostd/outpost/pkg/types"
)

// MetricsSender counts every alarm by severity. It carries no transport.
type MetricsSender struct{}

// NewMetricsSender returns the counting sink.
func NewMetricsSender() *MetricsSender {
	return &MetricsSender{}
}

// Push increments the alarm counter for the severity.
func (m *MetricsSender) Push(_ string, severity types.Severity) {
	metrics.AlarmsTotal.WithLabelValues(string(severity)).Inc()
}
