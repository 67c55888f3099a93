package types

import (
	"time"
)

// ObjectKind classifies an observed object
type ObjectKind string

const (
	KindContainer ObjectKind = "container"
	KindJMX       ObjectKind = "jmx"
	KindService   ObjectKind = "service"
)

// ObjectRef identifies one observed object across alarms, notifications and storage
type ObjectRef struct {
	Kind ObjectKind `json:"kind"`
	Name string     `json:"name"`
}

func (r ObjectRef) String() string {
	return string(r.Kind) + " " + r.Name
}

// Severity of an alarm message
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityAlarm   Severity = "alarm"
)

// Aggregate health of one target after a check cycle
const (
	StatusOK  = "OK"
	StatusNOK = "NOK"
)

// DiskUsage describes one mount point as seen from inside the environment.
// UsagePercentage is nil when the filesystem reports zero total size.
type DiskUsage struct {
	MountPoint      string   `json:"mount_point"`
	TotalBytes      int64    `json:"total_bytes"`
	UsedBytes       int64    `json:"used_bytes"`
	UsagePercentage *float64 `json:"usage_percentage"`
}

// Stats is the per-cycle resource snapshot of one target. Pointer fields are
// nil when the underlying probe could not provide the value.
type Stats struct {
	CPUUsagePercent      *float64    `json:"cpu_usage_percent"`
	MemoryUsageBytes     *float64    `json:"memory_usage_bytes"`
	MemoryAvailableBytes *float64    `json:"memory_available_bytes"`
	MemoryUsagePercent   *float64    `json:"memory_usage_percent"`
	PIDs                 *float64    `json:"pids"`
	NetworkReceivedBytes *float64    `json:"network_received_bytes"`
	NetworkSentBytes     *float64    `json:"network_sent_bytes"`
	BlkioWrittenBytes    *float64    `json:"blkio_written_bytes"`
	BlkioReadBytes       *float64    `json:"blkio_read_bytes"`
	UptimeSeconds        *float64    `json:"uptime_seconds"`
	DiskUsage            []DiskUsage `json:"disk_usage"`

	// Managed-bean services additionally report these.
	NumThreads *float64   `json:"num_threads,omitempty"`
	NumClasses *float64   `json:"num_classes,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// Metric returns the named scalar metric, or nil when the stats snapshot does
// not carry it. Names match the JSON field names used in stored records.
func (s *Stats) Metric(name string) *float64 {
	if s == nil {
		return nil
	}
	switch name {
	case "cpu_usage_percent":
		return s.CPUUsagePercent
	case "memory_usage_bytes":
		return s.MemoryUsageBytes
	case "memory_available_bytes":
		return s.MemoryAvailableBytes
	case "memory_usage_percent":
		return s.MemoryUsagePercent
	case "pids":
		return s.PIDs
	case "network_received_bytes":
		return s.NetworkReceivedBytes
	case "network_sent_bytes":
		return s.NetworkSentBytes
	case "blkio_written_bytes":
		return s.BlkioWrittenBytes
	case "blkio_read_bytes":
		return s.BlkioReadBytes
	case "uptime_seconds":
		return s.UptimeSeconds
	case "num_threads":
		return s.NumThreads
	case "num_classes":
		return s.NumClasses
	}
	return nil
}

// TargetStatus is the rolling view of one target, kept in memory between
// cycles and appended to the time-series store once per cycle.
type TargetStatus struct {
	Status              string         `json:"status"`
	FriendlyName        string         `json:"friendly-name,omitempty"`
	Desc                string         `json:"desc,omitempty"`
	Panel               string         `json:"panel,omitempty"`
	Src                 string         `json:"src,omitempty"`
	Stats               *Stats         `json:"stats,omitempty"`
	LastFailure         *time.Time     `json:"last_failure,omitempty"`
	UpdateAvailable     *bool          `json:"update_available,omitempty"`
	SrcUpdateAvailable  *bool          `json:"src_update_available,omitempty"`
	UserDefined         map[string]any `json:"user_defined,omitempty"`
}

// Clone returns a shallow-safe copy suitable for handing to concurrent readers.
func (t *TargetStatus) Clone() *TargetStatus {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// StatusRecord is one append-only time-series entry for a checker.
type StatusRecord struct {
	Timestamp time.Time                `json:"timestamp"`
	Status    map[string]*TargetStatus `json:"status"`
}

// HistoryEntry is one human-readable line of the alarm log.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
}

// RestartNotification is an authored maintenance window. An alarm raised for
// the referenced object while the window covers the alarm time is downgraded
// to informational.
type RestartNotification struct {
	CreationTime time.Time  `json:"creation_time"`
	Object       ObjectRef  `json:"object"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidUntil   time.Time  `json:"valid_until"`
}

// Covers reports whether the window covers time t.
func (n *RestartNotification) Covers(t time.Time) bool {
	return !n.ValidFrom.After(t) && !n.ValidUntil.Before(t)
}
