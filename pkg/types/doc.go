// Package types contains the shared data model of the monitor: object
// references, alarm severities, per-target status and stats snapshots, and
// the records persisted to the time-series store. All timestamps crossing
// this package's boundary are UTC.
package types
