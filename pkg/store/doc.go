/*
Package store provides the BoltDB-backed time-series store.

Three status collections (container_status, jmx_status, service_status) hold
one append-only record per check cycle, keyed by a fixed-width UTC timestamp
so that byte order equals chronological order. The history collection holds
the human-readable alarm log and restart_notifications the planned
maintenance windows; both are queried newest-first with a hard cap of 100
entries. Records are never updated or deleted.
*/
package store
