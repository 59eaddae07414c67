// Package status tracks the synchronization state of a database: connectivity,
// upload and download activity, their most recent errors, and per-stream
// subscription progress. The Store publishes immutable value snapshots so
// observers never see a half-applied update.
package status
