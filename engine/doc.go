// Package engine provides helpers for working with the modernc.org/sqlite
// driver in this module: opening connections with the pragma set the sync
// store runs on, registering SQL scalar functions, and pooling the single
// writer and concurrent reader connections behind scoped leases.
package engine
