// Package syncer runs the background synchronization loop: it fetches
// credentials from the application's BackendConnector, opens a session to the
// sync service, applies downloaded stream operations to the local store under
// a writer lease, and drains the CRUD outbox by invoking the connector's
// upload capability.
//
// One goroutine per connected engine runs the whole loop. Credential fetch,
// line reads, and uploads are the suspension points; none of them holds a
// writer lease. Disconnect cancels the loop's context, which closes the
// session and unblocks any pending await.
package syncer
