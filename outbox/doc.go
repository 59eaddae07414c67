// Package outbox reads and resolves the durable log of local mutations
// awaiting upload. Capture triggers compiled by the schema package append
// entries grouped into transactions; this package walks those transactions in
// order and removes them, optionally recording the acknowledged server
// checkpoint, once the application has uploaded them.
package outbox
