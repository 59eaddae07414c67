// Package watch delivers change notifications to registered observers. A
// single background goroutine runs every callback, so callbacks never execute
// concurrently with each other and always observe state that is already
// durable. Notifications coalesce: any number of commits queued while a
// delivery is in flight collapse into one callback per watcher.
package watch
