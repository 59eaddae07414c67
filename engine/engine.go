package engine

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// Open opens a SQLite database using the modernc.org/sqlite driver.
//
// For file-based databases, pass a path like "./db.sqlite". For in-memory
// databases, pass ":memory:".
func Open(dsn string) (*sql.DB, error) { return sql.Open("sqlite", dsn) }

// connectionPragmas apply to every pooled connection. WAL keeps readers off
// the writer's back, the busy timeout covers writer handoff, and the journal
// size limit keeps -wal files from growing without bound.
var connectionPragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(30000)",
	"synchronous(NORMAL)",
	"journal_size_limit(6291456)",
	"cache_size(-51200)",
	"foreign_keys(1)",
}

// DSN assembles a modernc driver DSN for path carrying the module's pragma
// set. readOnly adds query_only, which makes every statement that would
// write fail at the engine level; reader pools rely on that. Writer
// transactions start immediate so the write lock is taken up front instead
// of on first write.
func DSN(path string, readOnly bool) string {
	var sb strings.Builder
	if !strings.HasPrefix(path, "file:") {
		sb.WriteString("file:")
	}
	sb.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range connectionPragmas {
		sb.WriteString(sep)
		sb.WriteString("_pragma=")
		sb.WriteString(p)
		sep = "&"
	}
	if readOnly {
		sb.WriteString(sep)
		sb.WriteString("_pragma=query_only(1)&_txlock=deferred")
	} else {
		sb.WriteString(sep)
		sb.WriteString("_txlock=immediate")
	}
	return sb.String()
}

// IsMemory reports whether the path names a transient in-memory database.
func IsMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
