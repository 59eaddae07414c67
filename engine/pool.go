package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolClosed is returned when acquiring a lease from a closed pool.
	ErrPoolClosed = errors.New("engine: pool closed")

	// ErrLeaseReleased is returned when a lease is used after Release.
	ErrLeaseReleased = errors.New("engine: lease released")
)

// PoolOptions configures lease pooling.
type PoolOptions struct {
	// ReadConnections caps the concurrent reader leases. Defaults to 5.
	ReadConnections int
}

// DefaultPoolOptions returns the settings the store runs with out of the box.
func DefaultPoolOptions() PoolOptions { return PoolOptions{ReadConnections: 5} }

// Pool issues scoped leases over one database file: at most one writer lease
// at a time, plus concurrent reader leases that observe WAL snapshots and
// cannot write (query_only connections).
//
// In-memory databases collapse to a single shared connection, because every
// additional driver connection to ":memory:" would open a private store.
type Pool struct {
	writer  *sql.DB
	readers *sql.DB

	mu          sync.Mutex
	closed      bool
	bookkeeping bool
	hook        func(changed []string)
	leases      sync.WaitGroup
}

// NewPool opens the writer and reader connection sets for path. The writer
// is opened and pinged first so persistent pragmas (WAL) are in place before
// any query_only reader connects.
func NewPool(path string, opts PoolOptions) (*Pool, error) {
	if opts.ReadConnections <= 0 {
		opts.ReadConnections = DefaultPoolOptions().ReadConnections
	}
	writer, err := Open(DSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("engine: open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)
	writer.SetConnMaxIdleTime(0)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("engine: open writer: %w", err)
	}

	readers := writer
	if !IsMemory(path) {
		readers, err = Open(DSN(path, true))
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("engine: open readers: %w", err)
		}
		readers.SetMaxOpenConns(opts.ReadConnections)
		readers.SetMaxIdleConns(opts.ReadConnections)
		readers.SetConnMaxLifetime(0)
	}
	return &Pool{writer: writer, readers: readers}, nil
}

// WriterDB exposes the writer handle for one-off initialization work such as
// running bookkeeping migrations. It must not be used while leases are live.
func (p *Pool) WriterDB() *sql.DB { return p.writer }

// SetReleaseHook installs the function invoked after a writer lease release
// that found changed tables. The hook runs on the releasing goroutine.
func (p *Pool) SetReleaseHook(fn func(changed []string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = fn
}

// EnableBookkeeping turns on release-time collection of ps_updated and
// advancement of ps_tx. Callers enable it once the bookkeeping tables exist.
func (p *Pool) EnableBookkeeping() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bookkeeping = true
}

// Writer returns the exclusive write lease, blocking until any outstanding
// writer lease is released or ctx is done.
func (p *Pool) Writer(ctx context.Context) (*Lease, error) {
	if err := p.track(); err != nil {
		return nil, err
	}
	conn, err := p.writer.Conn(ctx)
	if err != nil {
		p.leases.Done()
		return nil, fmt.Errorf("engine: acquire writer: %w", err)
	}
	return &Lease{pool: p, conn: conn, write: true}, nil
}

// Reader returns a shared read lease. Readers do not block each other and,
// for file databases, do not block on the writer.
func (p *Pool) Reader(ctx context.Context) (*Lease, error) {
	if err := p.track(); err != nil {
		return nil, err
	}
	conn, err := p.readers.Conn(ctx)
	if err != nil {
		p.leases.Done()
		return nil, fmt.Errorf("engine: acquire reader: %w", err)
	}
	return &Lease{pool: p, conn: conn}, nil
}

func (p *Pool) track() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.leases.Add(1)
	return nil
}

// Close waits for outstanding leases to be released, then closes both
// connection sets. New acquisitions fail with ErrPoolClosed immediately.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.leases.Wait()
	var err error
	if p.readers != p.writer {
		err = p.readers.Close()
	}
	if werr := p.writer.Close(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Lease grants scoped access to the store: exclusive when obtained from
// Writer, shared and read-only when obtained from Reader. Release returns
// capacity to the pool and must run on every exit path; leases must not be
// released with an open transaction.
type Lease struct {
	pool     *Pool
	conn     *sql.Conn
	write    bool
	released atomic.Bool
}

// ExecContext executes a statement on the leased connection.
func (l *Lease) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}
	return l.conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query on the leased connection. The returned rows must
// be closed before the lease is released.
func (l *Lease) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}
	return l.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query on the leased connection. Scanning
// a row obtained after Release fails with the driver's connection-done error.
func (l *Lease) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return l.conn.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction on the leased connection. Writer leases start
// immediate transactions (the DSN sets _txlock), taking the write lock up
// front. The transaction must be committed or rolled back before Release.
func (l *Lease) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}
	return l.conn.BeginTx(ctx, nil)
}

// Release returns the lease to the pool. It is idempotent; only the first
// call has an effect. Releasing a writer lease collects the change marks
// accumulated by this scope, advances the transaction counter when the scope
// captured CRUD entries, and reports changed tables to the pool's hook.
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	defer l.pool.leases.Done()

	var changed []string
	var bookErr error
	var hook func(changed []string)
	l.pool.mu.Lock()
	bookkeeping := l.pool.bookkeeping
	hook = l.pool.hook
	l.pool.mu.Unlock()

	if l.write && bookkeeping {
		changed, bookErr = collectChanges(l.conn)
	}
	err := l.conn.Close()
	if len(changed) > 0 && hook != nil {
		hook(changed)
	}
	if bookErr != nil {
		return bookErr
	}
	if err != nil {
		return fmt.Errorf("engine: release: %w", err)
	}
	return nil
}

// collectChanges drains ps_updated and advances ps_tx on the still-exclusive
// writer connection, atomically with respect to readers.
func collectChanges(conn *sql.Conn) ([]string, error) {
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: collect changes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, "SELECT name FROM ps_updated ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("engine: collect changes: %w", err)
	}
	var changed []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("engine: collect changes: %w", err)
		}
		changed = append(changed, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("engine: collect changes: %w", err)
	}
	// The tx serializes statements on one connection; rows must be closed
	// before the deletes below run.
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("engine: collect changes: %w", err)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM ps_updated"); err != nil {
		return nil, fmt.Errorf("engine: collect changes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE ps_tx SET next_tx = next_tx + 1 WHERE EXISTS (SELECT 1 FROM ps_crud WHERE tx_id = ps_tx.next_tx)"); err != nil {
		return nil, fmt.Errorf("engine: collect changes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("engine: collect changes: %w", err)
	}
	return changed, nil
}
