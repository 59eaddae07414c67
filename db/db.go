// Package db assembles a synchronized SQLite database from its parts: the
// compiled schema, the lease pool, crud bookkeeping, the upload outbox,
// status tracking, watch delivery, and the sync engine, all behind a single
// Database handle.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/viant/sqlite-sync/engine"
	"github.com/viant/sqlite-sync/internal/migrate"
	"github.com/viant/sqlite-sync/outbox"
	"github.com/viant/sqlite-sync/schema"
	"github.com/viant/sqlite-sync/status"
	"github.com/viant/sqlite-sync/syncer"
	"github.com/viant/sqlite-sync/watch"
)

// Version is stamped into every opened store (ps_kv key sync_version). Open
// refuses stores stamped by a newer major release, since their bookkeeping
// layout may not be readable by this one.
const Version = "1.0.0"

// Options configure Open.
type Options struct {
	// Path is the database file. ":memory:" opens a private in-memory store.
	Path string

	// Schema declares the synchronized tables. Required.
	Schema *schema.Schema

	// ReadConnections caps concurrent reader leases. Defaults to 5.
	ReadConnections int
}

// Database is the handle to one synchronized store. It owns the connection
// pool, the outbox, status state, and the sync engine; leases, cursors, and
// watchers obtained from it must not be used after Close.
type Database struct {
	schema *schema.Schema
	pool   *engine.Pool
	ob     *outbox.Outbox
	store  *status.Store
	disp   *watch.Dispatcher
	eng    *syncer.Engine

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store at opts.Path, applies the bookkeeping
// migrations and the schema DDL, and returns a ready Database. Opening the
// same file again later preserves data, the client id, and pending uploads;
// schema changes take effect by recompiling views and triggers.
func Open(ctx context.Context, opts Options) (*Database, error) {
	if opts.Path == "" {
		return nil, errors.New("db: open: path is empty")
	}
	if opts.Schema == nil {
		return nil, errors.New("db: open: schema is required")
	}
	stmts, err := opts.Schema.Statements()
	if err != nil {
		return nil, err
	}
	if err := engine.RegisterFunctions(nil); err != nil {
		return nil, err
	}
	pool, err := engine.NewPool(opts.Path, engine.PoolOptions{ReadConnections: opts.ReadConnections})
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Database, error) {
		_ = pool.Close()
		return nil, err
	}
	if err := migrate.Up(pool.WriterDB()); err != nil {
		return fail(err)
	}
	if err := checkStoredVersion(ctx, pool.WriterDB()); err != nil {
		return fail(err)
	}
	for _, stmt := range stmts {
		if _, err := pool.WriterDB().ExecContext(ctx, stmt); err != nil {
			return fail(fmt.Errorf("db: apply schema: %w", err))
		}
	}
	clientID, err := ensureClientID(ctx, pool.WriterDB())
	if err != nil {
		return fail(err)
	}

	disp := watch.NewDispatcher()
	store := status.NewStore()
	pool.SetReleaseHook(disp.NotifyTables)
	store.SetChangeHook(disp.NotifyStatus)
	pool.EnableBookkeeping()

	ob := outbox.New(pool)
	eng := syncer.NewEngine(syncer.Deps{
		Pool:       pool,
		Outbox:     ob,
		Store:      store,
		Dispatcher: disp,
		Schema:     opts.Schema,
		ClientID:   clientID,
	})
	return &Database{
		schema: opts.Schema,
		pool:   pool,
		ob:     ob,
		store:  store,
		disp:   disp,
		eng:    eng,
	}, nil
}

// checkStoredVersion enforces the ps_kv sync_version compatibility guard and
// stamps the current version. A store written by a newer major version is
// rejected rather than silently reinterpreted.
func checkStoredVersion(ctx context.Context, db *sql.DB) error {
	var stored string
	err := db.QueryRowContext(ctx, `SELECT value FROM ps_kv WHERE key = 'sync_version'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("db: read stored version: %w", err)
	default:
		v, perr := semver.NewVersion(stored)
		if perr != nil {
			return fmt.Errorf("db: stored version %q is not a version: %w", stored, perr)
		}
		if v.Major() > semver.MustParse(Version).Major() {
			return fmt.Errorf("db: store was written by version %s, newer than this library (%s)", stored, Version)
		}
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO ps_kv (key, value) VALUES ('sync_version', ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, Version)
	if err != nil {
		return fmt.Errorf("db: stamp version: %w", err)
	}
	return nil
}

// ensureClientID returns the stable client id stored in ps_kv, generating and
// persisting one on first open.
func ensureClientID(ctx context.Context, db *sql.DB) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT value FROM ps_kv WHERE key = 'client_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("db: read client id: %w", err)
	}
	id = uuid.NewString()
	if _, err := db.ExecContext(ctx, `INSERT INTO ps_kv (key, value) VALUES ('client_id', ?)`, id); err != nil {
		return "", fmt.Errorf("db: store client id: %w", err)
	}
	return id, nil
}

// Reader returns a read lease. Readers observe a stable WAL snapshot and
// cannot write. Release the lease when done.
func (d *Database) Reader(ctx context.Context) (*engine.Lease, error) {
	return d.pool.Reader(ctx)
}

// Writer returns the exclusive write lease, blocking until it is free.
// Releasing it publishes change notifications and closes the crud
// transaction boundary.
func (d *Database) Writer(ctx context.Context) (*engine.Lease, error) {
	return d.pool.Writer(ctx)
}

// Execute runs a single statement under a writer lease. The statement forms
// its own crud transaction.
func (d *Database) Execute(ctx context.Context, query string, args ...any) error {
	lease, err := d.pool.Writer(ctx)
	if err != nil {
		return err
	}
	_, execErr := lease.ExecContext(ctx, query, args...)
	relErr := lease.Release()
	if execErr != nil {
		return execErr
	}
	return relErr
}

// WriteTransaction runs fn inside one immediate transaction on the writer
// lease. All view writes made by fn land in a single crud transaction, so
// the upload side sees them together. fn returning an error rolls back.
func (d *Database) WriteTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	lease, err := d.pool.Writer(ctx)
	if err != nil {
		return err
	}
	tx, err := lease.BeginTx(ctx)
	if err != nil {
		_ = lease.Release()
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		_ = lease.Release()
		return err
	}
	if err := tx.Commit(); err != nil {
		_ = lease.Release()
		return err
	}
	return lease.Release()
}

// CrudTransactions returns a cursor over pending local write transactions,
// oldest first. Used by upload code that walks several transactions per
// round trip.
func (d *Database) CrudTransactions() *outbox.Cursor {
	return d.ob.Transactions()
}

// NextCrudTransaction returns the oldest pending local write transaction, or
// nil when the outbox is empty.
func (d *Database) NextCrudTransaction(ctx context.Context) (*outbox.Transaction, error) {
	return d.ob.NextTransaction(ctx)
}

// LastAcknowledgedCheckpoint returns the checkpoint recorded by the most
// recent CompleteWithCheckpoint, or "" when none was recorded yet.
func (d *Database) LastAcknowledgedCheckpoint(ctx context.Context) (string, error) {
	return d.ob.LastCheckpoint(ctx)
}

// WatchTables registers fn for change notifications on the named logical
// tables. Close the returned watcher to stop delivery.
func (d *Database) WatchTables(names []string, fn func(changed []string)) *watch.Watcher {
	return d.disp.WatchTables(names, fn)
}

// WatchStatus registers fn for sync status snapshots as they are published.
// While delivery is busy intermediate snapshots are skipped; fn always sees
// the latest one. Use Status for the current value.
func (d *Database) WatchStatus(fn func(status.Status)) *watch.Watcher {
	return d.disp.WatchStatus(fn)
}

// Status returns the current sync status snapshot.
func (d *Database) Status() status.Status {
	return d.store.Status()
}

// Connect starts the sync engine against the backend described by
// opts.Connector. It returns once the engine goroutine is running;
// connection state is reported through Status and WatchStatus.
func (d *Database) Connect(opts syncer.Options) error {
	return d.eng.Connect(opts)
}

// Disconnect stops the sync engine and waits for it to wind down. Local
// reads and writes continue to work while disconnected.
func (d *Database) Disconnect() error {
	return d.eng.Disconnect()
}

// Subscribe registers interest in a sync stream. See syncer.Engine.Subscribe.
func (d *Database) Subscribe(ctx context.Context, name string, parameters json.RawMessage) (*syncer.Subscription, error) {
	return d.eng.Subscribe(ctx, name, parameters)
}

// ClientID returns the stable identifier this store presents to the sync
// service. It is generated on first open and survives reopens of the same
// file.
func (d *Database) ClientID(ctx context.Context) (string, error) {
	lease, err := d.pool.Reader(ctx)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	var id string
	if err := lease.QueryRowContext(ctx, `SELECT value FROM ps_kv WHERE key = 'client_id'`).Scan(&id); err != nil {
		return "", fmt.Errorf("db: read client id: %w", err)
	}
	return id, nil
}

// Close disconnects the sync engine, stops watch delivery, and closes the
// pool. It is safe to call more than once; later calls return the first
// result.
func (d *Database) Close() error {
	d.closeOnce.Do(func() {
		derr := d.eng.Disconnect()
		d.disp.Close()
		perr := d.pool.Close()
		if derr != nil {
			d.closeErr = derr
			return
		}
		d.closeErr = perr
	})
	return d.closeErr
}
