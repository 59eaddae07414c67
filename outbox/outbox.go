package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/viant/sqlite-sync/engine"
)

var (
	// ErrInvalidCursor is returned by Cursor.Transaction when the cursor
	// has no current transaction: before the first Next, after exhaustion,
	// or after a failed Next.
	ErrInvalidCursor = errors.New("outbox: cursor has no current transaction")

	// ErrNotFound is returned when completing a transaction that is no
	// longer in the outbox, typically because it was already completed.
	ErrNotFound = errors.New("outbox: transaction not found")
)

const checkpointKey = "last_acknowledged_checkpoint"

// transactionQuery walks one transaction: it seeds at the lowest entry above
// the cursor position and follows consecutive ids while the tx_id matches.
const transactionQuery = `WITH RECURSIVE entries (id, tx_id, data) AS (
    SELECT id, tx_id, data FROM ps_crud
    WHERE id = (SELECT min(id) FROM ps_crud WHERE id > ?)
    UNION ALL
    SELECT ps_crud.id, ps_crud.tx_id, ps_crud.data FROM ps_crud
    INNER JOIN entries ON entries.id + 1 = ps_crud.id
    WHERE ps_crud.tx_id = entries.tx_id
)
SELECT id, tx_id, data FROM entries`

// Outbox exposes the captured mutation log over a connection pool.
type Outbox struct {
	pool *engine.Pool
}

// New returns an outbox reading and resolving entries through pool.
func New(pool *engine.Pool) *Outbox { return &Outbox{pool: pool} }

// Transactions returns a fresh cursor positioned before the first unresolved
// transaction. Cursors are forward-only and single-pass; each call observes
// the outbox as of the time its transactions are read.
func (o *Outbox) Transactions() *Cursor { return &Cursor{ob: o} }

// NextTransaction returns the first unresolved transaction, or nil when the
// outbox is empty.
func (o *Outbox) NextTransaction(ctx context.Context) (*Transaction, error) {
	c := o.Transactions()
	ok, err := c.Next(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return c.Transaction()
}

// OldestEntryID returns the id of the oldest unresolved entry, or 0 when the
// outbox is empty. Entry ids start at 1.
func (o *Outbox) OldestEntryID(ctx context.Context) (int64, error) {
	lease, err := o.pool.Reader(ctx)
	if err != nil {
		return 0, err
	}
	defer lease.Release()
	rows, err := lease.QueryContext(ctx, "SELECT COALESCE(min(id), 0) FROM ps_crud")
	if err != nil {
		return 0, fmt.Errorf("outbox: oldest entry: %w", err)
	}
	defer rows.Close()
	var id int64
	if rows.Next() {
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("outbox: oldest entry: %w", err)
		}
	}
	return id, rows.Err()
}

// LastCheckpoint returns the most recently acknowledged server checkpoint,
// or "" when none has been recorded.
func (o *Outbox) LastCheckpoint(ctx context.Context) (string, error) {
	lease, err := o.pool.Reader(ctx)
	if err != nil {
		return "", err
	}
	defer lease.Release()
	rows, err := lease.QueryContext(ctx, "SELECT value FROM ps_kv WHERE key = ?", checkpointKey)
	if err != nil {
		return "", fmt.Errorf("outbox: last checkpoint: %w", err)
	}
	defer rows.Close()
	var value string
	if rows.Next() {
		if err := rows.Scan(&value); err != nil {
			return "", fmt.Errorf("outbox: last checkpoint: %w", err)
		}
	}
	return value, rows.Err()
}

func (o *Outbox) readTransaction(ctx context.Context, afterID int64) (*Transaction, error) {
	lease, err := o.pool.Reader(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	rows, err := lease.QueryContext(ctx, transactionQuery, afterID)
	if err != nil {
		return nil, fmt.Errorf("outbox: read transaction: %w", err)
	}
	defer rows.Close()

	tx := &Transaction{ob: o}
	for rows.Next() {
		var (
			id, txID int64
			raw      string
		)
		if err := rows.Scan(&id, &txID, &raw); err != nil {
			return nil, fmt.Errorf("outbox: read transaction: %w", err)
		}
		entry, err := parseEntry(id, txID, raw)
		if err != nil {
			return nil, err
		}
		tx.ID = txID
		tx.LastItemID = id
		tx.Entries = append(tx.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: read transaction: %w", err)
	}
	if len(tx.Entries) == 0 {
		return nil, nil
	}
	return tx, nil
}

// Cursor is a forward-only, single-pass walk over unresolved transactions in
// ascending transaction order.
type Cursor struct {
	ob      *Outbox
	afterID int64
	current *Transaction
	done    bool
}

// Next advances to the next unresolved transaction and reports whether one
// exists. After Next returns false the cursor stays exhausted.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	c.current = nil
	if c.done {
		return false, nil
	}
	tx, err := c.ob.readTransaction(ctx, c.afterID)
	if err != nil {
		return false, err
	}
	if tx == nil {
		c.done = true
		return false, nil
	}
	c.current = tx
	c.afterID = tx.LastItemID
	return true, nil
}

// Transaction materializes the transaction at the cursor.
func (c *Cursor) Transaction() (*Transaction, error) {
	if c.current == nil {
		return nil, ErrInvalidCursor
	}
	return c.current, nil
}

// Transaction is a contiguous group of entries sharing one capture scope.
type Transaction struct {
	// ID is the persisted transaction id.
	ID int64

	// Entries are the transaction's mutations in capture order.
	Entries []*Entry

	// LastItemID is the highest entry id the transaction covers.
	LastItemID int64

	ob *Outbox
}

// Complete removes the transaction from the outbox. A transaction that was
// already completed is gone from the log, so a second call returns
// ErrNotFound.
func (t *Transaction) Complete(ctx context.Context) error {
	return t.complete(ctx, nil)
}

// CompleteWithCheckpoint removes the transaction and records checkpoint as
// the latest acknowledged server checkpoint. Both effects commit atomically.
func (t *Transaction) CompleteWithCheckpoint(ctx context.Context, checkpoint string) error {
	return t.complete(ctx, &checkpoint)
}

func (t *Transaction) complete(ctx context.Context, checkpoint *string) error {
	lease, err := t.ob.pool.Writer(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("outbox: complete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM ps_crud WHERE tx_id = ? AND id <= ?", t.ID, t.LastItemID)
	if err != nil {
		return fmt.Errorf("outbox: complete: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: complete: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	if checkpoint != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO ps_kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			checkpointKey, *checkpoint); err != nil {
			return fmt.Errorf("outbox: complete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("outbox: complete: %w", err)
	}
	return nil
}
