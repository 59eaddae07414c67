package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/viant/sqlite-sync/outbox"
	"github.com/viant/sqlite-sync/schema"
	"github.com/viant/sqlite-sync/status"
	"github.com/viant/sqlite-sync/syncer"
)

func testSchema() *schema.Schema {
	return schema.New(&schema.Table{
		Name:    "todos",
		Columns: []schema.Column{schema.Text("title"), schema.Integer("done")},
	})
}

// openTest opens a database at its own temp path and closes it with the test.
func openTest(t *testing.T) *Database {
	t.Helper()
	d, err := Open(context.Background(), Options{
		Path:   filepath.Join(t.TempDir(), "app.db"),
		Schema: testSchema(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOpenValidatesOptions(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Options{Schema: testSchema()}); err == nil {
		t.Fatal("Open accepted an empty path")
	}
	if _, err := Open(ctx, Options{Path: filepath.Join(t.TempDir(), "app.db")}); err == nil {
		t.Fatal("Open accepted a nil schema")
	}
}

// TestExecuteCapturesCrud exercises the primary local flow: a view insert
// through Execute is readable back and lands in the outbox as one PUT, and
// completing it empties the outbox.
func TestExecuteCapturesCrud(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	err := d.Execute(ctx, `INSERT INTO todos (id, title, done) VALUES ('t1', 'buy milk', 0)`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	lease, err := d.Reader(ctx)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	var title string
	if err := lease.QueryRowContext(ctx, `SELECT title FROM todos WHERE id = 't1'`).Scan(&title); err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if title != "buy milk" {
		t.Fatalf("title = %q, want %q", title, "buy milk")
	}

	tx, err := d.NextCrudTransaction(ctx)
	if err != nil {
		t.Fatalf("NextCrudTransaction failed: %v", err)
	}
	if tx == nil {
		t.Fatal("outbox is empty after a view insert")
	}
	if len(tx.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(tx.Entries))
	}
	e := tx.Entries[0]
	if e.Op != outbox.UpdatePut || e.Table != "todos" || e.RowID != "t1" {
		t.Fatalf("entry = %s %s %s, want PUT todos t1", e.Op, e.Table, e.RowID)
	}
	if !strings.Contains(string(e.Data), "buy milk") {
		t.Fatalf("entry data %s misses the inserted title", e.Data)
	}

	if err := tx.Complete(ctx); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	tx, err = d.NextCrudTransaction(ctx)
	if err != nil {
		t.Fatalf("NextCrudTransaction after complete failed: %v", err)
	}
	if tx != nil {
		t.Fatalf("outbox still holds transaction %d after complete", tx.ID)
	}
}

// TestExecuteSeparateTransactions verifies each Execute call forms its own
// crud transaction, while TestWriteTransactionGroupsWrites covers the grouped
// case.
func TestExecuteSeparateTransactions(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		stmt := fmt.Sprintf(`INSERT INTO todos (id, title) VALUES ('t%d', 'item %d')`, i, i)
		if err := d.Execute(ctx, stmt); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}

	cursor := d.CrudTransactions()
	var ids []int64
	for {
		ok, err := cursor.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		tx, err := cursor.Transaction()
		if err != nil {
			t.Fatalf("Transaction failed: %v", err)
		}
		if len(tx.Entries) != 1 {
			t.Fatalf("transaction %d has %d entries, want 1", tx.ID, len(tx.Entries))
		}
		ids = append(ids, tx.ID)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("transaction ids = %v, want two distinct", ids)
	}
}

func TestWriteTransactionGroupsWrites(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	err := d.WriteTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO todos (id, title) VALUES ('a', 'first')`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO todos (id, title) VALUES ('b', 'second')`)
		return err
	})
	if err != nil {
		t.Fatalf("WriteTransaction failed: %v", err)
	}

	tx, err := d.NextCrudTransaction(ctx)
	if err != nil {
		t.Fatalf("NextCrudTransaction failed: %v", err)
	}
	if tx == nil || len(tx.Entries) != 2 {
		t.Fatalf("grouped writes did not form one transaction with 2 entries: %+v", tx)
	}
}

func TestWriteTransactionRollsBack(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := d.WriteTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO todos (id, title) VALUES ('x', 'doomed')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WriteTransaction error = %v, want boom", err)
	}

	lease, err := d.Reader(ctx)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	defer lease.Release()
	var n int
	if err := lease.QueryRowContext(ctx, `SELECT count(*) FROM todos`).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("rolled back write is visible, count = %d", n)
	}
	tx, err := d.NextCrudTransaction(ctx)
	if err != nil {
		t.Fatalf("NextCrudTransaction failed: %v", err)
	}
	if tx != nil {
		t.Fatal("rolled back write left a crud transaction")
	}
}

func TestWatchTablesFiresOnWrite(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	fired := make(chan []string, 1)
	w := d.WatchTables([]string{"todos"}, func(changed []string) {
		select {
		case fired <- changed:
		default:
		}
	})
	defer w.Close()

	if err := d.Execute(ctx, `INSERT INTO todos (id, title) VALUES ('t1', 'watch me')`); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	select {
	case changed := <-fired:
		if len(changed) != 1 || changed[0] != "todos" {
			t.Fatalf("changed = %v, want [todos]", changed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestClientIDStableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db")

	d1, err := Open(ctx, Options{Path: path, Schema: testSchema()})
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	id1, err := d1.ClientID(ctx)
	if err != nil {
		t.Fatalf("ClientID failed: %v", err)
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Fatalf("client id %q is not a UUID: %v", id1, err)
	}
	if err := d1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	d2, err := Open(ctx, Options{Path: path, Schema: testSchema()})
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer d2.Close()
	id2, err := d2.ClientID(ctx)
	if err != nil {
		t.Fatalf("ClientID after reopen failed: %v", err)
	}
	if id2 != id1 {
		t.Fatalf("client id changed across reopen: %q vs %q", id1, id2)
	}
}

func TestOpenStampsAndGuardsVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db")

	d, err := Open(ctx, Options{Path: path, Schema: testSchema()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	lease, err := d.Reader(ctx)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	var stored string
	if err := lease.QueryRowContext(ctx, `SELECT value FROM ps_kv WHERE key = 'sync_version'`).Scan(&stored); err != nil {
		t.Fatalf("read stamp failed: %v", err)
	}
	_ = lease.Release()
	if stored != Version {
		t.Fatalf("stamped version = %q, want %q", stored, Version)
	}

	if err := d.Execute(ctx, `UPDATE ps_kv SET value = '99.0.0' WHERE key = 'sync_version'`); err != nil {
		t.Fatalf("bump version failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := Open(ctx, Options{Path: path, Schema: testSchema()}); err == nil {
		t.Fatal("Open accepted a store stamped by version 99.0.0")
	}
}

func TestOpenRejectsUnreadableVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db")

	d, err := Open(ctx, Options{Path: path, Schema: testSchema()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := d.Execute(ctx, `UPDATE ps_kv SET value = 'not-a-version' WHERE key = 'sync_version'`); err != nil {
		t.Fatalf("corrupt version failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := Open(ctx, Options{Path: path, Schema: testSchema()}); err == nil {
		t.Fatal("Open accepted an unreadable version stamp")
	}
}

func TestLastAcknowledgedCheckpoint(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	cp, err := d.LastAcknowledgedCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LastAcknowledgedCheckpoint failed: %v", err)
	}
	if cp != "" {
		t.Fatalf("fresh store has checkpoint %q", cp)
	}

	if err := d.Execute(ctx, `INSERT INTO todos (id, title) VALUES ('t1', 'item')`); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	tx, err := d.NextCrudTransaction(ctx)
	if err != nil || tx == nil {
		t.Fatalf("NextCrudTransaction = %v, %v", tx, err)
	}
	if err := tx.CompleteWithCheckpoint(ctx, "cp-7"); err != nil {
		t.Fatalf("CompleteWithCheckpoint failed: %v", err)
	}
	cp, err = d.LastAcknowledgedCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LastAcknowledgedCheckpoint failed: %v", err)
	}
	if cp != "cp-7" {
		t.Fatalf("checkpoint = %q, want cp-7", cp)
	}
}

func TestCloseIdempotent(t *testing.T) {
	d, err := Open(context.Background(), Options{
		Path:   filepath.Join(t.TempDir(), "app.db"),
		Schema: testSchema(),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

// Fakes driving the sync engine through the facade without a network.

type fakeSession struct {
	lines chan string
	done  chan struct{}
	once  sync.Once
}

func (s *fakeSession) ReadLine(ctx context.Context) ([]byte, error) {
	select {
	case line := <-s.lines:
		return []byte(line), nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fakeTransport struct {
	sessions chan *fakeSession
}

func (tr *fakeTransport) Connect(ctx context.Context, _ syncer.Credentials, _ syncer.StreamRequest) (syncer.Session, error) {
	s := &fakeSession{lines: make(chan string, 16), done: make(chan struct{})}
	select {
	case tr.sessions <- s:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type fakeConnector struct{}

func (c *fakeConnector) FetchCredentials(comp *syncer.Completion[syncer.Credentials]) {
	comp.Complete(syncer.Credentials{Endpoint: "https://sync.test", Token: "tok"})
}

func (c *fakeConnector) UploadData(comp *syncer.Completion[syncer.Uploaded]) {
	comp.Complete(syncer.Uploaded{})
}

// TestSyncEndToEnd covers the assembled path: Connect with a fake backend,
// download a checkpoint into the todos view, and observe status and data
// through the facade.
func TestSyncEndToEnd(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	tr := &fakeTransport{sessions: make(chan *fakeSession, 4)}
	err := d.Connect(syncer.Options{
		Connector: &fakeConnector{},
		Transport: tr,
		NewBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, "connection", func() bool { return d.Status().Connected })

	var sess *fakeSession
	select {
	case sess = <-tr.sessions:
	case <-time.After(5 * time.Second):
		t.Fatal("transport was never dialed")
	}
	sess.lines <- `{"checkpoint": {"last_op_id": "1", "streams": [{"name": "all-todos", "total_ops": 1, "is_default": true}]}}`
	sess.lines <- `{"data": {"stream": "all-todos", "data": [{"op_id": "1", "op": "PUT", "object_type": "todos", "object_id": "r1", "data": {"title": "from server", "done": 1}}]}}`
	sess.lines <- `{"checkpoint_complete": {"last_op_id": "1"}}`

	waitFor(t, "stream sync", func() bool {
		st := d.Status()
		s := st.Stream("all-todos", nil)
		return s != nil && s.HasSynced && !st.Downloading
	})

	lease, err := d.Reader(ctx)
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}
	var title string
	var done int64
	if err := lease.QueryRowContext(ctx, `SELECT title, done FROM todos WHERE id = 'r1'`).Scan(&title, &done); err != nil {
		t.Fatalf("downloaded row missing: %v", err)
	}
	_ = lease.Release()
	if title != "from server" || done != 1 {
		t.Fatalf("row = %q/%d, want from server/1", title, done)
	}

	tx, err := d.NextCrudTransaction(ctx)
	if err != nil {
		t.Fatalf("NextCrudTransaction failed: %v", err)
	}
	if tx != nil {
		t.Fatalf("download echoed into the outbox: %+v", tx.Entries[0])
	}

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitFor(t, "disconnect", func() bool {
		st := d.Status()
		return !st.Connected && !st.Connecting
	})
}

// TestStatusWatcherSeesConnects verifies status snapshots flow through the
// dispatcher the facade wires up.
func TestStatusWatcherSeesConnects(t *testing.T) {
	d := openTest(t)

	connected := make(chan struct{})
	var once sync.Once
	w := d.WatchStatus(func(s status.Status) {
		if s.Connected {
			once.Do(func() { close(connected) })
		}
	})
	defer w.Close()

	tr := &fakeTransport{sessions: make(chan *fakeSession, 4)}
	err := d.Connect(syncer.Options{
		Connector: &fakeConnector{},
		Transport: tr,
		NewBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("status watcher never saw the connection")
	}
}
