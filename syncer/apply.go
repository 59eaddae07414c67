package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang/glog"

	"github.com/viant/sqlite-sync/status"
)

// streamKey identifies a stream by name plus the exact parameter bytes it
// was subscribed with. Two subscriptions whose parameters differ only in
// JSON formatting are distinct streams.
type streamKey struct {
	name       string
	parameters string
}

func keyOf(name string, parameters json.RawMessage) streamKey {
	return streamKey{name: name, parameters: paramsText(parameters)}
}

func paramsText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func paramsRaw(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	return json.RawMessage(text)
}

// session holds the download state for one connection to the service. It is
// discarded and rebuilt whenever the iteration restarts.
type session struct {
	e    *Engine
	opts Options

	// active is the set of streams announced by the latest checkpoint and
	// not yet expired. Only these are marked synced on checkpoint_complete.
	active map[streamKey]struct{}
}

func (s *session) fail(err error) error {
	s.e.recordDownloadError(err)
	return err
}

// buildRequest loads persisted stream state and turns it into the request
// sent as the first message of a stream session. It also seeds the status
// snapshot so subscriptions are visible before the first checkpoint.
func (s *session) buildRequest(ctx context.Context) (StreamRequest, error) {
	lease, err := s.e.deps.Pool.Reader(ctx)
	if err != nil {
		return StreamRequest{}, err
	}
	defer lease.Release()

	rows, err := lease.QueryContext(ctx, `
SELECT name, parameters, position, has_explicit, is_default, has_synced, last_synced_at, expires_at
FROM ps_stream_state`)
	if err != nil {
		return StreamRequest{}, fmt.Errorf("syncer: read stream state: %w", err)
	}
	defer rows.Close()

	type stateRow struct {
		name, parameters, position  string
		explicit, isDefault, synced bool
		lastSynced, expiresAt       int64
		expired                     bool
	}

	req := StreamRequest{
		ClientID:        s.e.deps.ClientID,
		IncludeDefaults: !s.opts.DisableDefaultStreams,
	}
	now := time.Now()
	var state []stateRow
	for rows.Next() {
		var r stateRow
		var explicit, isDefault, synced int64
		if err := rows.Scan(&r.name, &r.parameters, &r.position, &explicit, &isDefault, &synced, &r.lastSynced, &r.expiresAt); err != nil {
			return StreamRequest{}, fmt.Errorf("syncer: read stream state: %w", err)
		}
		r.explicit = explicit != 0
		r.isDefault = isDefault != 0
		r.synced = synced != 0
		r.expired = r.expiresAt > 0 && !time.Unix(r.expiresAt, 0).After(now)
		if !r.expired {
			req.Streams = append(req.Streams, StreamQuery{
				Name:       r.name,
				Parameters: paramsRaw(r.parameters),
				After:      r.position,
			})
		}
		state = append(state, r)
	}
	if err := rows.Err(); err != nil {
		return StreamRequest{}, fmt.Errorf("syncer: read stream state: %w", err)
	}

	if len(state) > 0 {
		s.e.deps.Store.Update(func(st *status.Status) {
			for _, r := range state {
				stream := st.UpsertStream(r.name, paramsRaw(r.parameters))
				stream.HasExplicit = r.explicit
				stream.IsDefault = r.isDefault
				stream.HasSynced = r.synced
				stream.Expired = r.expired
				if r.lastSynced > 0 {
					t := time.Unix(r.lastSynced, 0)
					stream.LastSyncedAt = &t
				}
				if r.expiresAt > 0 {
					t := time.Unix(r.expiresAt, 0)
					stream.ExpiresAt = &t
				}
			}
		})
	}
	return req, nil
}

// handleLine applies one line read from the service. A nil return keeps the
// session alive; errRestart asks for an immediate reconnect; any other error
// tears the iteration down and retries with backoff.
func (s *session) handleLine(ctx context.Context, data []byte) error {
	line, err := ParseLine(data)
	if err != nil {
		// A malformed line is reported but does not kill the stream.
		s.e.recordDownloadError(err)
		return nil
	}
	switch {
	case line.Checkpoint != nil:
		return s.applyCheckpoint(ctx, line.Checkpoint)
	case line.Data != nil:
		return s.applyData(ctx, line.Data)
	case line.CheckpointComplete != nil:
		return s.applyCheckpointComplete(ctx)
	case line.TokenExpiresIn != nil:
		if time.Duration(*line.TokenExpiresIn)*time.Second <= tokenRefreshWindow {
			glog.V(1).Infof("[sync] token expires in %ds, reconnecting with fresh credentials", *line.TokenExpiresIn)
			return errRestart
		}
		return nil
	default:
		glog.V(2).Info("[sync] skipping unrecognized line")
		return nil
	}
}

func (s *session) applyCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ProtocolVersion != "" {
		v, err := semver.NewVersion(cp.ProtocolVersion)
		if err != nil {
			return s.fail(&ProtocolError{Reason: fmt.Sprintf("unparseable protocol version %q", cp.ProtocolVersion)})
		}
		if v.Major() > semver.MustParse(ProtocolVersion).Major() {
			return s.fail(&ProtocolError{Reason: fmt.Sprintf("service speaks protocol %s, this client supports up to %s", cp.ProtocolVersion, ProtocolVersion)})
		}
	}

	now := time.Now()
	announced := make(map[streamKey]struct{}, len(cp.Streams))
	active := make(map[streamKey]struct{}, len(cp.Streams))
	for _, cs := range cp.Streams {
		key := keyOf(cs.Name, cs.Parameters)
		announced[key] = struct{}{}
		if cs.ExpiresAt == 0 || time.Unix(cs.ExpiresAt, 0).After(now) {
			active[key] = struct{}{}
		}
	}

	if err := s.persistCheckpoint(ctx, cp, announced); err != nil {
		return s.fail(err)
	}
	s.active = active

	s.e.deps.Store.Update(func(st *status.Status) {
		st.Downloading = true
		for _, cs := range cp.Streams {
			stream := st.UpsertStream(cs.Name, cs.Parameters)
			stream.IsDefault = cs.IsDefault
			stream.Active = true
			stream.Expired = false
			stream.ExpiresAt = nil
			if cs.ExpiresAt > 0 {
				t := time.Unix(cs.ExpiresAt, 0)
				stream.ExpiresAt = &t
				if !t.After(now) {
					stream.Expired = true
					stream.Active = false
				}
			}
			if stream.Expired {
				stream.Progress = nil
			} else {
				stream.Progress = &status.Progress{Total: cs.TotalOps}
			}
		}
		var kept []status.StreamStatus
		for _, stream := range st.Streams {
			if _, ok := announced[keyOf(stream.Name, stream.Parameters)]; ok {
				kept = append(kept, stream)
				continue
			}
			if stream.HasExplicit {
				// The service stopped serving a stream the app still
				// subscribes to, most often because its TTL lapsed.
				stream.Active = false
				stream.Expired = true
				stream.Progress = nil
				kept = append(kept, stream)
			}
		}
		st.Streams = kept
	})

	glog.V(1).Infof("[sync] checkpoint: %d streams, last op %s", len(cp.Streams), cp.LastOpID)
	return nil
}

// persistCheckpoint records announced streams and drops rows for default
// streams the service no longer serves. Explicit subscriptions survive until
// the app unsubscribes.
func (s *session) persistCheckpoint(ctx context.Context, cp *Checkpoint, announced map[streamKey]struct{}) error {
	lease, err := s.e.deps.Pool.Writer(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncer: checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, cs := range cp.Streams {
		_, err := tx.ExecContext(ctx, `
INSERT INTO ps_stream_state (name, parameters, is_default, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (name, parameters) DO UPDATE SET
	is_default = excluded.is_default,
	expires_at = excluded.expires_at`,
			cs.Name, paramsText(cs.Parameters), boolInt(cs.IsDefault), cs.ExpiresAt)
		if err != nil {
			return fmt.Errorf("syncer: checkpoint: upsert stream %q: %w", cs.Name, err)
		}
	}

	rows, err := tx.QueryContext(ctx, "SELECT name, parameters FROM ps_stream_state WHERE has_explicit = 0")
	if err != nil {
		return fmt.Errorf("syncer: checkpoint: %w", err)
	}
	var stale []streamKey
	for rows.Next() {
		var key streamKey
		if err := rows.Scan(&key.name, &key.parameters); err != nil {
			rows.Close()
			return fmt.Errorf("syncer: checkpoint: %w", err)
		}
		if _, ok := announced[key]; !ok {
			stale = append(stale, key)
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("syncer: checkpoint: %w", err)
	}
	for _, key := range stale {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM ps_stream_state WHERE name = ? AND parameters = ?", key.name, key.parameters); err != nil {
			return fmt.Errorf("syncer: checkpoint: prune stream %q: %w", key.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncer: checkpoint: %w", err)
	}
	return nil
}

func (s *session) applyData(ctx context.Context, d *StreamData) error {
	applied, badOp, err := s.persistData(ctx, d)
	if err != nil {
		return s.fail(err)
	}

	if applied > 0 {
		s.e.deps.Store.Update(func(st *status.Status) {
			st.Downloading = true
			stream := st.Stream(d.Stream, d.Parameters)
			if stream == nil || stream.Progress == nil {
				return
			}
			stream.Progress.Downloaded += int64(applied)
			if stream.Progress.Downloaded > stream.Progress.Total {
				stream.Progress.Downloaded = stream.Progress.Total
			}
		})
	}
	if badOp != nil {
		// The applied prefix is kept; the rest of the batch is dropped.
		s.e.recordDownloadError(badOp)
	}
	return nil
}

// persistData applies the batch inside one write transaction and records the
// last applied op id as the stream's resume position. A malformed operation
// stops the batch without failing the session: the applied prefix commits and
// the offending operation is returned for reporting.
func (s *session) persistData(ctx context.Context, d *StreamData) (int, *ProtocolError, error) {
	lease, err := s.e.deps.Pool.Writer(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer lease.Release()

	tx, err := lease.BeginTx(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("syncer: apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied := 0
	position := ""
	var badOp *ProtocolError
	for _, op := range d.Ops {
		t := s.e.deps.Schema.Table(op.Table)
		if t == nil || t.LocalOnly {
			badOp = &ProtocolError{Reason: fmt.Sprintf("stream %q: operation targets unknown table %q", d.Stream, op.Table)}
			break
		}
		store := quoteIdent(t.StoreName())
		switch op.Op {
		case "PUT":
			data := op.Data
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			_, err = tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, data) VALUES (?, json(?))
ON CONFLICT (id) DO UPDATE SET data = excluded.data`, store),
				op.RowID, string(data))
		case "PATCH":
			data := op.Data
			if len(data) == 0 {
				data = json.RawMessage("{}")
			}
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET data = json_patch(data, ?) WHERE id = ?", store),
				string(data), op.RowID)
		case "DELETE":
			_, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", store), op.RowID)
		default:
			badOp = &ProtocolError{Reason: fmt.Sprintf("stream %q: unknown operation %q", d.Stream, op.Op)}
		}
		if badOp != nil {
			break
		}
		if err != nil {
			return 0, nil, fmt.Errorf("syncer: apply %s to %s: %w", op.Op, op.Table, err)
		}
		applied++
		position = op.OpID
	}

	if applied > 0 && position != "" {
		_, err := tx.ExecContext(ctx, `
INSERT INTO ps_stream_state (name, parameters, position)
VALUES (?, ?, ?)
ON CONFLICT (name, parameters) DO UPDATE SET position = excluded.position`,
			d.Stream, paramsText(d.Parameters), position)
		if err != nil {
			return 0, nil, fmt.Errorf("syncer: apply: save position: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("syncer: apply: %w", err)
	}
	return applied, badOp, nil
}

func (s *session) applyCheckpointComplete(ctx context.Context) error {
	now := time.Now()
	if len(s.active) > 0 {
		if err := s.persistSynced(ctx, now); err != nil {
			return s.fail(err)
		}
	}

	s.e.deps.Store.Update(func(st *status.Status) {
		st.Downloading = false
		st.DownloadError = ""
		for i := range st.Streams {
			if _, ok := s.active[keyOf(st.Streams[i].Name, st.Streams[i].Parameters)]; !ok {
				continue
			}
			t := now
			st.Streams[i].HasSynced = true
			st.Streams[i].LastSyncedAt = &t
			st.Streams[i].Progress = nil
		}
	})

	glog.V(1).Info("[sync] checkpoint complete")
	return nil
}

func (s *session) persistSynced(ctx context.Context, now time.Time) error {
	lease, err := s.e.deps.Pool.Writer(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	tx, err := lease.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("syncer: checkpoint complete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for key := range s.active {
		_, err := tx.ExecContext(ctx, `
UPDATE ps_stream_state SET has_synced = 1, last_synced_at = ?
WHERE name = ? AND parameters = ?`,
			now.Unix(), key.name, key.parameters)
		if err != nil {
			return fmt.Errorf("syncer: checkpoint complete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("syncer: checkpoint complete: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
