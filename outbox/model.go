package outbox

import (
	"encoding/json"
	"fmt"
)

// UpdateType is the kind of a captured mutation.
type UpdateType string

const (
	// UpdatePut is a full-row write: Data holds every column.
	UpdatePut UpdateType = "PUT"

	// UpdatePatch is a partial update: Data holds changed columns only.
	UpdatePatch UpdateType = "PATCH"

	// UpdateDelete removes a row; Data is empty.
	UpdateDelete UpdateType = "DELETE"
)

// Entry is one recorded mutation. Entries are immutable once captured;
// ascending ID defines upload order.
type Entry struct {
	// ID is the client-assigned entry id, monotonic across the outbox.
	ID int64

	// TxID groups entries captured within one writer-lease scope.
	TxID int64

	// Op is the mutation kind.
	Op UpdateType

	// Table is the logical table name the mutation targets.
	Table string

	// RowID is the id of the targeted row.
	RowID string

	// Data is the column payload: full row for PUT, changed columns for
	// PATCH, empty for DELETE.
	Data json.RawMessage

	// Metadata carries the application metadata attached to the write, if
	// the table tracks it.
	Metadata string

	// Previous holds pre-update column values when the table tracks them.
	Previous json.RawMessage
}

type entryPayload struct {
	Op       UpdateType      `json:"op"`
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Data     json.RawMessage `json:"data"`
	Metadata *string         `json:"metadata"`
	Old      json.RawMessage `json:"old"`
}

func parseEntry(id, txID int64, raw string) (*Entry, error) {
	var p entryPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("outbox: entry %d is not valid JSON: %w", id, err)
	}
	switch p.Op {
	case UpdatePut, UpdatePatch, UpdateDelete:
	default:
		return nil, fmt.Errorf("outbox: entry %d has unknown op %q", id, p.Op)
	}
	e := &Entry{
		ID:       id,
		TxID:     txID,
		Op:       p.Op,
		Table:    p.Type,
		RowID:    p.ID,
		Data:     normalizeJSON(p.Data),
		Previous: normalizeJSON(p.Old),
	}
	if p.Metadata != nil {
		e.Metadata = *p.Metadata
	}
	return e, nil
}

func normalizeJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
