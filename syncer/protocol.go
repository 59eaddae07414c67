package syncer

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the line protocol version this engine speaks. Checkpoints
// announcing a newer major version are rejected.
const ProtocolVersion = "1.0.0"

// Line is one decoded protocol message. Exactly one field is non-nil; an
// unrecognized message decodes to all-nil and is skipped by the engine.
type Line struct {
	Checkpoint         *Checkpoint         `json:"checkpoint"`
	Data               *StreamData         `json:"data"`
	CheckpointComplete *CheckpointComplete `json:"checkpoint_complete"`
	TokenExpiresIn     *int64              `json:"token_expires_in"`
}

// Checkpoint announces the download target for the session's streams.
type Checkpoint struct {
	// LastOpID is the service-side operation id the checkpoint covers,
	// opaque to the client.
	LastOpID string `json:"last_op_id"`

	// WriteCheckpoint, when present, acknowledges the client's own uploaded
	// writes up to this marker.
	WriteCheckpoint string `json:"write_checkpoint,omitempty"`

	// ProtocolVersion is the service's protocol version, "" for 1.x.
	ProtocolVersion string `json:"protocol_version,omitempty"`

	Streams []StreamCheckpoint `json:"streams"`
}

// StreamCheckpoint is the per-stream portion of a checkpoint.
type StreamCheckpoint struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// TotalOps is the number of operations outstanding for this client on
	// this stream as of the checkpoint.
	TotalOps int64 `json:"total_ops"`

	IsDefault bool `json:"is_default"`

	// ExpiresAt is the unix-seconds expiry of a time-to-live subscription,
	// 0 for none.
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// StreamData carries a batch of operations for one stream.
type StreamData struct {
	Stream     string          `json:"stream"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Ops        []Operation     `json:"data"`
}

// Operation is one downloaded row operation.
type Operation struct {
	// OpID is the operation's position token; the engine persists the last
	// applied one per stream and resumes after it.
	OpID string `json:"op_id"`

	// Op is PUT, PATCH, or DELETE.
	Op string `json:"op"`

	// Table is the logical table the operation targets.
	Table string `json:"object_type"`

	// RowID is the targeted row id.
	RowID string `json:"object_id"`

	// Data is the full row object for PUT, the changed columns for PATCH,
	// absent for DELETE.
	Data json.RawMessage `json:"data,omitempty"`
}

// CheckpointComplete marks every operation up to the previous checkpoint as
// delivered.
type CheckpointComplete struct {
	LastOpID string `json:"last_op_id"`
}

// ParseLine decodes one protocol line. Malformed input is a ProtocolError.
func ParseLine(data []byte) (*Line, error) {
	var line Line
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid line: %v", err)}
	}
	return &line, nil
}
