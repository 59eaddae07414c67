package status

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// Progress counts operations downloaded for one stream during an outstanding
// download. Downloaded never exceeds Total.
type Progress struct {
	Downloaded int64
	Total      int64
}

// Fraction returns Downloaded/Total, or 0 when Total is 0.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Downloaded) / float64(p.Total)
}

// StreamStatus describes one stream subscription.
type StreamStatus struct {
	// Name identifies the stream.
	Name string

	// Parameters is the JSON parameter object the stream was subscribed
	// with, nil for an unparameterized stream.
	Parameters json.RawMessage

	// Active reports whether the backend acknowledged the subscription in
	// the current session.
	Active bool

	// IsDefault marks streams the backend subscribes every client to.
	IsDefault bool

	// HasExplicit marks streams the application subscribed to by handle.
	HasExplicit bool

	// Expired marks streams the backend revoked. Expired streams leave the
	// active set but stay queryable until their subscription is dropped.
	Expired bool

	// ExpiresAt is the backend-announced expiry, nil when none.
	ExpiresAt *time.Time

	// HasSynced reports whether the stream completed its initial backlog.
	HasSynced bool

	// LastSyncedAt is the time the stream last reached a consistent
	// checkpoint, nil until the first one.
	LastSyncedAt *time.Time

	// Progress is present only while a download for the stream is
	// outstanding.
	Progress *Progress
}

// Status is a consistent snapshot of the synchronization state. It is a value
// copy; mutating a snapshot has no effect on the store.
type Status struct {
	Connected   bool
	Connecting  bool
	Downloading bool
	Uploading   bool

	// DownloadError and UploadError hold the most recent failure of the
	// respective direction, "" when the last operation of that kind
	// succeeded. They survive reconnects until superseded.
	DownloadError string
	UploadError   string

	Streams []StreamStatus
}

// Stream returns a pointer to the stream with the given name and parameters,
// or nil when absent. The pointer addresses the snapshot's own slice, so
// inside a Store.Update closure it mutates the pending state.
func (s *Status) Stream(name string, parameters json.RawMessage) *StreamStatus {
	for i := range s.Streams {
		if s.Streams[i].Name == name && bytes.Equal(s.Streams[i].Parameters, parameters) {
			return &s.Streams[i]
		}
	}
	return nil
}

// UpsertStream returns the stream with the given name and parameters,
// appending a new entry when absent.
func (s *Status) UpsertStream(name string, parameters json.RawMessage) *StreamStatus {
	if existing := s.Stream(name, parameters); existing != nil {
		return existing
	}
	s.Streams = append(s.Streams, StreamStatus{Name: name, Parameters: cloneRaw(parameters)})
	return &s.Streams[len(s.Streams)-1]
}

func (s Status) clone() Status {
	out := s
	if s.Streams != nil {
		out.Streams = make([]StreamStatus, len(s.Streams))
		for i, st := range s.Streams {
			out.Streams[i] = st.clone()
		}
	}
	return out
}

func (st StreamStatus) clone() StreamStatus {
	out := st
	out.Parameters = cloneRaw(st.Parameters)
	out.ExpiresAt = cloneTime(st.ExpiresAt)
	out.LastSyncedAt = cloneTime(st.LastSyncedAt)
	if st.Progress != nil {
		p := *st.Progress
		out.Progress = &p
	}
	return out
}

func (s Status) equal(o Status) bool {
	if s.Connected != o.Connected || s.Connecting != o.Connecting ||
		s.Downloading != o.Downloading || s.Uploading != o.Uploading ||
		s.DownloadError != o.DownloadError || s.UploadError != o.UploadError ||
		len(s.Streams) != len(o.Streams) {
		return false
	}
	for i := range s.Streams {
		if !s.Streams[i].equal(o.Streams[i]) {
			return false
		}
	}
	return true
}

func (st StreamStatus) equal(o StreamStatus) bool {
	return st.Name == o.Name &&
		bytes.Equal(st.Parameters, o.Parameters) &&
		st.Active == o.Active &&
		st.IsDefault == o.IsDefault &&
		st.HasExplicit == o.HasExplicit &&
		st.Expired == o.Expired &&
		timeEqual(st.ExpiresAt, o.ExpiresAt) &&
		st.HasSynced == o.HasSynced &&
		timeEqual(st.LastSyncedAt, o.LastSyncedAt) &&
		progressEqual(st.Progress, o.Progress)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func progressEqual(a, b *Progress) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Store holds the current Status and publishes consistent snapshots.
type Store struct {
	mu      sync.Mutex
	current Status
	hook    func(Status)
}

// NewStore returns an empty store: disconnected, no streams, no errors.
func NewStore() *Store { return &Store{} }

// SetChangeHook installs fn to run after every update that changed the
// status, receiving the new snapshot. The hook runs with the store lock held
// and must not call back into the store.
func (st *Store) SetChangeHook(fn func(Status)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.hook = fn
}

// Status returns a snapshot of the current state.
func (st *Store) Status() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current.clone()
}

// Update applies fn to a copy of the current state and publishes the result
// when fn changed anything. Updates are serialized; fn must not block.
func (st *Store) Update(fn func(*Status)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.current.clone()
	fn(&next)
	if st.current.equal(next) {
		return
	}
	st.current = next
	if st.hook != nil {
		st.hook(next.clone())
	}
}
