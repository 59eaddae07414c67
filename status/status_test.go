package status

import (
	"testing"
	"time"
)

func TestFraction(t *testing.T) {
	cases := []struct {
		progress Progress
		want     float64
	}{
		{Progress{}, 0},
		{Progress{Downloaded: 0, Total: 10}, 0},
		{Progress{Downloaded: 5, Total: 10}, 0.5},
		{Progress{Downloaded: 10, Total: 10}, 1},
	}
	for _, c := range cases {
		if got := c.progress.Fraction(); got != c.want {
			t.Fatalf("Fraction(%+v) = %v, want %v", c.progress, got, c.want)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	store := NewStore()
	now := time.Now()
	store.Update(func(s *Status) {
		s.Connected = true
		stream := s.UpsertStream("todos", []byte(`{"list":"a"}`))
		stream.Active = true
		stream.Progress = &Progress{Downloaded: 1, Total: 5}
		stream.LastSyncedAt = &now
	})

	snap := store.Status()
	snap.Connected = false
	snap.Streams[0].Active = false
	snap.Streams[0].Progress.Downloaded = 99
	*snap.Streams[0].LastSyncedAt = now.Add(time.Hour)
	snap.Streams[0].Parameters[2] = 'x'

	fresh := store.Status()
	if !fresh.Connected {
		t.Fatalf("snapshot mutation leaked into store: Connected")
	}
	stream := fresh.Stream("todos", []byte(`{"list":"a"}`))
	if stream == nil {
		t.Fatalf("stream lookup failed after snapshot mutation")
	}
	if !stream.Active || stream.Progress.Downloaded != 1 || !stream.LastSyncedAt.Equal(now) {
		t.Fatalf("snapshot mutation leaked into store: %+v", stream)
	}
}

// TestErrorRetention covers the lifecycle rule: a download error stays visible
// across reconnect transitions and clears only on the next successful
// download.
func TestErrorRetention(t *testing.T) {
	store := NewStore()
	store.Update(func(s *Status) {
		s.DownloadError = "stream request failed"
		s.Downloading = false
	})

	store.Update(func(s *Status) { s.Connecting = true; s.Connected = false })
	store.Update(func(s *Status) { s.Connected = true; s.Connecting = false })
	if got := store.Status().DownloadError; got != "stream request failed" {
		t.Fatalf("DownloadError = %q after reconnect, want retained", got)
	}

	store.Update(func(s *Status) { s.DownloadError = "" })
	if got := store.Status().DownloadError; got != "" {
		t.Fatalf("DownloadError = %q after success, want cleared", got)
	}
}

func TestHookFiresOnlyOnChange(t *testing.T) {
	store := NewStore()
	var fired int
	var last Status
	store.SetChangeHook(func(s Status) {
		fired++
		last = s
	})

	store.Update(func(s *Status) { s.Uploading = true })
	if fired != 1 || !last.Uploading {
		t.Fatalf("hook after change: fired=%d last=%+v", fired, last)
	}

	store.Update(func(s *Status) { s.Uploading = true })
	if fired != 1 {
		t.Fatalf("hook fired %d times after no-op update, want 1", fired)
	}

	store.Update(func(s *Status) {})
	if fired != 1 {
		t.Fatalf("hook fired %d times after empty update, want 1", fired)
	}

	store.Update(func(s *Status) { s.Uploading = false; s.UploadError = "rejected" })
	if fired != 2 || last.UploadError != "rejected" {
		t.Fatalf("hook after second change: fired=%d last=%+v", fired, last)
	}
}

func TestUpsertStreamKeysOnParameters(t *testing.T) {
	store := NewStore()
	store.Update(func(s *Status) {
		s.UpsertStream("todos", []byte(`{"list":"a"}`)).Active = true
		s.UpsertStream("todos", []byte(`{"list":"b"}`)).Active = true
		s.UpsertStream("todos", []byte(`{"list":"a"}`)).HasSynced = true
	})
	snap := store.Status()
	if len(snap.Streams) != 2 {
		t.Fatalf("streams = %d, want 2", len(snap.Streams))
	}
	a := snap.Stream("todos", []byte(`{"list":"a"}`))
	if a == nil || !a.Active || !a.HasSynced {
		t.Fatalf("stream a = %+v, want active and synced", a)
	}
	b := snap.Stream("todos", []byte(`{"list":"b"}`))
	if b == nil || !b.Active || b.HasSynced {
		t.Fatalf("stream b = %+v, want active only", b)
	}
	if snap.Stream("other", nil) != nil {
		t.Fatalf("lookup of unknown stream returned a value")
	}
}
