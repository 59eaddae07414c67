package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// StreamRequest is the session-opening message: which streams to sync and
// where each one resumes.
type StreamRequest struct {
	ClientID        string        `json:"client_id"`
	Streams         []StreamQuery `json:"streams"`
	IncludeDefaults bool          `json:"include_defaults"`
}

// StreamQuery requests one stream, resuming after the given position token.
type StreamQuery struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	After      string          `json:"after,omitempty"`
}

// Session is one open connection to the sync service.
type Session interface {
	// ReadLine blocks for the next protocol line. It returns an error when
	// the session ends or ctx is cancelled.
	ReadLine(ctx context.Context) ([]byte, error)

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// Transport opens sessions. The zero WebsocketTransport is the default;
// tests substitute their own.
type Transport interface {
	Connect(ctx context.Context, creds Credentials, req StreamRequest) (Session, error)
}

// WebsocketTransport speaks the line protocol over a websocket, one JSON text
// message per line. The stream request is sent as the first message.
type WebsocketTransport struct {
	// Dialer overrides websocket.DefaultDialer when set.
	Dialer *websocket.Dialer
}

// Connect dials <endpoint>/sync/stream with the ws(s) scheme derived from the
// endpoint and sends the stream request.
func (t *WebsocketTransport) Connect(ctx context.Context, creds Credentials, req StreamRequest) (Session, error) {
	target, err := streamURL(creds.Endpoint)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+creds.Token)
	sessionID := ulid.Make().String()
	header.Set("X-Sync-Session", sessionID)

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, syncErrorf(CodeTokenExpired, "service rejected credentials: %v", err)
		}
		return nil, syncErrorf(CodeTransport, "dial %s: %v", target, err)
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, syncErrorf(CodeTransport, "send stream request: %v", err)
	}
	glog.V(1).Infof("[sync] session %s established to %s (%d streams)", sessionID, target, len(req.Streams))
	return &wsSession{conn: conn, id: sessionID}, nil
}

func streamURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", syncErrorf(CodeTransport, "invalid endpoint %q: %v", endpoint, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss", "":
		u.Scheme = "wss"
	default:
		return "", syncErrorf(CodeTransport, "invalid endpoint scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sync/stream"
	return u.String(), nil
}

type wsSession struct {
	conn *websocket.Conn
	id   string
}

func (s *wsSession) ReadLine(ctx context.Context) ([]byte, error) {
	// gorilla reads have no ctx parameter; closing the conn unblocks them.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-stop:
		}
	}()
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, syncErrorf(CodeTransport, "session %s read: %v", s.id, err)
	}
	return data, nil
}

func (s *wsSession) Close() error {
	return s.conn.Close()
}
