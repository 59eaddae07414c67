package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/viant/sqlite-sync/engine"
	"github.com/viant/sqlite-sync/outbox"
	"github.com/viant/sqlite-sync/schema"
	"github.com/viant/sqlite-sync/status"
	"github.com/viant/sqlite-sync/watch"
)

// ErrAlreadyConnected is returned by Connect while a connection is active.
// Disconnect first to change options.
var ErrAlreadyConnected = errors.New("syncer: already connected")

// errRestart ends an iteration that should reconnect immediately: token
// refresh and subscription changes.
var errRestart = errors.New("syncer: session restart")

// tokenRefreshWindow: a keepalive announcing expiry within this window ends
// the session so the next one starts with fresh credentials.
const tokenRefreshWindow = 30 * time.Second

// Deps are the database-owned collaborators the engine drives. All fields are
// required.
type Deps struct {
	Pool       *engine.Pool
	Outbox     *outbox.Outbox
	Store      *status.Store
	Dispatcher *watch.Dispatcher
	Schema     *schema.Schema

	// ClientID identifies this database to the service across sessions.
	ClientID string
}

// Options configure one Connect call.
type Options struct {
	// Connector supplies credentials and uploads pending transactions.
	// Required.
	Connector BackendConnector

	// Transport opens sessions. Defaults to a WebsocketTransport.
	Transport Transport

	// NewBackoff builds the reconnect policy for this connection. The
	// default is exponential from 1s capped at 30s, retrying forever.
	NewBackoff func() backoff.BackOff

	// DisableDefaultStreams asks the service not to deliver streams marked
	// auto-subscribe; only explicit subscriptions sync.
	DisableDefaultStreams bool

	// UploadRetryDelay is the pause before retrying a failed upload drain.
	// Defaults to 5s.
	UploadRetryDelay time.Duration
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Engine is the background synchronization loop. Construct one per database
// with NewEngine; Connect starts the loop and Disconnect stops it. The
// database retains outbox content and stream subscriptions across
// disconnects.
type Engine struct {
	deps Deps

	mu     sync.Mutex
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}

	uploadRequests chan struct{}
	restart        chan struct{}
}

// NewEngine wires an engine to its database collaborators. The loop is not
// started until Connect.
func NewEngine(deps Deps) *Engine {
	return &Engine{
		deps:           deps,
		uploadRequests: make(chan struct{}, 1),
		restart:        make(chan struct{}, 1),
	}
}

// Connect starts the background loop with the given options. It returns
// immediately; connection progress is observable through the status store.
func (e *Engine) Connect(opts Options) error {
	if opts.Connector == nil {
		return errors.New("syncer: options require a Connector")
	}
	if opts.Transport == nil {
		opts.Transport = &WebsocketTransport{}
	}
	if opts.NewBackoff == nil {
		opts.NewBackoff = defaultBackoff
	}
	if opts.UploadRetryDelay <= 0 {
		opts.UploadRetryDelay = 5 * time.Second
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.opts = opts
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx, opts, e.done)
	return nil
}

// Disconnect stops the loop and waits for it to exit. Unresolved outbox
// transactions and stream subscriptions are preserved and resume on the next
// Connect. Calling Disconnect while disconnected is a no-op.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	e.deps.Store.Update(func(s *status.Status) {
		s.Connected = false
		s.Connecting = false
		s.Downloading = false
		s.Uploading = false
		for i := range s.Streams {
			s.Streams[i].Active = false
			s.Streams[i].Progress = nil
		}
	})
	return nil
}

// Connected reports whether the loop is running.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func (e *Engine) run(ctx context.Context, opts Options, done chan struct{}) {
	defer close(done)
	bo := opts.NewBackoff()
	for {
		err := e.iteration(ctx, opts)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errRestart) {
			bo.Reset()
			continue
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			bo.Reset()
			wait = bo.NextBackOff()
		}
		glog.Warningf("[sync] iteration ended, retrying in %s: %v", wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

type readResult struct {
	data []byte
	err  error
}

func (e *Engine) iteration(ctx context.Context, opts Options) error {
	// A restart queued for a previous session would bounce this one.
	select {
	case <-e.restart:
	default:
	}

	e.deps.Store.Update(func(s *status.Status) {
		s.Connecting = true
		s.Connected = false
	})

	creds, err := e.fetchCredentials(ctx, opts)
	if err != nil {
		e.recordDownloadError(err)
		return err
	}
	if exp, ok := creds.ExpiresAt(); ok && !exp.After(time.Now()) {
		err := syncErrorf(CodeTokenExpired, "credentials expired at %s", exp.Format(time.RFC3339))
		e.recordDownloadError(err)
		return err
	}

	sess := &session{e: e, opts: opts, active: make(map[streamKey]struct{})}
	req, err := sess.buildRequest(ctx)
	if err != nil {
		e.recordDownloadError(err)
		return err
	}

	transportSession, err := opts.Transport.Connect(ctx, creds, req)
	if err != nil {
		e.recordDownloadError(err)
		return err
	}
	defer transportSession.Close()

	e.deps.Store.Update(func(s *status.Status) {
		s.Connected = true
		s.Connecting = false
	})

	// Local CRUD captures trigger upload drains while connected.
	crudWatch := e.deps.Dispatcher.WatchTables([]string{schema.CrudTable}, func([]string) {
		e.requestUpload()
	})
	defer crudWatch.Close()
	e.requestUpload()

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	lines := make(chan readResult, 1)
	go func() {
		for {
			data, err := transportSession.ReadLine(pumpCtx)
			select {
			case lines <- readResult{data: data, err: err}:
			case <-pumpCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var uploadRetry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.restart:
			return errRestart
		case <-e.uploadRequests:
			if !e.drainUploads(ctx, opts) {
				uploadRetry = time.After(opts.UploadRetryDelay)
			}
		case <-uploadRetry:
			uploadRetry = nil
			e.requestUpload()
		case r := <-lines:
			if r.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.recordDownloadError(r.err)
				return r.err
			}
			if err := sess.handleLine(ctx, r.data); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) fetchCredentials(ctx context.Context, opts Options) (Credentials, error) {
	completion, pending := NewCompletion[Credentials]()
	opts.Connector.FetchCredentials(completion)
	creds, err := pending.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Credentials{}, ctx.Err()
		}
		return Credentials{}, syncErrorf(CodeCredentials, "%v", err)
	}
	return creds, nil
}

func (e *Engine) requestUpload() {
	select {
	case e.uploadRequests <- struct{}{}:
	default:
	}
}

func (e *Engine) requestRestart() {
	select {
	case e.restart <- struct{}{}:
	default:
	}
}

// drainUploads invokes the connector once per pending batch until the outbox
// empties. It reports false when the drain failed transiently and should be
// retried after UploadRetryDelay.
func (e *Engine) drainUploads(ctx context.Context, opts Options) bool {
	prev := int64(0)
	for {
		oldest, err := e.deps.Outbox.OldestEntryID(ctx)
		if err != nil {
			e.recordUploadError(syncErrorf(CodeUpload, "%v", err))
			return false
		}
		if oldest == 0 {
			break
		}
		if oldest == prev {
			// The connector resolved without completing the transactions it
			// read. Invoking it again now would upload them twice, so the
			// drain parks until the next local write or reconnect.
			err := syncErrorf(CodeDelayed,
				"delaying due to previously encountered item: complete crud transactions in UploadData")
			glog.Warning("[sync] entries remain in the upload queue after UploadData resolved; " +
				"complete crud transactions before resolving the upload")
			e.recordUploadError(err)
			return true
		}
		prev = oldest

		e.deps.Store.Update(func(s *status.Status) { s.Uploading = true })
		completion, pending := NewCompletion[Uploaded]()
		opts.Connector.UploadData(completion)
		if _, err := pending.Await(ctx); err != nil {
			if ctx.Err() != nil {
				return true
			}
			e.recordUploadError(syncErrorf(CodeUpload, "%v", err))
			return false
		}
	}
	e.deps.Store.Update(func(s *status.Status) {
		s.Uploading = false
		s.UploadError = ""
	})
	return true
}

func (e *Engine) recordDownloadError(err error) {
	glog.Warningf("[sync] download: %v", err)
	e.deps.Store.Update(func(s *status.Status) {
		s.DownloadError = err.Error()
		s.Downloading = false
	})
}

func (e *Engine) recordUploadError(err error) {
	glog.Warningf("[sync] upload: %v", err)
	e.deps.Store.Update(func(s *status.Status) {
		s.UploadError = err.Error()
		s.Uploading = false
	})
}
