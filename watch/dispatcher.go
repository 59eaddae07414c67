package watch

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/viant/sqlite-sync/status"
)

// Dispatcher fans table and status changes out to watchers from one delivery
// goroutine. Producers call NotifyTables and NotifyStatus; both return
// immediately, delivery happens asynchronously.
type Dispatcher struct {
	mu   sync.Mutex
	cond *sync.Cond

	pendingTables map[string]struct{}
	pendingStatus *status.Status

	watchers map[*Watcher]struct{}
	closed   bool
	done     chan struct{}
}

// NewDispatcher starts the delivery goroutine and returns the dispatcher.
// Close releases it.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		pendingTables: make(map[string]struct{}),
		watchers:      make(map[*Watcher]struct{}),
		done:          make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.deliver()
	return d
}

// WatchTables registers fn against a set of logical table names. It fires
// once per batch of committed writes touching at least one named table,
// receiving the sorted names that changed. Close the returned watcher to stop
// delivery.
func (d *Dispatcher) WatchTables(names []string, fn func(changed []string)) *Watcher {
	w := &Watcher{d: d, tables: make(map[string]struct{}, len(names)), tableFn: fn}
	for _, name := range names {
		w.tables[name] = struct{}{}
	}
	d.register(w)
	return w
}

// WatchStatus registers fn to receive every published status snapshot. While
// delivery is busy intermediate snapshots are skipped; fn always receives the
// latest one. Close the returned watcher to stop delivery.
func (d *Dispatcher) WatchStatus(fn func(status.Status)) *Watcher {
	w := &Watcher{d: d, statusFn: fn}
	d.register(w)
	return w
}

func (d *Dispatcher) register(w *Watcher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		w.closed.Store(true)
		return
	}
	d.watchers[w] = struct{}{}
}

// NotifyTables queues the logical table names of one committed batch.
func (d *Dispatcher) NotifyTables(names []string) {
	if len(names) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, name := range names {
		d.pendingTables[name] = struct{}{}
	}
	d.cond.Signal()
}

// NotifyStatus queues a status snapshot, replacing any snapshot still queued.
func (d *Dispatcher) NotifyStatus(s status.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pendingStatus = &s
	d.cond.Signal()
}

// Close stops delivery and waits for the delivery goroutine to exit. Pending
// notifications are dropped. Registered watchers need no individual Close
// afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for w := range d.watchers {
		w.closed.Store(true)
		delete(d.watchers, w)
	}
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) deliver() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for !d.closed && len(d.pendingTables) == 0 && d.pendingStatus == nil {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		var tables []string
		for name := range d.pendingTables {
			tables = append(tables, name)
			delete(d.pendingTables, name)
		}
		snapshot := d.pendingStatus
		d.pendingStatus = nil
		targets := make([]*Watcher, 0, len(d.watchers))
		for w := range d.watchers {
			targets = append(targets, w)
		}
		d.mu.Unlock()

		sort.Strings(tables)
		glog.V(2).Infof("[sync] dispatch: %d tables, status=%v, watchers=%d", len(tables), snapshot != nil, len(targets))
		for _, w := range targets {
			w.invoke(tables, snapshot)
		}
	}
}

// Watcher is the owning handle of one registration.
type Watcher struct {
	d        *Dispatcher
	tables   map[string]struct{}
	tableFn  func([]string)
	statusFn func(status.Status)

	closed     atomic.Bool
	delivering sync.Mutex
}

// Close unregisters the watcher. It blocks until any in-flight callback
// returns, so no callback runs after Close. Idempotent. Must not be called
// from the watcher's own callback.
func (w *Watcher) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.d.mu.Lock()
	delete(w.d.watchers, w)
	w.d.mu.Unlock()
	// invoke holds delivering for the whole callback; taking it here waits
	// out any delivery already in flight.
	w.delivering.Lock()
	w.delivering.Unlock()
}

func (w *Watcher) invoke(tables []string, snapshot *status.Status) {
	w.delivering.Lock()
	defer w.delivering.Unlock()
	if w.closed.Load() {
		return
	}
	if w.statusFn != nil && snapshot != nil {
		w.statusFn(*snapshot)
		return
	}
	if w.tableFn == nil || len(tables) == 0 {
		return
	}
	var matched []string
	for _, name := range tables {
		if _, ok := w.tables[name]; ok {
			matched = append(matched, name)
		}
	}
	if len(matched) > 0 {
		w.tableFn(matched)
	}
}
