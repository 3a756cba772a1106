package notify

import (
	"fmt"
	"sync"
	"time"
)

// MiniDebouncedKind distinguishes a quiescent path from one that's still
// being written to when its timeout expires.
type MiniDebouncedKind uint8

const (
	// MiniAny means no more events arrived for timeout before this fired.
	MiniAny MiniDebouncedKind = iota
	// MiniAnyContinuous means events are still arriving for this path —
	// it has been in the map longer than timeout, but was updated more
	// recently than that.
	MiniAnyContinuous
)

func (k MiniDebouncedKind) String() string {
	if k == MiniAnyContinuous {
		return "any-continuous"
	}
	return "any"
}

// MiniDebouncedEvent is the mini debouncer's deliberately coarse output: it
// doesn't distinguish create/modify/remove, only "something happened here"
// versus "something is still happening here".
type MiniDebouncedEvent struct {
	Path string
	Kind MiniDebouncedKind
}

// MiniDebounceResult is what a MiniDebounceEventHandler receives; exactly
// one of Events or Errors is populated per call.
type MiniDebounceResult struct {
	Events []MiniDebouncedEvent
	Errors []error
}

type MiniDebounceEventHandler interface {
	HandleDebounce(MiniDebounceResult)
}

type MiniDebounceHandlerFunc func(MiniDebounceResult)

func (f MiniDebounceHandlerFunc) HandleDebounce(r MiniDebounceResult) { f(r) }

type miniEventData struct {
	insert time.Time
	update time.Time
}

// miniDebounceData tracks, per path, only when it was first and most
// recently touched — no rename correlation, no per-path queue, just two
// timestamps.
type miniDebounceData struct {
	mu      sync.Mutex
	paths   map[string]*miniEventData
	errs    []error
	timeout time.Duration
}

func newMiniDebounceData(timeout time.Duration) *miniDebounceData {
	return &miniDebounceData{paths: make(map[string]*miniEventData), timeout: timeout}
}

func (d *miniDebounceData) AddError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *miniDebounceData) drainErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) == 0 {
		return nil
	}
	errs := d.errs
	d.errs = nil
	return errs
}

// AddEvent stamps every path the raw event touches with the current time,
// starting its insert/update pair if this is the first event seen for it.
func (d *miniDebounceData) AddEvent(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := timeNow()
	for _, path := range e.Paths {
		if v, ok := d.paths[path]; ok {
			v.update = now
		} else {
			d.paths[path] = &miniEventData{insert: now, update: now}
		}
	}
}

// debouncedEvents fires MiniAny for a path that's gone quiet (no update in
// timeout) and MiniAnyContinuous for one still being written to (inserted
// longer than timeout ago, but updated more recently), matching the
// original's elapsed-since-update vs elapsed-since-insert comparison.
func (d *miniDebounceData) debouncedEvents() []MiniDebouncedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := timeNow()
	var expired []MiniDebouncedEvent
	remaining := make(map[string]*miniEventData, len(d.paths))

	for path, v := range d.paths {
		switch {
		case now.Sub(v.update) >= d.timeout:
			expired = append(expired, MiniDebouncedEvent{Path: path, Kind: MiniAny})
		case now.Sub(v.insert) >= d.timeout:
			remaining[path] = v
			expired = append(expired, MiniDebouncedEvent{Path: path, Kind: MiniAnyContinuous})
		default:
			remaining[path] = v
		}
	}
	d.paths = remaining
	return expired
}

// MiniDebouncer is the lightweight alternative to Debouncer: it reports
// only that a path changed, not how, and never attempts rename
// correlation, trading precision for a much smaller state machine.
type MiniDebouncer struct {
	watcher Watcher
	handler MiniDebounceEventHandler
	data    *miniDebounceData

	done     chan struct{}
	doneResp chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// NewMiniDebouncer builds a MiniDebouncer around the platform-recommended
// Watcher.
func NewMiniDebouncer(timeout, tickRate time.Duration, handler MiniDebounceEventHandler) (*MiniDebouncer, error) {
	return NewMiniDebouncerOpt(timeout, tickRate, handler, New, DefaultConfig())
}

// NewMiniDebouncerOpt is the fully-parameterized constructor.
func NewMiniDebouncerOpt(
	timeout, tickRate time.Duration,
	handler MiniDebounceEventHandler,
	newWatcher func(EventHandler, Config) (Watcher, error),
	cfg Config,
) (*MiniDebouncer, error) {
	if tickRate <= 0 {
		tickRate = timeout / 4
	} else if tickRate > timeout {
		return nil, NewError(ErrInvalidConfig, fmt.Sprintf("tick rate %s > timeout %s", tickRate, timeout))
	}

	data := newMiniDebounceData(timeout)
	deb := &MiniDebouncer{
		handler:  handler,
		data:     data,
		done:     make(chan struct{}),
		doneResp: make(chan struct{}),
	}

	watcher, err := newWatcher(HandlerFunc(func(eoe EventOrError) {
		if eoe.Err != nil {
			data.AddError(eoe.Err)
		} else {
			data.AddEvent(eoe.Event)
		}
	}), cfg)
	if err != nil {
		return nil, err
	}
	deb.watcher = watcher

	go deb.tick(tickRate)
	return deb, nil
}

func (d *MiniDebouncer) tick(rate time.Duration) {
	defer close(d.doneResp)
	t := time.NewTicker(rate)
	defer t.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-t.C:
			events := d.data.debouncedEvents()
			errs := d.data.drainErrors()
			if len(events) > 0 {
				d.handler.HandleDebounce(MiniDebounceResult{Events: events})
			}
			if len(errs) > 0 {
				d.handler.HandleDebounce(MiniDebounceResult{Errors: errs})
			}
		}
	}
}

// Watcher exposes the underlying Watcher for direct Watch/Unwatch calls,
// matching the original's `debouncer.watcher()` accessor.
func (d *MiniDebouncer) Watcher() Watcher { return d.watcher }

// Close stops the tick goroutine and the underlying Watcher.
func (d *MiniDebouncer) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	d.closeMu.Unlock()

	close(d.done)
	<-d.doneResp
	return d.watcher.Close()
}
