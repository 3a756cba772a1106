package notify

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// timeNow is a seam for tests: production code always uses time.Now, but
// the debouncer's timeout math is otherwise untestable without sleeping in
// lockstep with a 50ms window, which makes for a flaky suite.
var timeNow = time.Now

// DebouncedEvent is an Event stamped with the time it was enqueued, used
// to decide when it has aged past the debounce timeout.
type DebouncedEvent struct {
	Event
	Time time.Time
}

// DebounceResult is what a DebounceEventHandler receives: exactly one of
// Events or Errors is populated per call, mirroring the two-sided
// Result<Vec<Event>, Vec<Error>> the original emits once per tick.
type DebounceResult struct {
	Events []DebouncedEvent
	Errors []error
}

// DebounceEventHandler receives debounced batches. A plain function
// satisfies it via DebounceHandlerFunc, the same shape HandlerFunc gives
// the raw EventHandler.
type DebounceEventHandler interface {
	HandleDebounce(DebounceResult)
}

type DebounceHandlerFunc func(DebounceResult)

func (f DebounceHandlerFunc) HandleDebounce(r DebounceResult) { f(r) }

type debounceRoot struct {
	Path      string
	Recursive RecursiveMode
}

// queue is a path's pending events: a leading remove/move-out, then a
// rename, then arrival-order everything else.
type queue struct {
	events []DebouncedEvent
}

func (q *queue) front() *DebouncedEvent {
	if len(q.events) == 0 {
		return nil
	}
	return &q.events[0]
}

// wasCreated reports whether this queue's first event means the path came
// into being during this window: either a Create, or the destination side
// of an already-connected rename.
func (q *queue) wasCreated() bool {
	e := q.front()
	if e == nil {
		return false
	}
	return e.IsCreate() || (e.IsModify() && e.Kind.Modify.Variant == ModifyName && e.Kind.Modify.Name == RenameTo)
}

// wasRemoved reports whether this queue's first event means the path left
// during this window: either a Remove, or the source side of a rename.
func (q *queue) wasRemoved() bool {
	e := q.front()
	if e == nil {
		return false
	}
	return e.IsRemove() || (e.IsModify() && e.Kind.Modify.Variant == ModifyName && e.Kind.Modify.Name == RenameFrom)
}

type renameStash struct {
	event  DebouncedEvent
	fileID FileID
	hasID  bool
}

// debounceData is the mutex-protected core of the debouncer: it owns every
// per-path queue plus the cross-path rename/rescan slots, and
// is shared between the backend's delivering goroutine (add_event/add_error)
// and the ticking goroutine (debouncedEvents/drainErrors).
type debounceData struct {
	mu    sync.Mutex
	queues map[string]*queue
	roots  []debounceRoot
	cache  FileIdCache

	renameEvent *renameStash
	rescanEvent *DebouncedEvent
	errs        []error
	timeout     time.Duration
}

func newDebounceData(cache FileIdCache, timeout time.Duration) *debounceData {
	return &debounceData{
		queues:  make(map[string]*queue),
		cache:   cache,
		timeout: timeout,
	}
}

func (d *debounceData) addRoot(path string, mode RecursiveMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.roots {
		if r.Path == path {
			return
		}
	}
	d.roots = append(d.roots, debounceRoot{Path: path, Recursive: mode})
	d.cache.AddPath(path, mode)
}

func (d *debounceData) removeRoot(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.roots[:0]
	for _, r := range d.roots {
		if !isUnderOrEqual(r.Path, path) {
			kept = append(kept, r)
		}
	}
	d.roots = kept
	d.cache.RemovePath(path)
}

// isUnderOrEqual reports whether child is root itself or a strict
// descendant of it, honoring path component boundaries (so "/a2" is not
// considered under "/a").
func isUnderOrEqual(child, root string) bool {
	child, root = filepath.Clean(child), filepath.Clean(root)
	if child == root {
		return true
	}
	rel, err := filepath.Rel(root, child)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == filepath.Separator)
}

func (d *debounceData) recursiveMode(path string) RecursiveMode {
	for _, r := range d.roots {
		if isUnderOrEqual(path, r.Path) {
			return r.Recursive
		}
	}
	return NonRecursive
}

// AddError queues an error for the next tick's error batch.
func (d *debounceData) AddError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *debounceData) drainErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) == 0 {
		return nil
	}
	errs := d.errs
	d.errs = nil
	return errs
}

// AddEvent dispatches a raw event into the per-path queue discipline.
func (d *debounceData) AddEvent(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e.NeedRescan() {
		d.cache.Rescan(d.roots)
		ev := DebouncedEvent{Event: e, Time: timeNow()}
		d.rescanEvent = &ev
		return
	}

	if len(e.Paths) == 0 {
		return
	}
	path := e.Paths[0]

	switch {
	case e.IsCreate():
		d.cache.AddPath(path, d.recursiveMode(path))
		d.pushEvent(e, timeNow())

	case e.IsModify() && e.Kind.Modify.Variant == ModifyName:
		switch e.Kind.Modify.Name {
		case RenameAny:
			if pathExists(path) {
				d.handleRenameTo(e)
			} else {
				d.handleRenameFrom(e)
			}
		case RenameTo:
			d.handleRenameTo(e)
		case RenameFrom:
			d.handleRenameFrom(e)
		case RenameBoth, RenameOther:
			// Both is synthesized by handleRenameTo itself; a raw Both or
			// Other from a backend carries nothing the From/To pair didn't
			// already provide.
		}

	case e.IsRemove():
		d.pushRemoveEvent(e, timeNow())

	case e.IsOther():
		// meta event, not a queueable change.

	default:
		if _, ok := d.cache.CachedFileID(path); !ok {
			d.cache.AddPath(path, d.recursiveMode(path))
		}
		d.pushEvent(e, timeNow())
	}
}

func (d *debounceData) handleRenameFrom(e Event) {
	t := timeNow()
	path := e.Paths[0]

	fileID, hasID := d.cache.CachedFileID(path)
	if !e.Attrs.HasTracker && hasID {
		// FSEvents and kqueue report renames with no cookie; stamp one
		// ourselves so the pair this stash eventually joins with carries
		// a Tracker an API consumer can rely on, same as an
		// inotify-sourced rename would.
		e = e.SetTracker(syntheticFileIDTracker())
	}
	d.renameEvent = &renameStash{event: DebouncedEvent{Event: e, Time: t}, fileID: fileID, hasID: hasID}
	d.cache.RemovePath(path)
	d.pushEvent(e, t)
}

// syntheticFileIDTracker generates a correlation id for the rename stash to
// hand out when the backend itself issued no cookie. It only needs to be
// distinct per rename, not cryptographically unique, so folding a random
// UUID down to a uint64 is sufficient.
func syntheticFileIDTracker() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func (d *debounceData) handleRenameTo(e Event) {
	destPath := e.Paths[0]
	d.cache.AddPath(destPath, d.recursiveMode(destPath))

	trackersMatch := d.renameEvent != nil && d.renameEvent.event.Attrs.HasTracker &&
		e.Attrs.HasTracker && d.renameEvent.event.Attrs.Tracker == e.Attrs.Tracker

	fileIDsMatch := false
	if d.renameEvent != nil && d.renameEvent.hasID {
		if toID, ok := d.cache.CachedFileID(destPath); ok {
			fileIDsMatch = toID == d.renameEvent.fileID
		}
	}

	if trackersMatch || fileIDsMatch {
		re := d.renameEvent
		origPath := re.event.Paths[0]
		if !e.Attrs.HasTracker && re.event.Attrs.HasTracker {
			e = e.SetTracker(re.event.Attrs.Tracker)
		}
		d.pushRenameEvent(origPath, e, re.event.Time)
	} else {
		d.pushEvent(e, timeNow())
	}
	d.renameEvent = nil
}

// pushRenameEvent connects a stashed From at path with the To event,
// splicing the source queue onto the destination and, if needed, a
// synthetic Modify(Name(Both)) to join the two halves of the rename.
func (d *debounceData) pushRenameEvent(path string, to Event, fromTime time.Time) {
	d.cache.RemovePath(path)
	dest := to.Paths[0]

	src, ok := d.queues[path]
	delete(d.queues, path)
	if !ok {
		src = &queue{}
	}

	// drop the trailing From event we pushed when the From side arrived.
	if n := len(src.events); n > 0 {
		src.events = src.events[:n-1]
	}

	originalPath, originalTime := path, fromTime
	for i, ev := range src.events {
		if ev.IsModify() && ev.Kind.Modify.Variant == ModifyName && ev.Kind.Modify.Name == RenameBoth {
			originalPath, originalTime = ev.Paths[0], ev.Time
			src.events = append(src.events[:i], src.events[i+1:]...)
			break
		}
	}

	// split off a leading remove/move-out and re-home it under its own path.
	if src.wasRemoved() {
		splitOff := src.events[0]
		src.events = src.events[1:]
		d.queues[splitOff.Paths[0]] = &queue{events: []DebouncedEvent{splitOff}}
	}

	for i := range src.events {
		src.events[i].Paths = []string{dest}
	}

	if !src.wasCreated() {
		both := DebouncedEvent{
			Event: Event{
				Kind:  KindModifyName(RenameBoth),
				Paths: []string{originalPath, dest},
				Attrs: to.Attrs,
			},
			Time: originalTime,
		}
		src.events = append([]DebouncedEvent{both}, src.events...)
	}

	if target, ok := d.queues[dest]; ok && !target.wasCreated() {
		rm := Event{Kind: KindRemove(RemoveAny), Paths: []string{dest}}
		if !target.wasRemoved() {
			rm = rm.SetInfo("override")
		}
		src.events = append([]DebouncedEvent{{Event: rm, Time: originalTime}}, src.events...)
	}

	d.queues[dest] = src
}

// pushRemoveEvent: a created-then-removed path vanishes entirely;
// otherwise the queue collapses to the single remove event, and every
// queue strictly under a removed directory is dropped.
func (d *debounceData) pushRemoveEvent(e Event, t time.Time) {
	path := e.Paths[0]

	for p := range d.queues {
		if p != path && isUnderOrEqual(p, path) {
			delete(d.queues, p)
		}
	}
	d.cache.RemovePath(path)

	q, ok := d.queues[path]
	switch {
	case ok && q.wasCreated():
		delete(d.queues, path)
	case ok:
		q.events = []DebouncedEvent{{Event: e, Time: t}}
	default:
		d.pushEvent(e, t)
	}
}

// pushEvent appends e to its path's queue, suppressing a duplicate
// create or a write-after-create that adds no information.
func (d *debounceData) pushEvent(e Event, t time.Time) {
	path := e.Paths[0]
	q, ok := d.queues[path]
	if !ok {
		d.queues[path] = &queue{events: []DebouncedEvent{{Event: e, Time: t}}}
		return
	}

	suppress := false
	if e.IsCreate() {
		suppress = q.wasCreated()
	} else if e.IsModify() {
		switch e.Kind.Modify.Variant {
		case ModifyAny, ModifyData, ModifyMetadata, ModifyOther:
			suppress = q.wasCreated()
		}
	}
	if !suppress {
		q.events = append(q.events, DebouncedEvent{Event: e, Time: t})
	}
}

// debouncedEvents drains everything aged past timeout, collapsing
// consecutive same-kind duplicates within a path, and returns the result in
// cross-path chronological order (ties broken per-path arrival order).
func (d *debounceData) debouncedEvents() []DebouncedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := timeNow()
	var expired []DebouncedEvent

	if d.rescanEvent != nil {
		if now.Sub(d.rescanEvent.Time) >= d.timeout {
			expired = append(expired, *d.rescanEvent)
			d.rescanEvent = nil
		}
	}

	remaining := make(map[string]*queue, len(d.queues))
	for path, q := range d.queues {
		start := len(expired)
		i := 0
		for ; i < len(q.events); i++ {
			ev := q.events[i]
			if now.Sub(ev.Time) < d.timeout {
				break
			}
			if n := len(expired); n > start && expired[n-1].Kind == ev.Kind {
				expired = expired[:n-1]
			}
			expired = append(expired, ev)
		}
		if rest := q.events[i:]; len(rest) > 0 {
			remaining[path] = &queue{events: rest}
		}
	}
	d.queues = remaining

	return sortDebouncedEvents(expired)
}

// pathGroup is one bucket of sortDebouncedEvents' min-heap: all pending
// expired events that share a last path, in arrival order.
type pathGroup struct {
	path   string
	events []DebouncedEvent
}

type groupHeap []*pathGroup

func (h groupHeap) Len() int { return len(h) }
func (h groupHeap) Less(i, j int) bool {
	ti, tj := h[i].events[0].Time, h[j].events[0].Time
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return h[i].path < h[j].path
}
func (h groupHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *groupHeap) Push(x any)        { *h = append(*h, x.(*pathGroup)) }
func (h *groupHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// sortDebouncedEvents orders events so that events for the same path stay
// in arrival order, while events for different paths appear in
// non-decreasing order of their queue-head time.
func sortDebouncedEvents(events []DebouncedEvent) []DebouncedEvent {
	if len(events) == 0 {
		return nil
	}

	byPath := make(map[string][]DebouncedEvent)
	var order []string
	for _, e := range events {
		last := ""
		if len(e.Paths) > 0 {
			last = e.Paths[len(e.Paths)-1]
		}
		if _, ok := byPath[last]; !ok {
			order = append(order, last)
		}
		byPath[last] = append(byPath[last], e)
	}

	h := make(groupHeap, 0, len(order))
	for _, p := range order {
		h = append(h, &pathGroup{path: p, events: byPath[p]})
	}
	heap.Init(&h)

	sorted := make([]DebouncedEvent, 0, len(events))
	for h.Len() > 0 {
		g := h[0]
		minTime := g.events[0].Time
		i := 0
		for ; i < len(g.events) && !g.events[i].Time.After(minTime); i++ {
			sorted = append(sorted, g.events[i])
		}
		g.events = g.events[i:]
		if len(g.events) == 0 {
			heap.Pop(&h)
		} else {
			heap.Fix(&h, 0)
		}
	}
	return sorted
}

// Debouncer wraps a Watcher and reduces its raw event stream into
// deduplicated, time-ordered batches delivered to a DebounceEventHandler.
// Dropping it (Close) stops both the tick goroutine and the underlying
// Watcher.
type Debouncer struct {
	watcher Watcher
	handler DebounceEventHandler
	data    *debounceData

	done     chan struct{}
	doneResp chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// NewDebouncer builds a Debouncer around the platform-recommended Watcher,
// using a stat-backed FileIdMap for rename correlation. tickRate of zero
// selects timeout/4.
func NewDebouncer(timeout, tickRate time.Duration, handler DebounceEventHandler) (*Debouncer, error) {
	return NewDebouncerOpt(timeout, tickRate, handler, NewFileIdMap(), New, DefaultConfig())
}

// NewDebouncerOpt is the fully-parameterized constructor: caller supplies
// the FileIdCache, the backend constructor (so tests can use PollWatcher or
// a fake), and the Config passed to it.
func NewDebouncerOpt(
	timeout, tickRate time.Duration,
	handler DebounceEventHandler,
	cache FileIdCache,
	newWatcher func(EventHandler, Config) (Watcher, error),
	cfg Config,
) (*Debouncer, error) {
	if tickRate <= 0 {
		tickRate = timeout / 4
	} else if tickRate > timeout {
		return nil, NewError(ErrInvalidConfig, fmt.Sprintf("tick rate %s > timeout %s", tickRate, timeout))
	}

	data := newDebounceData(cache, timeout)
	deb := &Debouncer{
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

func (d *Debouncer) tick(rate time.Duration) {
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
				d.handler.HandleDebounce(DebounceResult{Events: events})
			}
			if len(errs) > 0 {
				d.handler.HandleDebounce(DebounceResult{Errors: errs})
			}
		}
	}
}

// Watch adds path (recursively or not) to the underlying Watcher and
// registers it as a debounce root.
func (d *Debouncer) Watch(path string, recursive bool) error {
	if err := d.watcher.Watch(path, recursive); err != nil {
		return err
	}
	mode := NonRecursive
	if recursive {
		mode = Recursive
	}
	d.data.addRoot(filepath.Clean(path), mode)
	return nil
}

// Unwatch removes path from both the Watcher and the debounce roots.
func (d *Debouncer) Unwatch(path string) error {
	if err := d.watcher.Unwatch(path); err != nil {
		return err
	}
	d.data.removeRoot(filepath.Clean(path))
	return nil
}

// Configure forwards to the underlying Watcher.
func (d *Debouncer) Configure(cfg Config) (bool, error) { return d.watcher.Configure(cfg) }

// Kind identifies the underlying Watcher's backend.
func (d *Debouncer) Kind() string { return d.watcher.Kind() }

// Close stops the tick goroutine and the underlying Watcher, waiting for
// both to finish.
func (d *Debouncer) Close() error {
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

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
