//go:build darwin

package notify

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsevents"
	"github.com/notify-rs/notify-sub000/internal"
)

// currentPID is stamped onto events FSEvents marks as OwnEvent, via the
// experimental ProcessID attribute.
var currentPID = os.Getpid()

// FSEventsWatcher is the recommended macOS backend, built on the Core
// Foundation FSEvents API via github.com/fsnotify/fsevents. FSEvents
// watches path strings rather than file descriptors, is natively
// recursive, and survives the watched path being unmounted and remounted —
// but changing its path set means restarting the whole stream, which is
// why PathsMut exists: it lets a caller batch several Watch/Unwatch calls
// into one restart instead of one per call.
type FSEventsWatcher struct {
	handler EventHandler
	cfg     Config

	mu        sync.Mutex
	stream    *fsevents.EventStream
	paths     map[string]bool // path -> recursive
	done      chan struct{}
	isClosed  bool
	devSet    bool
}

// NewFSEventsWatcher starts an FSEvents-backed Watcher. The stream isn't
// started until the first Watch call gives it a path and device.
func NewFSEventsWatcher(handler EventHandler, cfg Config) (Watcher, error) {
	w := &FSEventsWatcher{
		handler: handler,
		cfg:     cfg,
		paths:   make(map[string]bool),
		done:    make(chan struct{}),
		stream: &fsevents.EventStream{
			Latency: 0,
			Flags:   fsevents.FileEvents | fsevents.WatchRoot | fsevents.NoDefer,
		},
	}
	return w, nil
}

func (w *FSEventsWatcher) Kind() string { return "fsevents" }

func (w *FSEventsWatcher) Watch(path string, recursive bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed {
		return NewError(ErrGeneric, "watcher closed", path)
	}
	path = canonicalize(filepath.Clean(path))
	w.paths[path] = recursive
	return w.restartLocked()
}

// canonicalize deletes trailing path components that don't yet exist, then
// recomposes the path once something on disk is found — FSEvents refuses
// to accept a path it can't resolve, so a not-yet-created leaf (as when a
// caller pre-registers a path before creating it) has to be trimmed back to
// its nearest existing ancestor first.
func canonicalize(path string) string {
	cur := path
	var trimmed []string
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return path
		}
		trimmed = append(trimmed, filepath.Base(cur))
		cur = parent
	}
	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		resolved = cur
	}
	for i := len(trimmed) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, trimmed[i])
	}
	return resolved
}

func (w *FSEventsWatcher) Unwatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	path = canonicalize(filepath.Clean(path))
	if _, ok := w.paths[path]; !ok {
		return NewError(ErrWatchNotFound, "not watched", path)
	}
	delete(w.paths, path)
	return w.restartLocked()
}

// restartLocked rebuilds the stream's Paths slice from the current watch
// set and (re)starts it. fsevents.EventStream has no incremental "add path"
// operation; Start/Restart always replaces the whole set.
func (w *FSEventsWatcher) restartLocked() error {
	paths := make([]string, 0, len(w.paths))
	for p := range w.paths {
		paths = append(paths, p)
	}
	w.stream.Paths = paths

	if len(paths) == 0 {
		w.stream.Stop()
		return nil
	}

	if !w.devSet {
		dev, err := fsevents.DeviceForPath(paths[0])
		if err != nil {
			return WrapIO(err, paths[0])
		}
		w.stream.Device = dev
		w.devSet = true
		w.stream.Start()
		go w.readEvents()
	} else {
		w.stream.Restart()
	}
	return nil
}

func (w *FSEventsWatcher) fsEventsPathsBatch() PathsBatch {
	return &fsEventsBatch{w: w}
}

func (w *FSEventsWatcher) PathsMut() PathsBatch { return w.fsEventsPathsBatch() }

// fsEventsBatch accumulates Add/Remove intent and applies it as a single
// stream restart on Commit, instead of one restart per call.
type fsEventsBatch struct {
	w   *FSEventsWatcher
	add map[string]bool
	rem map[string]bool
}

func (b *fsEventsBatch) Add(path string, recursive bool) PathsBatch {
	if b.add == nil {
		b.add = make(map[string]bool)
	}
	b.add[filepath.Clean(path)] = recursive
	return b
}

func (b *fsEventsBatch) Remove(path string) PathsBatch {
	if b.rem == nil {
		b.rem = make(map[string]bool)
	}
	b.rem[filepath.Clean(path)] = true
	return b
}

func (b *fsEventsBatch) Commit() error {
	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	for p := range b.rem {
		delete(b.w.paths, p)
	}
	for p, recursive := range b.add {
		b.w.paths[p] = recursive
	}
	return b.w.restartLocked()
}

func (w *FSEventsWatcher) Configure(cfg Config) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
	return true, nil
}

func (w *FSEventsWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isClosed {
		return nil
	}
	w.isClosed = true
	w.stream.Stop()
	close(w.done)
	return nil
}

func (w *FSEventsWatcher) emit(e Event) {
	if w.cfg.EventKinds.Matches(e.Kind) {
		w.handler.Handle(EventOrError{Event: e})
	}
}

func (w *FSEventsWatcher) readEvents() {
	for {
		select {
		case <-w.done:
			return
		case batch, ok := <-w.stream.Events:
			if !ok {
				return
			}
			for _, ev := range batch {
				w.handleEvent(ev)
			}
		}
	}
}

func (w *FSEventsWatcher) isRecursiveMatch(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, recursive := range w.paths {
		if path == root {
			return true
		}
		if recursive && strings.HasPrefix(path, root+"/") {
			return true
		}
		if !recursive && filepath.Dir(path) == root {
			return true
		}
	}
	return false
}

// handleEvent translates one raw fsevents.Event into the canonical
// vocabulary. Several canonical events may come out of a single input
// event (e.g. a rename that is also an owner change), filtering out events
// for paths outside a non-recursive watch's immediate children (FSEvents
// streams are always recursive natively; non-recursion is a userspace
// filter here).
func (w *FSEventsWatcher) handleEvent(ev fsevents.Event) {
	if debugEnabled {
		internal.DebugFSEvents(ev.Path, uint32(ev.Flags))
	}

	if ev.Flags&fsevents.HistoryDone != 0 {
		return
	}

	if ev.Flags&fsevents.MustScanSubDirs != 0 {
		info := "rescan: kernel dropped"
		if ev.Flags&fsevents.UserDropped != 0 {
			info = "rescan: user dropped"
		}
		w.emit(w.stamp(ev, NewEvent(KindOther).SetFlag(FlagRescan).AddPath(ev.Path).SetInfo(info).SetSource("fsevents")))
		return
	}

	if ev.Flags&fsevents.RootChanged != 0 {
		w.emit(w.stamp(ev, NewEvent(KindModifyName(RenameFrom)).AddPath(ev.Path).SetInfo("root changed").SetSource("fsevents")))
		return
	}
	if ev.Flags&fsevents.Mount != 0 {
		w.emit(w.stamp(ev, NewEvent(KindCreate(CreateOther)).AddPath(ev.Path).SetInfo("mount").SetSource("fsevents")))
		return
	}
	if ev.Flags&fsevents.Unmount != 0 {
		w.emit(w.stamp(ev, NewEvent(KindRemove(RemoveOther)).AddPath(ev.Path).SetInfo("mount").SetSource("fsevents")))
		return
	}

	if !w.isRecursiveMatch(ev.Path) {
		return
	}

	isDir := ev.Flags&fsevents.ItemIsDir != 0
	isFile := ev.Flags&fsevents.ItemIsFile != 0
	subInfo := otherSubInfo(ev)

	if ev.Flags&fsevents.ItemCreated != 0 {
		w.emit(w.stamp(ev, createEvent(ev.Path, isDir, isFile, subInfo)))
	}
	if ev.Flags&fsevents.ItemRemoved != 0 {
		w.emit(w.stamp(ev, removeEvent(ev.Path, isDir, isFile, subInfo)))
	}
	if ev.Flags&fsevents.ItemRenamed != 0 {
		w.emit(w.stamp(ev, NewEvent(KindModifyName(RenameAny)).AddPath(ev.Path).SetSource("fsevents")))
	}
	if ev.Flags&fsevents.ItemInodeMetaMod != 0 {
		w.emit(w.stamp(ev, NewEvent(KindModifyMetadata(MetaAny)).AddPath(ev.Path).SetSource("fsevents")))
	}
	if ev.Flags&fsevents.ItemFinderInfoMod != 0 {
		w.emit(w.stamp(ev, NewEvent(KindModifyMetadata(MetaOther)).AddPath(ev.Path).SetInfo("meta: finder info").SetSource("fsevents")))
	}
	if ev.Flags&fsevents.ItemChangeOwner != 0 {
		w.emit(w.stamp(ev, NewEvent(KindModifyMetadata(MetaOwnership)).AddPath(ev.Path).SetSource("fsevents")))
	}
	if ev.Flags&fsevents.ItemXattrMod != 0 {
		w.emit(w.stamp(ev, NewEvent(KindModifyMetadata(MetaExtended)).AddPath(ev.Path).SetSource("fsevents")))
	}
	if ev.Flags&fsevents.ItemModified != 0 {
		w.emit(w.stamp(ev, NewEvent(KindModifyData(DataContent)).AddPath(ev.Path).SetSource("fsevents")))
	}
}

// stamp annotates e with the current process id when the kernel marks this
// event as having been caused by our own process (OwnEvent).
func (w *FSEventsWatcher) stamp(ev fsevents.Event, e Event) Event {
	if ev.Flags&fsevents.OwnEvent != 0 {
		e = e.SetProcessID(uint32(currentPID))
	}
	return e
}

// otherSubInfo names the specific Other disambiguator a create/remove
// carries when the item itself is neither a plain file nor a plain
// directory: a symlink, hardlink, or APFS clone.
func otherSubInfo(ev fsevents.Event) string {
	switch {
	case ev.Flags&fsevents.ItemIsSymlink != 0:
		return "is: symlink"
	case ev.Flags&fsevents.ItemIsHardlink != 0:
		return "is: hardlink"
	case ev.Flags&fsevents.ItemCloned != 0:
		return "is: clone"
	default:
		return ""
	}
}

func createEvent(path string, isDir, isFile bool, subInfo string) Event {
	var k CreateKind
	switch {
	case isDir:
		k = CreateFolder
	case isFile:
		k = CreateFile
	default:
		k = CreateOther
	}
	e := NewEvent(KindCreate(k)).AddPath(path).SetSource("fsevents")
	if k == CreateOther && subInfo != "" {
		e = e.SetInfo(subInfo)
	}
	return e
}

func removeEvent(path string, isDir, isFile bool, subInfo string) Event {
	var k RemoveKind
	switch {
	case isDir:
		k = RemoveFolder
	case isFile:
		k = RemoveFile
	default:
		k = RemoveOther
	}
	e := NewEvent(KindRemove(k)).AddPath(path).SetSource("fsevents")
	if k == RemoveOther && subInfo != "" {
		e = e.SetInfo(subInfo)
	}
	return e
}
