//go:build linux && !appengine

package notify

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/notify-rs/notify-sub000/internal"
	"golang.org/x/sys/unix"
)

// InotifyWatcher is the Linux backend, built on inotify(7). A single
// goroutine owns the inotify file descriptor and translates raw events into
// the canonical vocabulary before handing them to the configured handler.
//
// Recursion is not native to inotify: a recursive root is expanded into one
// watch per directory, and IN_CREATE|IN_ISDIR events grow the watch set on
// the fly while IN_DELETE_SELF/IN_MOVE_SELF shrink it.
type InotifyWatcher struct {
	handler EventHandler
	cfg     Config

	fd          int
	inotifyFile *os.File
	watches     *inotifyWatches

	done     chan struct{}
	doneMu   sync.Mutex
	doneResp chan struct{}

	// cookies is a small fixed-size LRU correlating a MOVED_FROM with the
	// MOVED_TO that (usually) follows it. A loop over ten entries beats a
	// map that slowly leaks when a move crosses outside the watched tree
	// and its MOVED_TO is never seen.
	cookies     [10]inotifyCookie
	cookieIndex uint8
	cookiesMu   sync.Mutex
}

type inotifyCookie struct {
	cookie uint32
	path   string
}

type (
	inotifyWatches struct {
		mu   sync.RWMutex
		wd   map[uint32]*inotifyWatch
		path map[string]uint32
	}
	inotifyWatch struct {
		wd      uint32
		flags   uint32
		path    string
		recurse bool
		isDir   bool
	}
)

func newInotifyWatches() *inotifyWatches {
	return &inotifyWatches{
		wd:   make(map[uint32]*inotifyWatch),
		path: make(map[string]uint32),
	}
}

func (w *inotifyWatches) add(ww *inotifyWatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wd[ww.wd] = ww
	w.path[ww.path] = ww.wd
}

func (w *inotifyWatches) remove(wd uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ww, ok := w.wd[wd]; ok {
		delete(w.path, ww.path)
		delete(w.wd, wd)
	}
}

func (w *inotifyWatches) removePath(path string) ([]uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	wd, ok := w.path[path]
	if !ok {
		return nil, NewError(ErrWatchNotFound, "not watched", path)
	}

	watch := w.wd[wd]
	delete(w.path, path)
	delete(w.wd, wd)
	if !watch.recurse {
		return []uint32{wd}, nil
	}

	wds := []uint32{wd}
	for p, rwd := range w.path {
		if strings.HasPrefix(p, path+string(filepath.Separator)) {
			delete(w.path, p)
			delete(w.wd, rwd)
			wds = append(wds, rwd)
		}
	}
	return wds, nil
}

func (w *inotifyWatches) byPath(path string) *inotifyWatch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wd[w.path[path]]
}

func (w *inotifyWatches) byWd(wd uint32) *inotifyWatch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wd[wd]
}

func (w *inotifyWatches) hasPath(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.path[path]
	return ok
}

func (w *inotifyWatches) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.wd)
}

const inotifyMask = unix.IN_ATTRIB | unix.IN_CREATE | unix.IN_OPEN |
	unix.IN_DELETE | unix.IN_CLOSE_WRITE | unix.IN_CLOSE_NOWRITE |
	unix.IN_MODIFY | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_ACCESS

const inotifyRootMask = inotifyMask | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

// NewInotifyWatcher starts an inotify-backed Watcher.
func NewInotifyWatcher(handler EventHandler, cfg Config) (Watcher, error) {
	fd, errno := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if fd == -1 {
		return nil, WrapIO(errno)
	}

	w := &InotifyWatcher{
		handler:     handler,
		cfg:         cfg,
		fd:          fd,
		inotifyFile: os.NewFile(uintptr(fd), ""),
		watches:     newInotifyWatches(),
		done:        make(chan struct{}),
		doneResp:    make(chan struct{}),
	}
	go w.readEvents()
	return w, nil
}

func (w *InotifyWatcher) Kind() string { return "inotify" }

func (w *InotifyWatcher) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *InotifyWatcher) emit(e Event) {
	select {
	case <-w.done:
	default:
		w.handler.Handle(EventOrError{Event: e})
	}
}

func (w *InotifyWatcher) emitErr(err error) {
	if err == nil {
		return
	}
	select {
	case <-w.done:
	default:
		w.handler.Handle(EventOrError{Err: err})
	}
}

func (w *InotifyWatcher) Watch(path string, recursive bool) error {
	if w.isClosed() {
		return NewError(ErrGeneric, "watcher closed", path)
	}
	path = filepath.Clean(path)
	fi, err := os.Lstat(path)
	if err != nil {
		return NewError(ErrPathNotFound, err.Error(), path)
	}
	// recursion only means something for a directory root.
	if !recursive || !fi.IsDir() {
		return w.register(path, inotifyRootMask, false)
	}
	return filepath.WalkDir(path, func(root string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.cfg.WatchFilter != nil && !w.cfg.WatchFilter(root) {
			return filepath.SkipDir
		}
		if root != path {
			w.emit(NewEvent(KindCreate(CreateFolder)).AddPath(root).SetSource("inotify"))
		}
		return w.register(root, inotifyRootMask, true)
	})
}

func (w *InotifyWatcher) register(path string, flags uint32, recurse bool) error {
	if existing := w.watches.byPath(path); existing != nil {
		flags |= existing.flags | unix.IN_MASK_ADD
	}
	wd, err := unix.InotifyAddWatch(w.fd, path, flags)
	if wd == -1 {
		if errors.Is(err, unix.ENOSPC) {
			return NewError(ErrMaxFilesWatch, err.Error(), path)
		}
		if errors.Is(err, unix.ENOENT) {
			return NewError(ErrPathNotFound, err.Error(), path)
		}
		return WrapIO(err, path)
	}
	info, serr := os.Lstat(path)
	isDir := serr == nil && info.IsDir()
	w.watches.add(&inotifyWatch{wd: uint32(wd), path: path, flags: flags, recurse: recurse, isDir: isDir})
	return nil
}

func (w *InotifyWatcher) Unwatch(path string) error {
	if w.isClosed() {
		return nil
	}
	return w.remove(filepath.Clean(path))
}

func (w *InotifyWatcher) remove(path string) error {
	wds, err := w.watches.removePath(path)
	if err != nil {
		return err
	}
	for _, wd := range wds {
		if _, err := unix.InotifyRmWatch(w.fd, wd); err != nil {
			return WrapIO(err, path)
		}
	}
	return nil
}

func (w *InotifyWatcher) PathsMut() PathsBatch { return newSimplePathsBatch(w) }

func (w *InotifyWatcher) Configure(cfg Config) (bool, error) {
	w.cfg = cfg
	return true, nil
}

func (w *InotifyWatcher) Close() error {
	w.doneMu.Lock()
	if w.isClosed() {
		w.doneMu.Unlock()
		return nil
	}
	close(w.done)
	w.doneMu.Unlock()

	if err := w.inotifyFile.Close(); err != nil {
		return err
	}
	<-w.doneResp
	return nil
}

func (w *InotifyWatcher) readEvents() {
	defer close(w.doneResp)

	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		if w.isClosed() {
			return
		}

		n, err := w.inotifyFile.Read(buf[:])
		switch {
		case errors.Unwrap(err) == os.ErrClosed:
			return
		case err != nil:
			w.emitErr(WrapIO(err))
			continue
		}

		if n < unix.SizeofInotifyEvent {
			var rerr error
			switch {
			case n == 0:
				rerr = io.EOF
			default:
				rerr = errors.New("notify: short read from inotify fd")
			}
			w.emitErr(WrapIO(rerr))
			continue
		}

		var offset uint32
		for offset <= uint32(n-unix.SizeofInotifyEvent) {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			mask := uint32(raw.Mask)
			nameLen := uint32(raw.Len)
			next := func() { offset += unix.SizeofInotifyEvent + nameLen }

			if mask&unix.IN_Q_OVERFLOW != 0 {
				w.emit(NewEvent(KindOther).SetFlag(FlagRescan).SetSource("inotify"))
			}

			watch := w.watches.byWd(uint32(raw.Wd))
			var name string
			if watch != nil {
				name = watch.path
			}
			if nameLen > 0 {
				bytes := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[offset+unix.SizeofInotifyEvent]))[:nameLen:nameLen]
				name += "/" + strings.TrimRight(string(bytes[0:nameLen]), "\000")
			}

			if debugEnabled {
				internal.Debug(name, raw.Mask, raw.Cookie)
			}

			if mask&unix.IN_IGNORED != 0 {
				next()
				continue
			}

			if watch != nil && mask&unix.IN_DELETE_SELF != 0 {
				w.watches.remove(watch.wd)
			}

			if watch != nil && mask&unix.IN_MOVE_SELF != 0 {
				if watch.recurse {
					next()
					continue
				}
				w.remove(watch.path)
			}

			if watch != nil && mask&unix.IN_DELETE_SELF != 0 {
				// the parent is watched too: it already saw IN_DELETE for
				// this entry, so reporting the self-delete would duplicate.
				if w.watches.hasPath(filepath.Dir(watch.path)) {
					next()
					continue
				}
			}

			isDir := mask&unix.IN_ISDIR != 0
			events, renamedFrom := w.translate(watch, name, mask, raw.Cookie, isDir)

			grow := mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0
			if watch != nil && watch.recurse && isDir && grow {
				if err := w.register(name, watch.flags, true); err != nil {
					w.emitErr(err)
				}
				if renamedFrom != "" {
					w.watches.mu.Lock()
					for k, ww := range w.watches.wd {
						if k == watch.wd || ww.path == name {
							continue
						}
						if strings.HasPrefix(ww.path, renamedFrom) {
							ww.path = strings.Replace(ww.path, renamedFrom, name, 1)
							w.watches.wd[k] = ww
						}
					}
					w.watches.mu.Unlock()
				}
			}

			for _, ev := range events {
				if w.cfg.EventKinds.Matches(ev.Kind) {
					w.emit(ev)
				}
			}
			next()
		}
	}
}

// translate converts one raw inotify mask into canonical Events, and also
// returns the rename-from path when this event completed a rename pair (used
// by the caller to re-root children of a recursively watched directory).
// A MOVED_TO whose cookie matches a stashed MOVED_FROM yields two events:
// the Modify(Name(To)) itself, then the connected Modify(Name(Both)).
func (w *InotifyWatcher) translate(watch *inotifyWatch, name string, mask uint32, cookie uint32, isDir bool) ([]Event, string) {
	switch {
	case mask&unix.IN_MOVED_FROM != 0:
		e := NewEvent(KindModifyName(RenameFrom)).AddPath(name).SetSource("inotify")
		if cookie != 0 {
			w.cookiesMu.Lock()
			w.cookies[w.cookieIndex] = inotifyCookie{cookie: cookie, path: name}
			w.cookieIndex = (w.cookieIndex + 1) % uint8(len(w.cookies))
			w.cookiesMu.Unlock()
			e = e.SetTracker(uint64(cookie))
		}
		return []Event{e}, ""

	case mask&unix.IN_MOVED_TO != 0:
		e := NewEvent(KindModifyName(RenameTo)).AddPath(name).SetSource("inotify")
		var renamedFrom string
		if cookie != 0 {
			w.cookiesMu.Lock()
			for i, c := range w.cookies {
				if c.cookie == cookie {
					renamedFrom = c.path
					w.cookies[i] = inotifyCookie{}
					break
				}
			}
			w.cookiesMu.Unlock()
			e = e.SetTracker(uint64(cookie))
		}
		events := []Event{e}
		if renamedFrom != "" {
			both := NewEvent(KindModifyName(RenameBoth)).SetSource("inotify").SetTracker(uint64(cookie))
			both.Paths = []string{renamedFrom, name}
			events = append(events, both)
		}
		return events, renamedFrom
	}

	var kind EventKind
	switch {
	case mask&unix.IN_CREATE != 0:
		if isDir {
			kind = KindCreate(CreateFolder)
		} else {
			kind = KindCreate(CreateFile)
		}
	case mask&unix.IN_DELETE != 0:
		if isDir {
			kind = KindRemove(RemoveFolder)
		} else {
			kind = KindRemove(RemoveFile)
		}
	case mask&unix.IN_DELETE_SELF != 0:
		switch {
		case watch != nil && watch.isDir:
			kind = KindRemove(RemoveFolder)
		case watch != nil:
			kind = KindRemove(RemoveFile)
		default:
			kind = KindRemove(RemoveOther)
		}
	case mask&unix.IN_MODIFY != 0:
		kind = KindModifyData(DataAny)
	case mask&unix.IN_ATTRIB != 0:
		kind = KindModifyMetadata(MetaAny)
	case mask&unix.IN_MOVE_SELF != 0:
		kind = KindModifyName(RenameFrom)
	case mask&unix.IN_OPEN != 0:
		kind = KindAccessOpen(ModeAny)
	case mask&unix.IN_ACCESS != 0:
		kind = KindAccessRead()
	case mask&unix.IN_CLOSE_WRITE != 0:
		kind = KindAccessClose(ModeWrite)
	case mask&unix.IN_CLOSE_NOWRITE != 0:
		kind = KindAccessClose(ModeRead)
	default:
		kind = KindOther
	}
	return []Event{NewEvent(kind).AddPath(name).SetSource("inotify")}, ""
}
