//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package notify

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/notify-rs/notify-sub000/internal"
	"golang.org/x/sys/unix"
)

// KqueueWatcher is the kqueue(2) backend used on the BSDs (and available on
// macOS as an alternative to the recommended FSEvents backend).
//
// kqueue has no native recursion and no native "this directory gained a
// file" event: EVFILT_VNODE watches one file descriptor per file, and a
// NOTE_WRITE on a directory means "diff it and see what changed". Every
// directory watch therefore also watches its immediate children, mimicking
// what inotify gives for free.
type KqueueWatcher struct {
	handler EventHandler
	cfg     Config

	kq        int
	closepipe [2]int
	watches   *kqueueWatches
	done      chan struct{}
	doneMu    sync.Mutex
}

type (
	kqueueWatches struct {
		mu     sync.RWMutex
		wd     map[int]kqueueWatch
		path   map[string]int
		byDir  map[string]map[int]struct{}
		seen   map[string]struct{}
		byUser map[string]struct{}
	}
	kqueueWatch struct {
		wd       int
		name     string
		linkName string
		isDir    bool
		dirFlags uint32
	}
)

func newKqueueWatches() *kqueueWatches {
	return &kqueueWatches{
		wd:     make(map[int]kqueueWatch),
		path:   make(map[string]int),
		byDir:  make(map[string]map[int]struct{}),
		seen:   make(map[string]struct{}),
		byUser: make(map[string]struct{}),
	}
}

func (w *kqueueWatches) listPaths(userOnly bool) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if userOnly {
		l := make([]string, 0, len(w.byUser))
		for p := range w.byUser {
			l = append(l, p)
		}
		return l
	}
	l := make([]string, 0, len(w.path))
	for p := range w.path {
		l = append(l, p)
	}
	return l
}

func (w *kqueueWatches) watchesInDir(path string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	l := make([]string, 0, 4)
	for fd := range w.byDir[path] {
		info := w.wd[fd]
		if _, ok := w.byUser[info.name]; !ok {
			l = append(l, info.name)
		}
	}
	return l
}

func (w *kqueueWatches) addUserWatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byUser[path] = struct{}{}
}

func (w *kqueueWatches) addLink(path string, fd int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.path[path] = fd
	w.seen[path] = struct{}{}
}

func (w *kqueueWatches) add(path, linkPath string, fd int, isDir bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.path[path] = fd
	w.wd[fd] = kqueueWatch{wd: fd, name: path, linkName: linkPath, isDir: isDir}
	parent := filepath.Dir(path)
	byDir, ok := w.byDir[parent]
	if !ok {
		byDir = make(map[int]struct{}, 1)
		w.byDir[parent] = byDir
	}
	byDir[fd] = struct{}{}
}

func (w *kqueueWatches) byWd(fd int) (kqueueWatch, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	info, ok := w.wd[fd]
	return info, ok
}

func (w *kqueueWatches) byPath(path string) (kqueueWatch, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	info, ok := w.wd[w.path[path]]
	return info, ok
}

func (w *kqueueWatches) updateDirFlags(path string, flags uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fd := w.path[path]
	info := w.wd[fd]
	info.dirFlags = flags
	w.wd[fd] = info
}

func (w *kqueueWatches) remove(fd int, path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	isDir := w.wd[fd].isDir
	delete(w.path, path)
	delete(w.byUser, path)
	parent := filepath.Dir(path)
	delete(w.byDir[parent], fd)
	if len(w.byDir[parent]) == 0 {
		delete(w.byDir, parent)
	}
	delete(w.wd, fd)
	delete(w.seen, path)
	return isDir
}

func (w *kqueueWatches) markSeen(path string, exists bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if exists {
		w.seen[path] = struct{}{}
	} else {
		delete(w.seen, path)
	}
}

func (w *kqueueWatches) seenBefore(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.seen[path]
	return ok
}

const noteAllEvents = unix.NOTE_DELETE | unix.NOTE_WRITE | unix.NOTE_EXTEND |
	unix.NOTE_ATTRIB | unix.NOTE_LINK | unix.NOTE_RENAME | unix.NOTE_REVOKE

// NewKqueueWatcher starts a kqueue-backed Watcher.
func NewKqueueWatcher(handler EventHandler, cfg Config) (Watcher, error) {
	kq, closepipe, err := newKqueue()
	if err != nil {
		return nil, WrapIO(err)
	}
	w := &KqueueWatcher{
		handler:   handler,
		cfg:       cfg,
		kq:        kq,
		closepipe: closepipe,
		done:      make(chan struct{}),
		watches:   newKqueueWatches(),
	}
	go w.readEvents()
	return w, nil
}

func newKqueue() (kq int, closepipe [2]int, err error) {
	kq, err = unix.Kqueue()
	if kq == -1 {
		return kq, closepipe, err
	}
	if err = unix.Pipe(closepipe[:]); err != nil {
		unix.Close(kq)
		return kq, closepipe, err
	}
	unix.CloseOnExec(closepipe[0])
	unix.CloseOnExec(closepipe[1])

	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], closepipe[0], unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT)
	ok, err := unix.Kevent(kq, changes, nil, nil)
	if ok == -1 {
		unix.Close(kq)
		unix.Close(closepipe[0])
		unix.Close(closepipe[1])
		return kq, closepipe, err
	}
	return kq, closepipe, nil
}

func (w *KqueueWatcher) Kind() string { return "kqueue" }

func (w *KqueueWatcher) isClosed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *KqueueWatcher) emit(e Event) {
	if w.cfg.EventKinds.Matches(e.Kind) {
		w.handler.Handle(EventOrError{Event: e})
	}
}

func (w *KqueueWatcher) emitErr(err error) {
	if err != nil {
		w.handler.Handle(EventOrError{Err: err})
	}
}

func (w *KqueueWatcher) Watch(path string, recursive bool) error {
	if w.isClosed() {
		return NewError(ErrGeneric, "watcher closed", path)
	}
	path = filepath.Clean(path)
	fi, err := os.Lstat(path)
	if err != nil {
		return NewError(ErrPathNotFound, err.Error(), path)
	}
	w.watches.addUserWatch(path)
	if !recursive || !fi.IsDir() {
		_, err := w.addWatch(path, noteAllEvents)
		return err
	}
	return filepath.WalkDir(path, func(root string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.cfg.WatchFilter != nil && !w.cfg.WatchFilter(root) {
			return filepath.SkipDir
		}
		_, err = w.addWatch(root, noteAllEvents|unix.NOTE_DELETE|unix.NOTE_RENAME)
		return err
	})
}

func (w *KqueueWatcher) Unwatch(path string) error {
	if w.isClosed() {
		return nil
	}
	return w.remove(path, true)
}

// remove is also Close's teardown path, so unlike Unwatch it must keep
// working after done is closed.
func (w *KqueueWatcher) remove(name string, unwatchFiles bool) error {
	name = filepath.Clean(name)
	info, ok := w.watches.byPath(name)
	if !ok {
		return NewError(ErrWatchNotFound, "not watched", name)
	}
	if err := w.register([]int{info.wd}, unix.EV_DELETE, 0); err != nil {
		return WrapIO(err, name)
	}
	unix.Close(info.wd)
	isDir := w.watches.remove(info.wd, name)

	if unwatchFiles && isDir {
		for _, child := range w.watches.watchesInDir(name) {
			w.remove(child, false)
		}
	}
	return nil
}

func (w *KqueueWatcher) PathsMut() PathsBatch { return newSimplePathsBatch(w) }

func (w *KqueueWatcher) Configure(cfg Config) (bool, error) {
	w.cfg = cfg
	return true, nil
}

func (w *KqueueWatcher) Close() error {
	w.doneMu.Lock()
	if w.isClosed() {
		w.doneMu.Unlock()
		return nil
	}
	close(w.done)
	w.doneMu.Unlock()

	for _, name := range w.watches.listPaths(false) {
		w.remove(name, true)
	}
	unix.Close(w.closepipe[1])
	return nil
}

// addWatch adds name to the watched file set, following symlinks if
// configured, opening a descriptor, and registering it with kevent.
func (w *KqueueWatcher) addWatch(name string, flags uint32) (string, error) {
	if w.isClosed() {
		return "", NewError(ErrGeneric, "watcher closed", name)
	}
	name = filepath.Clean(name)

	info, alreadyWatching := w.watches.byPath(name)
	if !alreadyWatching {
		fi, err := os.Lstat(name)
		if err != nil {
			return "", NewError(ErrPathNotFound, err.Error(), name)
		}
		if fi.Mode()&os.ModeSocket != 0 || fi.Mode()&os.ModeNamedPipe != 0 {
			return "", nil
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(name)
			if err != nil {
				return "", nil
			}
			if _, already := w.watches.byPath(link); already {
				w.watches.addLink(name, 0)
				return link, nil
			}
			info.linkName = name
			name = link
			fi, err = os.Lstat(name)
			if err != nil {
				return "", nil
			}
		}

		var err error
		for {
			info.wd, err = unix.Open(name, openMode, 0)
			if err == nil {
				break
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return "", WrapIO(err, name)
		}
		info.isDir = fi.IsDir()
	}

	if err := w.register([]int{info.wd}, unix.EV_ADD|unix.EV_CLEAR|unix.EV_ENABLE, flags); err != nil {
		unix.Close(info.wd)
		return "", WrapIO(err, name)
	}
	if !alreadyWatching {
		w.watches.add(name, info.linkName, info.wd, info.isDir)
	}

	if info.isDir {
		watchDir := flags&unix.NOTE_WRITE != 0 &&
			(!alreadyWatching || info.dirFlags&unix.NOTE_WRITE == 0)
		w.watches.updateDirFlags(name, flags)
		if watchDir {
			if err := w.watchDirectoryFiles(name); err != nil {
				return "", err
			}
		}
	}
	return name, nil
}

func (w *KqueueWatcher) register(fds []int, flags int, fflags uint32) error {
	changes := make([]unix.Kevent_t, len(fds))
	for i, fd := range fds {
		unix.SetKevent(&changes[i], fd, unix.EVFILT_VNODE, flags)
		changes[i].Fflags = fflags
	}
	success, err := unix.Kevent(w.kq, changes, nil, nil)
	if success == -1 {
		return err
	}
	return nil
}

func (w *KqueueWatcher) read(events []unix.Kevent_t) ([]unix.Kevent_t, error) {
	n, err := unix.Kevent(w.kq, nil, events, nil)
	if err != nil {
		return nil, err
	}
	return events[0:n], nil
}

func (w *KqueueWatcher) readEvents() {
	defer func() {
		unix.Close(w.kq)
		unix.Close(w.closepipe[0])
	}()

	eventBuffer := make([]unix.Kevent_t, 10)
	for {
		kevents, err := w.read(eventBuffer)
		if err != nil && err != unix.EINTR {
			w.emitErr(WrapIO(err))
		}

		for _, kevent := range kevents {
			wd := int(kevent.Ident)
			mask := uint32(kevent.Fflags)

			if wd == w.closepipe[0] {
				return
			}

			path, ok := w.watches.byWd(wd)
			if debugEnabled {
				internal.Debug(path.name, &kevent)
			}

			if !ok && kevent.Ident == 0 && runtime.GOOS == "darwin" {
				continue
			}

			event := w.translate(path.name, path.linkName, mask)

			if event.IsRemove() || event.IsModify() && event.Kind.Modify.Variant == ModifyName {
				w.remove(event.Paths[0], false)
				w.watches.markSeen(event.Paths[0], false)
			}

			if mask&unix.NOTE_LINK != 0 && path.isDir {
				// the hard-link count changed: children may have appeared
				// or vanished without a write on the directory itself, so
				// re-register to re-discover them. Expensive, but kqueue
				// offers no narrower signal.
				flags := path.dirFlags
				w.remove(path.name, false)
				if _, err := w.addWatch(path.name, flags|unix.NOTE_DELETE|unix.NOTE_RENAME); err != nil {
					w.emitErr(err)
				}
			}

			if path.isDir && event.IsModify() && event.Kind.Modify.Variant == ModifyData {
				w.dirChange(event.Paths[0])
			} else {
				w.emit(event)
			}

			if event.IsRemove() {
				if path.isDir {
					fileDir := filepath.Clean(event.Paths[0])
					if _, found := w.watches.byPath(fileDir); found {
						w.dirChange(fileDir)
					}
				} else {
					p := filepath.Clean(event.Paths[0])
					if fi, err := os.Lstat(p); err == nil {
						w.sendCreateIfNew(p, fi)
					}
				}
			}
		}
	}
}

// translate converts a raw kevent Fflags mask into a canonical Event. A
// simultaneous delete+write collapses to just the delete: a file that's
// gone is gone, reporting a data change for it is misleading.
func (w *KqueueWatcher) translate(name, linkName string, mask uint32) Event {
	path := name
	if linkName != "" {
		path = linkName
	}

	var kind EventKind
	switch {
	case mask&unix.NOTE_DELETE != 0:
		// kqueue doesn't say whether the deleted entity was a file or a
		// directory; tracking that ourselves isn't worth the bookkeeping.
		kind = KindRemove(RemoveAny)
	case mask&unix.NOTE_REVOKE != 0:
		kind = KindRemove(RemoveAny)
	case mask&unix.NOTE_RENAME != 0:
		// kqueue never reports the destination, so this can't be a From
		// half of a pair anyone will complete.
		kind = KindModifyName(RenameAny)
	case mask&unix.NOTE_EXTEND != 0:
		kind = KindModifyData(DataSize)
	case mask&unix.NOTE_WRITE != 0:
		kind = KindModifyData(DataAny)
	case mask&unix.NOTE_LINK != 0:
		kind = KindModifyAny()
	case mask&unix.NOTE_ATTRIB != 0:
		kind = KindModifyMetadata(MetaAny)
	default:
		kind = KindOther
	}
	return NewEvent(kind).AddPath(path).SetSource("kqueue")
}

func (w *KqueueWatcher) watchDirectoryFiles(dirPath string) error {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return WrapIO(err, dirPath)
	}
	for _, f := range files {
		path := filepath.Join(dirPath, f.Name())
		fi, err := f.Info()
		if err != nil {
			return WrapIO(err, path)
		}
		cleanPath, err := w.internalWatch(path, fi)
		if err != nil {
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
				cleanPath = filepath.Clean(path)
			} else {
				return WrapIO(err, path)
			}
		}
		w.watches.markSeen(cleanPath, true)
	}
	return nil
}

func (w *KqueueWatcher) dirChange(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return WrapIO(err, dir)
	}
	for _, f := range files {
		fi, err := f.Info()
		if err != nil {
			return WrapIO(err, dir)
		}
		if err := w.sendCreateIfNew(filepath.Join(dir, fi.Name()), fi); err != nil {
			if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (w *KqueueWatcher) sendCreateIfNew(path string, fi os.FileInfo) error {
	if !w.watches.seenBefore(path) {
		if fi.IsDir() {
			w.emit(NewEvent(KindCreate(CreateFolder)).AddPath(path).SetSource("kqueue"))
		} else {
			w.emit(NewEvent(KindCreate(CreateFile)).AddPath(path).SetSource("kqueue"))
		}
	}
	p, err := w.internalWatch(path, fi)
	if err != nil {
		return err
	}
	w.watches.markSeen(p, true)
	return nil
}

func (w *KqueueWatcher) internalWatch(name string, fi os.FileInfo) (string, error) {
	if fi.IsDir() {
		info, _ := w.watches.byPath(name)
		return w.addWatch(name, info.dirFlags|unix.NOTE_DELETE|unix.NOTE_RENAME)
	}
	return w.addWatch(name, noteAllEvents)
}
