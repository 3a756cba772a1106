// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package notify

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/notify-rs/notify-sub000/internal"
	"golang.org/x/sys/windows"
)

// RDCWWatcher is the Windows backend, built on ReadDirectoryChangesW with
// overlapped I/O delivered through a single I/O completion port. One
// native watch exists per directory (keyed by volume+file-index, so a
// renamed directory keeps its watch); recursion is requested directly via
// the Windows API's own recursive flag rather than walking the tree.
type RDCWWatcher struct {
	handler EventHandler
	cfg     Config

	port  windows.Handle
	input chan *rdcwInput
	quit  chan chan<- error

	mu       sync.Mutex
	watches  rdcwWatchMap
	isClosed bool
}

// NewRDCWWatcher starts a Windows ReadDirectoryChangesW-backed Watcher.
func NewRDCWWatcher(handler EventHandler, cfg Config) (Watcher, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, WrapIO(os.NewSyscallError("CreateIoCompletionPort", err))
	}
	w := &RDCWWatcher{
		handler: handler,
		cfg:     cfg,
		port:    port,
		watches: make(rdcwWatchMap),
		input:   make(chan *rdcwInput, 1),
		quit:    make(chan chan<- error, 1),
	}
	go w.readEvents()
	return w, nil
}

func (w *RDCWWatcher) Kind() string { return "readdirectorychangesw" }

func (w *RDCWWatcher) emit(e Event) {
	if !w.cfg.EventKinds.Matches(e.Kind) {
		return
	}
	select {
	case ch := <-w.quit:
		w.quit <- ch
	default:
		w.handler.Handle(EventOrError{Event: e})
	}
}

func (w *RDCWWatcher) emitErr(err error) {
	if err == nil {
		return
	}
	select {
	case ch := <-w.quit:
		w.quit <- ch
	default:
		w.handler.Handle(EventOrError{Err: err})
	}
}

const (
	rdcwOpAdd = iota
	rdcwOpRemove
)

type rdcwInput struct {
	op        int
	path      string
	recursive bool
	reply     chan error
}

type rdcwInode struct {
	handle windows.Handle
	volume uint32
	index  uint64
}

type rdcwWatch struct {
	ov        windows.Overlapped
	ino       *rdcwInode
	path      string
	recursive bool
	// slash records whether the path was registered with forward slashes,
	// so SeparatorAuto can deliver events in the same style.
	slash  bool
	rename string
	// dirWatched is set when the directory itself was registered; names
	// holds individually-registered files inside it. A file registration
	// watches the parent directory and filters deliveries by exact name.
	dirWatched bool
	names      map[string]bool
	buf        [65536]byte
}

// wants reports whether an event for the named entry should be delivered.
func (watch *rdcwWatch) wants(name string) bool {
	return watch.dirWatched || watch.names[name]
}

type (
	rdcwIndexMap map[uint64]*rdcwWatch
	rdcwWatchMap map[uint32]rdcwIndexMap
)

func (m rdcwWatchMap) get(ino *rdcwInode) *rdcwWatch {
	if i := m[ino.volume]; i != nil {
		return i[ino.index]
	}
	return nil
}

func (m rdcwWatchMap) set(ino *rdcwInode, watch *rdcwWatch) {
	i := m[ino.volume]
	if i == nil {
		i = make(rdcwIndexMap)
		m[ino.volume] = i
	}
	i[ino.index] = watch
}

func (w *RDCWWatcher) wakeupReader() error {
	if err := windows.PostQueuedCompletionStatus(w.port, 0, 0, nil); err != nil {
		return WrapIO(os.NewSyscallError("PostQueuedCompletionStatus", err))
	}
	return nil
}

func (w *RDCWWatcher) Watch(path string, recursive bool) error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return NewError(ErrGeneric, "watcher closed", path)
	}
	w.mu.Unlock()

	// deliberately not Cleaned here: addWatch needs to see the caller's
	// original separator style before Clean rewrites it.
	in := &rdcwInput{op: rdcwOpAdd, path: path, recursive: recursive, reply: make(chan error)}
	w.input <- in
	if err := w.wakeupReader(); err != nil {
		return err
	}
	return <-in.reply
}

func (w *RDCWWatcher) Unwatch(path string) error {
	in := &rdcwInput{op: rdcwOpRemove, path: filepath.Clean(path), reply: make(chan error)}
	w.input <- in
	if err := w.wakeupReader(); err != nil {
		return err
	}
	return <-in.reply
}

func (w *RDCWWatcher) PathsMut() PathsBatch { return newSimplePathsBatch(w) }

func (w *RDCWWatcher) Configure(cfg Config) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
	return true, nil
}

func (w *RDCWWatcher) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	w.mu.Unlock()

	ch := make(chan error)
	w.quit <- ch
	if err := w.wakeupReader(); err != nil {
		return err
	}
	return <-ch
}

func (w *RDCWWatcher) getDir(pathname string) (string, error) {
	attr, err := windows.GetFileAttributes(windows.StringToUTF16Ptr(pathname))
	if err != nil {
		return "", os.NewSyscallError("GetFileAttributes", err)
	}
	if attr&windows.FILE_ATTRIBUTE_DIRECTORY != 0 {
		return pathname, nil
	}
	dir, _ := filepath.Split(pathname)
	return filepath.Clean(dir), nil
}

func (w *RDCWWatcher) getIno(path string) (*rdcwInode, error) {
	h, err := windows.CreateFile(windows.StringToUTF16Ptr(path),
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED, 0)
	if err != nil {
		return nil, os.NewSyscallError("CreateFile", err)
	}
	var fi windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &fi); err != nil {
		windows.CloseHandle(h)
		return nil, os.NewSyscallError("GetFileInformationByHandle", err)
	}
	return &rdcwInode{
		handle: h,
		volume: fi.VolumeSerialNumber,
		index:  uint64(fi.FileIndexHigh)<<32 | uint64(fi.FileIndexLow),
	}, nil
}

// Must run within the I/O thread.
func (w *RDCWWatcher) addWatch(pathname string, recursive bool) error {
	slash := strings.ContainsRune(pathname, '/') && !strings.ContainsRune(pathname, '\\')
	pathname = filepath.Clean(pathname)
	dir, err := w.getDir(pathname)
	if err != nil {
		return WrapIO(err, pathname)
	}
	ino, err := w.getIno(dir)
	if err != nil {
		return WrapIO(err, pathname)
	}

	w.mu.Lock()
	existing := w.watches.get(ino)
	w.mu.Unlock()
	if existing != nil {
		windows.CloseHandle(ino.handle)
		existing.recursive = existing.recursive || recursive
		registerName(existing, pathname, dir)
		return w.startRead(existing)
	}

	if _, err := windows.CreateIoCompletionPort(ino.handle, w.port, 0, 0); err != nil {
		windows.CloseHandle(ino.handle)
		return WrapIO(os.NewSyscallError("CreateIoCompletionPort", err), pathname)
	}
	watch := &rdcwWatch{ino: ino, path: dir, recursive: recursive, slash: slash, names: make(map[string]bool)}
	registerName(watch, pathname, dir)
	w.mu.Lock()
	w.watches.set(ino, watch)
	w.mu.Unlock()
	return w.startRead(watch)
}

func registerName(watch *rdcwWatch, pathname, dir string) {
	if pathname == dir {
		watch.dirWatched = true
	} else {
		watch.names[filepath.Base(pathname)] = true
	}
}

// Must run within the I/O thread.
func (w *RDCWWatcher) remWatch(pathname string) error {
	pathname = filepath.Clean(pathname)
	dir, err := w.getDir(pathname)
	if err != nil {
		return WrapIO(err, pathname)
	}
	ino, err := w.getIno(dir)
	if err != nil {
		return WrapIO(err, pathname)
	}

	w.mu.Lock()
	watch := w.watches.get(ino)
	w.mu.Unlock()
	windows.CloseHandle(ino.handle)

	if watch == nil {
		return NewError(ErrWatchNotFound, "not watched", pathname)
	}

	if pathname == dir {
		if !watch.dirWatched {
			return NewError(ErrWatchNotFound, "not watched", pathname)
		}
		watch.dirWatched = false
	} else {
		name := filepath.Base(pathname)
		if !watch.names[name] {
			return NewError(ErrWatchNotFound, "not watched", pathname)
		}
		delete(watch.names, name)
	}
	if watch.dirWatched || len(watch.names) > 0 {
		return nil
	}

	w.mu.Lock()
	delete(w.watches[watch.ino.volume], watch.ino.index)
	w.mu.Unlock()
	windows.CancelIo(watch.ino.handle)
	windows.CloseHandle(watch.ino.handle)
	return nil
}

const rdcwNotifyFilter = windows.FILE_NOTIFY_CHANGE_FILE_NAME | windows.FILE_NOTIFY_CHANGE_DIR_NAME |
	windows.FILE_NOTIFY_CHANGE_ATTRIBUTES | windows.FILE_NOTIFY_CHANGE_SIZE |
	windows.FILE_NOTIFY_CHANGE_LAST_WRITE | windows.FILE_NOTIFY_CHANGE_CREATION |
	windows.FILE_NOTIFY_CHANGE_SECURITY

// Must run within the I/O thread.
func (w *RDCWWatcher) startRead(watch *rdcwWatch) error {
	windows.CancelIo(watch.ino.handle)
	rdErr := windows.ReadDirectoryChanges(watch.ino.handle, &watch.buf[0],
		uint32(unsafe.Sizeof(watch.buf)), watch.recursive, rdcwNotifyFilter, nil, &watch.ov, 0)
	if rdErr != nil {
		if rdErr == windows.ERROR_ACCESS_DENIED {
			w.emit(NewEvent(KindRemove(RemoveFolder)).AddPath(watch.path).SetSource("readdirectorychangesw"))
			return nil
		}
		return WrapIO(os.NewSyscallError("ReadDirectoryChanges", rdErr), watch.path)
	}
	return nil
}

// normalize applies the configured separator style to a delivered path.
// SeparatorAuto follows the style the watch was registered with. A \\?\ or
// \\.\ namespace prefix is never rewritten; only the path after it is.
func (w *RDCWWatcher) normalize(watch *rdcwWatch, path string) string {
	slash := false
	switch w.cfg.WindowsPathSeparatorStyle {
	case SeparatorSlash:
		slash = true
	case SeparatorBackslash:
		slash = false
	default:
		slash = watch.slash
	}

	prefix := ""
	if strings.HasPrefix(path, `\\?\`) || strings.HasPrefix(path, `\\.\`) {
		prefix, path = path[:4], path[4:]
	}
	if slash {
		return prefix + strings.ReplaceAll(path, `\`, "/")
	}
	return prefix + strings.ReplaceAll(path, "/", `\`)
}

// readEvents is the single I/O thread: it owns the completion port and is
// the only goroutine allowed to touch rdcwWatch.buf/ov for a given watch.
func (w *RDCWWatcher) readEvents() {
	var (
		n   uint32
		key uintptr
		ov  *windows.Overlapped
	)
	runtime.LockOSThread()

	for {
		qErr := windows.GetQueuedCompletionStatus(w.port, &n, &key, &ov, windows.INFINITE)
		watch := (*rdcwWatch)(unsafe.Pointer(ov))
		if watch == nil {
			select {
			case ch := <-w.quit:
				w.mu.Lock()
				for _, idx := range w.watches {
					for _, ww := range idx {
						windows.CancelIo(ww.ino.handle)
						windows.CloseHandle(ww.ino.handle)
					}
				}
				w.mu.Unlock()
				err := windows.CloseHandle(w.port)
				if err != nil {
					err = os.NewSyscallError("CloseHandle", err)
				}
				ch <- err
				return
			case in := <-w.input:
				switch in.op {
				case rdcwOpAdd:
					in.reply <- w.addWatch(in.path, in.recursive)
				case rdcwOpRemove:
					in.reply <- w.remWatch(in.path)
				}
			default:
			}
			continue
		}

		switch qErr {
		case windows.ERROR_MORE_DATA:
			n = uint32(unsafe.Sizeof(watch.buf))
		case windows.ERROR_ACCESS_DENIED:
			w.emit(NewEvent(KindRemove(RemoveFolder)).AddPath(watch.path).SetSource("readdirectorychangesw"))
			w.startRead(watch)
			continue
		case windows.ERROR_OPERATION_ABORTED:
			continue
		case nil:
		default:
			w.emitErr(WrapIO(os.NewSyscallError("GetQueuedCompletionPort", qErr)))
			continue
		}

		w.drain(watch, n)

		if err := w.startRead(watch); err != nil {
			w.emitErr(err)
		}
	}
}

func (w *RDCWWatcher) drain(watch *rdcwWatch, n uint32) {
	var offset uint32
	for {
		if n == 0 {
			w.emitErr(errors.New("notify: short read in readdirectorychangesw"))
			return
		}
		raw := (*windows.FileNotifyInformation)(unsafe.Pointer(&watch.buf[offset]))
		size := int(raw.FileNameLength / 2)
		buf := unsafe.Slice((*uint16)(unsafe.Pointer(&raw.FileName)), size)
		name := windows.UTF16ToString(buf)
		fullname := w.normalize(watch, filepath.Join(watch.path, name))

		if debugEnabled {
			internal.Debug(fullname, raw.Action)
		}

		if raw.Action == windows.FILE_ACTION_RENAMED_OLD_NAME {
			watch.rename = name
		}
		wanted := watch.wants(name)
		if raw.Action == windows.FILE_ACTION_RENAMED_NEW_NAME && watch.names[watch.rename] {
			// a watched file was renamed: follow it to its new name.
			delete(watch.names, watch.rename)
			watch.names[name] = true
			wanted = true
		}
		if !wanted {
			if raw.NextEntryOffset == 0 {
				return
			}
			offset += raw.NextEntryOffset
			if offset >= n {
				w.emitErr(errors.New("notify: buffer overrun in readdirectorychangesw, events may have been lost"))
				return
			}
			continue
		}

		switch raw.Action {
		case windows.FILE_ACTION_ADDED:
			w.emit(NewEvent(KindCreate(CreateAny)).AddPath(fullname).SetSource("readdirectorychangesw"))
		case windows.FILE_ACTION_REMOVED:
			w.emit(NewEvent(KindRemove(RemoveAny)).AddPath(fullname).SetSource("readdirectorychangesw"))
		case windows.FILE_ACTION_MODIFIED:
			w.emit(NewEvent(KindModifyAny()).AddPath(fullname).SetSource("readdirectorychangesw"))
		case windows.FILE_ACTION_RENAMED_OLD_NAME:
			w.emit(NewEvent(KindModifyName(RenameFrom)).AddPath(fullname).SetSource("readdirectorychangesw"))
		case windows.FILE_ACTION_RENAMED_NEW_NAME:
			old := w.normalize(watch, filepath.Join(watch.path, watch.rename))
			w.mu.Lock()
			for _, idx := range w.watches {
				for _, ww := range idx {
					if strings.HasPrefix(ww.path, old) {
						ww.path = filepath.Join(fullname, strings.TrimPrefix(ww.path, old))
					}
				}
			}
			w.mu.Unlock()
			// Windows issues no rename cookie, unlike inotify; the two
			// halves are correlated downstream (by a Debouncer, via file
			// identity) rather than spliced together here.
			w.emit(NewEvent(KindModifyName(RenameTo)).AddPath(fullname).SetSource("readdirectorychangesw"))
		}

		if raw.NextEntryOffset == 0 {
			return
		}
		offset += raw.NextEntryOffset
		if offset >= n {
			w.emitErr(errors.New("notify: buffer overrun in readdirectorychangesw, events may have been lost"))
			return
		}
	}
}
