package notify

import (
	"crypto/sha256"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// PollWatcher is the fallback backend: it has no kernel support to lean on,
// so it walks each watched root on a timer and diffs the result against the
// previous snapshot. It's the only backend that works identically on every
// platform, and it can also serve as the backend under a Debouncer (see
// NewDebouncerOpt).
type PollWatcher struct {
	handler EventHandler
	cfg     Config

	mu    sync.Mutex
	roots map[string]bool // path -> recursive
	snaps map[string]dirSnapshot

	poke     chan struct{} // used instead of a timer when cfg.ManualPolling
	done     chan struct{}
	doneResp chan struct{}
	isClosed bool
}

type fileSnapshot struct {
	isDir   bool
	size    int64
	modTime time.Time
	mode    fs.FileMode
	hash    [32]byte
	hashed  bool
}

type dirSnapshot map[string]fileSnapshot

// NewPollWatcher starts a polling Watcher. Call Poll to force an immediate
// scan when cfg.ManualPolling is set; otherwise it scans every
// cfg.PollInterval.
func NewPollWatcher(handler EventHandler, cfg Config) (Watcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	w := &PollWatcher{
		handler:  handler,
		cfg:      cfg,
		roots:    make(map[string]bool),
		snaps:    make(map[string]dirSnapshot),
		poke:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		doneResp: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *PollWatcher) Kind() string { return "poll" }

func (w *PollWatcher) Watch(path string, recursive bool) error {
	if path == "" {
		return NewError(ErrPathNotFound, "empty path", path)
	}
	path = filepath.Clean(path)
	if _, err := os.Lstat(path); err != nil {
		return NewError(ErrPathNotFound, err.Error(), path)
	}
	w.mu.Lock()
	w.roots[path] = recursive
	snap, _ := w.scanRoot(path, recursive)
	w.snaps[path] = snap
	w.mu.Unlock()
	return nil
}

func (w *PollWatcher) Unwatch(path string) error {
	path = filepath.Clean(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.roots[path]; !ok {
		return NewError(ErrWatchNotFound, "not watched", path)
	}
	delete(w.roots, path)
	delete(w.snaps, path)
	return nil
}

func (w *PollWatcher) PathsMut() PathsBatch { return newSimplePathsBatch(w) }

func (w *PollWatcher) Configure(cfg Config) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
	return true, nil
}

func (w *PollWatcher) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	w.mu.Unlock()
	close(w.done)
	<-w.doneResp
	return nil
}

// Poll forces an immediate scan; only meaningful when the watcher was
// configured with WithManualPolling, for deterministic test snapshots that
// don't depend on timer jitter.
func (w *PollWatcher) Poll() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

func (w *PollWatcher) loop() {
	defer close(w.doneResp)

	var ticker *time.Ticker
	var tickC <-chan time.Time
	if !w.cfg.ManualPolling {
		ticker = time.NewTicker(w.cfg.PollInterval)
		tickC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-w.done:
			return
		case <-tickC:
			w.tick()
		case <-w.poke:
			w.tick()
		}
	}
}

func (w *PollWatcher) tick() {
	w.mu.Lock()
	roots := make(map[string]bool, len(w.roots))
	for p, r := range w.roots {
		roots[p] = r
	}
	w.mu.Unlock()

	for root, recursive := range roots {
		next, err := w.scanRoot(root, recursive)
		if err != nil {
			w.emitErr(WrapIO(err, root))
			continue
		}

		w.mu.Lock()
		prev := w.snaps[root]
		w.snaps[root] = next
		w.mu.Unlock()

		w.diff(prev, next)
	}
}

func (w *PollWatcher) scanRoot(root string, recursive bool) (dirSnapshot, error) {
	snap := make(dirSnapshot)
	info, err := os.Lstat(root)
	if err != nil {
		return snap, err
	}
	// visited breaks symlink cycles when FollowSymlinks sends the walk
	// through a link that points back into the tree.
	visited := make(map[FileID]bool)
	w.scanEntry(snap, visited, root, info, recursive, 0)
	return snap, nil
}

func (w *PollWatcher) scanEntry(snap dirSnapshot, visited map[FileID]bool, path string, info fs.FileInfo, recursive bool, depth int) {
	if info.Mode()&fs.ModeSymlink != 0 {
		if !w.cfg.FollowSymlinks {
			snap[path] = fileSnapshot{size: info.Size(), modTime: info.ModTime(), mode: info.Mode()}
			return
		}
		target, err := os.Stat(path)
		if err != nil {
			return
		}
		info = target
	}

	fsnap := fileSnapshot{isDir: info.IsDir(), size: info.Size(), modTime: info.ModTime(), mode: info.Mode()}
	if w.cfg.CompareContents && !info.IsDir() {
		if h, err := hashFile(path); err == nil {
			fsnap.hash = h
			fsnap.hashed = true
		}
	}
	snap[path] = fsnap

	if !info.IsDir() || (depth > 0 && !recursive) {
		return
	}
	if id, ok := statFileID(path); ok {
		if visited[id] {
			return
		}
		visited[id] = true
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}
	for _, e := range entries {
		ei, err := e.Info()
		if err != nil {
			continue
		}
		w.scanEntry(snap, visited, filepath.Join(path, e.Name()), ei, recursive, depth+1)
	}
}

func hashFile(path string) ([32]byte, error) {
	var out [32]byte
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// diff reports Create/Remove/Modify between two snapshots of the same
// root, walking both in deterministic lexicographic path order so repeated
// runs over the same change produce the same event order. A rename shows
// up as an unrelated remove and create: the poll backend has no kernel
// rename notification, and guessing a pair from matching size/mtime would
// misreport two unrelated same-shape files.
func (w *PollWatcher) diff(prev, next dirSnapshot) {
	var removedPaths, createdPaths []string
	for _, path := range sortedPaths(next) {
		n := next[path]
		p, existed := prev[path]
		if !existed {
			createdPaths = append(createdPaths, path)
			continue
		}
		if p.isDir != n.isDir {
			// the path changed shape: the old entity is gone and an
			// unrelated one took its name.
			w.emit(NewEvent(KindRemove(shapeRemoveKind(p))).AddPath(path).SetSource("poll"))
			w.emit(NewEvent(KindCreate(shapeCreateKind(n))).AddPath(path).SetSource("poll"))
			continue
		}
		if !n.isDir {
			if n.size != p.size {
				w.emit(NewEvent(KindModifyData(DataSize)).AddPath(path).SetSource("poll"))
			}
			mtimeChanged := !p.modTime.Equal(n.modTime)
			if w.cfg.CompareContents && p.hashed && n.hashed {
				mtimeChanged = p.hash != n.hash
			}
			if mtimeChanged {
				w.emit(NewEvent(KindModifyData(DataContent)).AddPath(path).SetSource("poll"))
			}
		}
		if p.mode != n.mode {
			w.emit(NewEvent(KindModifyMetadata(MetaPermissions)).AddPath(path).SetSource("poll"))
		}
	}
	for _, path := range sortedPaths(prev) {
		if _, ok := next[path]; !ok {
			removedPaths = append(removedPaths, path)
		}
	}

	for _, to := range createdPaths {
		w.emit(NewEvent(KindCreate(shapeCreateKind(next[to]))).AddPath(to).SetSource("poll"))
	}
	for _, from := range removedPaths {
		w.emit(NewEvent(KindRemove(shapeRemoveKind(prev[from]))).AddPath(from).SetSource("poll"))
	}
}

// sortedPaths returns the snapshot's paths in lexicographic order, so the
// same change always produces the same event order.
func sortedPaths(s dirSnapshot) []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func shapeRemoveKind(s fileSnapshot) RemoveKind {
	if s.isDir {
		return RemoveFolder
	}
	return RemoveFile
}

func shapeCreateKind(s fileSnapshot) CreateKind {
	if s.isDir {
		return CreateFolder
	}
	return CreateFile
}

func (w *PollWatcher) emit(e Event) {
	if w.cfg.EventKinds.Matches(e.Kind) {
		w.handler.Handle(EventOrError{Event: e})
	}
}

func (w *PollWatcher) emitErr(err error) {
	if err != nil {
		w.handler.Handle(EventOrError{Err: err})
	}
}
