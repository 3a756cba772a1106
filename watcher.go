package notify

// RecursiveMode says whether a watched root should expand to cover its
// subtree.
type RecursiveMode uint8

const (
	NonRecursive RecursiveMode = iota
	Recursive
)

// PathsBatch accumulates watch/unwatch intent and applies it on Commit.
// Backends that must restart a single native stream to change its path set
// (FSEvents) implement this for real; backends with cheap per-path
// operations (inotify, kqueue, Windows, poll) use simplePathsBatch, which
// replays each entry as a plain Watch/Unwatch call when Commit runs.
type PathsBatch interface {
	Add(path string, recursive bool) PathsBatch
	Remove(path string) PathsBatch
	Commit() error
}

// Watcher is the contract every backend implements. A Watcher should not be
// copied; pass it by pointer or reference.
type Watcher interface {
	// Watch starts monitoring path. Setup errors (missing path, permission
	// denied, kernel watch limit) are returned synchronously.
	Watch(path string, recursive bool) error

	// Unwatch stops monitoring path. Returns an *Error with Kind
	// ErrWatchNotFound if path was never successfully watched.
	Unwatch(path string) error

	// PathsMut returns a batch for making several watch-set changes as one
	// atomic operation.
	PathsMut() PathsBatch

	// Configure applies a runtime configuration change. false means the
	// backend doesn't support the change (not an error).
	Configure(Config) (bool, error)

	// Kind identifies the backend, e.g. "inotify", "kqueue", "fsevents",
	// "readdirectorychangesw", "poll".
	Kind() string

	// Close stops the backend's background thread and releases all native
	// resources. It must not return until that has happened.
	Close() error
}

// simplePathsBatch is the trivial PathsBatch used by backends whose
// Watch/Unwatch are already atomic per-call.
type simplePathsBatch struct {
	w Watcher
	// ops records intent so Commit can report the first error, while
	// still attempting every item (matches per-path Watch/Unwatch
	// semantics: independent operations, independent errors).
	ops []func() error
	err error
}

func newSimplePathsBatch(w Watcher) *simplePathsBatch {
	return &simplePathsBatch{w: w}
}

func (b *simplePathsBatch) Add(path string, recursive bool) PathsBatch {
	b.ops = append(b.ops, func() error { return b.w.Watch(path, recursive) })
	return b
}

func (b *simplePathsBatch) Remove(path string) PathsBatch {
	b.ops = append(b.ops, func() error { return b.w.Unwatch(path) })
	return b
}

func (b *simplePathsBatch) Commit() error {
	var first error
	for _, op := range b.ops {
		if err := op(); err != nil && first == nil {
			first = err
		}
	}
	b.ops = nil
	return first
}
