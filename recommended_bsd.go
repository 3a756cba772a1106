//go:build freebsd || openbsd || netbsd || dragonfly

package notify

// New creates the recommended Watcher for the current platform — on the
// BSDs, one backed by kqueue.
func New(handler EventHandler, cfg Config) (Watcher, error) {
	return NewKqueueWatcher(handler, cfg)
}
