//go:build linux && !appengine

package notify

// New creates the recommended Watcher for the current platform — on Linux,
// one backed by inotify.
func New(handler EventHandler, cfg Config) (Watcher, error) {
	return NewInotifyWatcher(handler, cfg)
}
