//go:build darwin

package notify

// New creates the recommended Watcher for the current platform — on macOS,
// one backed by FSEvents.
func New(handler EventHandler, cfg Config) (Watcher, error) {
	return NewFSEventsWatcher(handler, cfg)
}
