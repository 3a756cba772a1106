//go:build windows

package notify

// New creates the recommended Watcher for the current platform — on
// Windows, one backed by ReadDirectoryChangesW.
func New(handler EventHandler, cfg Config) (Watcher, error) {
	return NewRDCWWatcher(handler, cfg)
}
