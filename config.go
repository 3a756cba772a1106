package notify

import "time"

// WindowsPathSeparatorStyle controls how the Windows backend normalizes
// separators in delivered paths.
type WindowsPathSeparatorStyle uint8

const (
	// SeparatorAuto inspects the originally registered path: if it used
	// forward slashes and no backslashes, delivered paths use forward
	// slashes too; otherwise backslashes.
	SeparatorAuto WindowsPathSeparatorStyle = iota
	SeparatorSlash
	SeparatorBackslash
)

// Config is the watcher configuration surface: constructor-time defaults
// plus whatever a running backend can apply via Configure.
type Config struct {
	EventKinds                EventKindMask
	FollowSymlinks            bool
	WindowsPathSeparatorStyle WindowsPathSeparatorStyle
	PollInterval              time.Duration
	CompareContents           bool
	ManualPolling             bool

	// WatchFilter, when non-nil, can refuse individual paths during
	// recursive expansion on backends that register per directory
	// (kqueue, inotify). Returning false skips the path and its subtree.
	WatchFilter func(path string) bool
}

// DefaultConfig is what NewWatcher-style constructors use absent an
// explicit Config: everything enabled, symlinks not followed, a 1s poll
// interval for any poll-based fallback.
func DefaultConfig() Config {
	return Config{
		EventKinds:   DefaultMask,
		PollInterval: time.Second,
	}
}

// Option mutates a Config, so constructors can take knobs without growing
// their signature every time a new one appears.
type Option func(*Config)

// WithEventKinds restricts delivery to the given mask.
func WithEventKinds(m EventKindMask) Option {
	return func(c *Config) { c.EventKinds = m }
}

// WithFollowSymlinks makes the poll engine traverse symlinked directories.
// The native backends' recursive expansion does not read this setting.
func WithFollowSymlinks() Option {
	return func(c *Config) { c.FollowSymlinks = true }
}

// WithWindowsPathSeparatorStyle sets how the Windows backend normalizes
// delivered paths.
func WithWindowsPathSeparatorStyle(s WindowsPathSeparatorStyle) Option {
	return func(c *Config) { c.WindowsPathSeparatorStyle = s }
}

// WithPollInterval sets the poll engine's tick period.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

// WithCompareContents makes the poll engine hash file contents and only
// report a data-change when the hash, not just size/mtime, differs.
func WithCompareContents() Option {
	return func(c *Config) { c.CompareContents = true }
}

// WithManualPolling makes the poll engine wait on an explicit poke channel
// instead of a timer, for deterministic test snapshots.
func WithManualPolling() Option {
	return func(c *Config) { c.ManualPolling = true }
}

// WithWatchFilter sets a predicate consulted during recursive expansion;
// paths it rejects are not registered.
func WithWatchFilter(f func(path string) bool) Option {
	return func(c *Config) { c.WatchFilter = f }
}

// Apply folds opts into a copy of base.
func (c Config) Apply(opts ...Option) Config {
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
