//go:build go1.25

package notify

import (
	"testing"
	"testing/synctest"
	"time"
)

// stubWatcher drives the debouncer without a real backend, so the whole
// test runs on synctest's virtual clock.
type stubWatcher struct{ handler EventHandler }

func (w *stubWatcher) Watch(string, bool) error       { return nil }
func (w *stubWatcher) Unwatch(string) error           { return nil }
func (w *stubWatcher) PathsMut() PathsBatch           { return newSimplePathsBatch(w) }
func (w *stubWatcher) Configure(Config) (bool, error) { return false, nil }
func (w *stubWatcher) Kind() string                   { return "stub" }
func (w *stubWatcher) Close() error                   { return nil }

func TestDebouncerTick(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var stub *stubWatcher
		done := make(chan struct{})
		var got []DebouncedEvent

		deb, err := NewDebouncerOpt(100*time.Millisecond, 0,
			DebounceHandlerFunc(func(r DebounceResult) {
				if len(r.Events) > 0 && got == nil {
					got = r.Events
					close(done)
				}
			}),
			NoCache{},
			func(h EventHandler, cfg Config) (Watcher, error) {
				stub = &stubWatcher{handler: h}
				return stub, nil
			},
			DefaultConfig(),
		)
		if err != nil {
			t.Fatal(err)
		}

		stub.handler.Handle(EventOrError{Event: NewEvent(KindCreate(CreateFile)).AddPath("/virtual/file")})

		<-done
		if len(got) != 1 || !got[0].IsCreate() {
			t.Fatalf("want exactly one Create once the window expires, got %v", got)
		}

		if err := deb.Close(); err != nil {
			t.Fatal(err)
		}
	})
}
