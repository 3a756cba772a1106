package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeClock lets debounce tests control timeNow deterministically instead
// of sleeping in lockstep with a real timeout.
type fakeClock struct{ now time.Time }

func newFakeClock(t *testing.T) *fakeClock {
	t.Helper()
	c := &fakeClock{now: time.Unix(1700000000, 0)}
	orig := timeNow
	timeNow = func() time.Time { return c.now }
	t.Cleanup(func() { timeNow = orig })
	return c
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func kindsOf(evs []DebouncedEvent) []EventKind {
	out := make([]EventKind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

// Invariant 1: a Create for p is never immediately followed by another
// Create or Modify(Data|Metadata|Any|Other) for p — these are suppressed at
// push time.
func TestDebounceSuppressesWriteAfterCreate(t *testing.T) {
	clock := newFakeClock(t)
	d := newDebounceData(NoCache{}, 50*time.Millisecond)

	d.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/a"))
	d.AddEvent(NewEvent(KindModifyData(DataContent)).AddPath("/a"))
	d.AddEvent(NewEvent(KindModifyMetadata(MetaAny)).AddPath("/a"))
	d.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/a"))

	clock.advance(100 * time.Millisecond)
	got := d.debouncedEvents()
	if len(got) != 1 || !got[0].IsCreate() {
		t.Fatalf("want exactly one Create, got %v", kindsOf(got))
	}
}

// Invariant 2: a From/To pair sharing a tracker produces exactly one
// Modify(Name(Both)) with paths [p, q], and no trace of the raw From/To.
func TestDebounceRenameBothByTracker(t *testing.T) {
	clock := newFakeClock(t)
	d := newDebounceData(NoCache{}, 50*time.Millisecond)

	d.AddEvent(NewEvent(KindModifyName(RenameFrom)).AddPath("/a").SetTracker(42))
	clock.advance(time.Millisecond)
	d.AddEvent(NewEvent(KindModifyName(RenameTo)).AddPath("/b").SetTracker(42))

	clock.advance(100 * time.Millisecond)
	got := d.debouncedEvents()
	if len(got) != 1 {
		t.Fatalf("want exactly one event, got %d: %v", len(got), kindsOf(got))
	}
	ev := got[0]
	if ev.Kind != KindModifyName(RenameBoth) {
		t.Fatalf("want Modify(Name(Both)), got %s", ev.Kind)
	}
	if len(ev.Paths) != 2 || ev.Paths[0] != "/a" || ev.Paths[1] != "/b" {
		t.Fatalf("want paths [/a /b], got %v", ev.Paths)
	}
}

// Invariant 3: matching file-ids still connect a rename pair even when the
// trackers differ (or are absent), as happens crossing two backends with
// no shared cookie.
func TestDebounceRenameBothByFileID(t *testing.T) {
	clock := newFakeClock(t)
	tmp := t.TempDir()
	a := filepath.Join(tmp, "a")
	b := filepath.Join(tmp, "b")
	if err := os.WriteFile(a, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cache := NewFileIdMap()
	d := newDebounceData(cache, 50*time.Millisecond)

	// seed the cache with a's identity via the root registration, not a
	// Create event — a rename of a file created within the same window is
	// deliberately collapsed to a plain Create at the destination.
	d.addRoot(a, NonRecursive)
	clock.advance(time.Millisecond)

	if err := os.Rename(a, b); err != nil {
		t.Fatal(err)
	}
	d.AddEvent(NewEvent(KindModifyName(RenameFrom)).AddPath(a).SetTracker(111))
	clock.advance(time.Millisecond)
	d.AddEvent(NewEvent(KindModifyName(RenameTo)).AddPath(b).SetTracker(222))

	clock.advance(100 * time.Millisecond)
	got := d.debouncedEvents()

	var sawBoth bool
	for _, ev := range got {
		if ev.Kind == KindModifyName(RenameBoth) {
			sawBoth = true
			if len(ev.Paths) != 2 || ev.Paths[0] != a || ev.Paths[1] != b {
				t.Fatalf("want paths [%s %s], got %v", a, b, ev.Paths)
			}
		}
	}
	if !sawBoth {
		t.Fatalf("want a Modify(Name(Both)) despite mismatched trackers, got %v", kindsOf(got))
	}
}

// Invariant 4: Create(p) followed within timeout by Remove(p) vanishes
// entirely.
func TestDebounceCreateThenRemoveVanishes(t *testing.T) {
	clock := newFakeClock(t)
	d := newDebounceData(NoCache{}, 50*time.Millisecond)

	d.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/a"))
	clock.advance(time.Millisecond)
	d.AddEvent(NewEvent(KindRemove(RemoveFile)).AddPath("/a"))

	clock.advance(100 * time.Millisecond)
	got := d.debouncedEvents()
	if len(got) != 0 {
		t.Fatalf("want no events, got %v", kindsOf(got))
	}
}

// Invariant 5: Remove(dir) discards every queued event for a path strictly
// under dir at that instant.
func TestDebounceRemoveDirDropsChildren(t *testing.T) {
	clock := newFakeClock(t)
	d := newDebounceData(NoCache{}, 50*time.Millisecond)

	d.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/dir/child"))
	clock.advance(time.Millisecond)
	d.AddEvent(NewEvent(KindModifyData(DataContent)).AddPath("/dir/child2"))
	clock.advance(time.Millisecond)
	d.AddEvent(NewEvent(KindRemove(RemoveFolder)).AddPath("/dir"))

	clock.advance(100 * time.Millisecond)
	got := d.debouncedEvents()
	if len(got) != 1 || !got[0].IsRemove() || got[0].Paths[0] != "/dir" {
		t.Fatalf("want a single Remove(/dir), got %v", got)
	}

	// a sibling outside /dir is unaffected.
	d2 := newDebounceData(NoCache{}, 50*time.Millisecond)
	d2.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/dir2/child"))
	d2.AddEvent(NewEvent(KindRemove(RemoveFolder)).AddPath("/dir"))
	clock.advance(100 * time.Millisecond)
	got2 := d2.debouncedEvents()
	if len(got2) != 2 {
		t.Fatalf("want both the remove and the unrelated create, got %v", kindsOf(got2))
	}
}

// Invariant 6: within one emission batch, same-path events keep arrival
// order; cross-path events come out in non-decreasing queue-head time.
func TestDebounceEmissionOrdering(t *testing.T) {
	clock := newFakeClock(t)
	d := newDebounceData(NoCache{}, 50*time.Millisecond)

	d.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/b"))
	clock.advance(time.Millisecond)
	d.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/a"))
	clock.advance(time.Millisecond)
	d.AddEvent(NewEvent(KindAccessClose(ModeWrite)).AddPath("/a"))

	clock.advance(100 * time.Millisecond)
	got := d.debouncedEvents()
	if len(got) != 3 {
		t.Fatalf("want 3 events, got %d: %v", len(got), kindsOf(got))
	}
	if got[0].Paths[0] != "/b" {
		t.Fatalf("want /b's create first (earliest queue head), got %v", got[0])
	}
	if got[1].Paths[0] != "/a" || got[2].Paths[0] != "/a" {
		t.Fatalf("want /a's two events adjacent and in arrival order, got %v", got)
	}
}

// A queue whose events haven't aged past timeout yet is held back.
func TestDebounceHoldsBackFreshEvents(t *testing.T) {
	clock := newFakeClock(t)
	d := newDebounceData(NoCache{}, 50*time.Millisecond)

	d.AddEvent(NewEvent(KindCreate(CreateFile)).AddPath("/a"))
	clock.advance(10 * time.Millisecond)

	if got := d.debouncedEvents(); len(got) != 0 {
		t.Fatalf("want nothing emitted yet, got %v", got)
	}

	clock.advance(50 * time.Millisecond)
	if got := d.debouncedEvents(); len(got) != 1 {
		t.Fatalf("want the create once it has aged past timeout, got %v", got)
	}
}

// The mini debouncer distinguishes a path that's gone quiet from one still
// being written to.
func TestMiniDebounceQuiescentVsContinuous(t *testing.T) {
	clock := newFakeClock(t)
	d := newMiniDebounceData(50 * time.Millisecond)

	d.AddEvent(NewEvent(KindModifyData(DataAny)).AddPath("/a"))
	clock.advance(30 * time.Millisecond)
	d.AddEvent(NewEvent(KindModifyData(DataAny)).AddPath("/a"))
	clock.advance(30 * time.Millisecond)

	// inserted 60ms ago, updated 30ms ago: still being written to.
	got := d.debouncedEvents()
	if len(got) != 1 || got[0].Kind != MiniAnyContinuous {
		t.Fatalf("want AnyContinuous while writes keep coming, got %v", got)
	}

	clock.advance(60 * time.Millisecond)
	got = d.debouncedEvents()
	if len(got) != 1 || got[0].Kind != MiniAny {
		t.Fatalf("want Any once the path has gone quiet, got %v", got)
	}

	if got := d.debouncedEvents(); len(got) != 0 {
		t.Fatalf("want the path fully drained, got %v", got)
	}
}

// Rescan sentinel: held until it has aged past timeout, same as any other
// event.
func TestDebounceRescanFlushesAfterTimeout(t *testing.T) {
	clock := newFakeClock(t)
	d := newDebounceData(NoCache{}, 50*time.Millisecond)

	d.AddEvent(NewEvent(KindOther).SetFlag(FlagRescan))
	if got := d.debouncedEvents(); len(got) != 0 {
		t.Fatalf("want the rescan held back, got %v", got)
	}

	clock.advance(100 * time.Millisecond)
	got := d.debouncedEvents()
	if len(got) != 1 || !got[0].NeedRescan() {
		t.Fatalf("want exactly one rescan event, got %v", got)
	}
}
