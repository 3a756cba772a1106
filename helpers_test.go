package notify

import (
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// testCase is one named scenario in a table-driven backend test: ops runs
// against a fresh Watcher already rooted at a temp dir, and want is the
// newEvents DSL describing what should have been collected.
type testCase struct {
	name string
	ops  func(t *testing.T, w Watcher, tmp string)
	want string
}

func (tt testCase) run(t *testing.T) {
	t.Run(tt.name, func(t *testing.T) {
		t.Parallel()
		tmp := t.TempDir()

		w := newCollector(t)
		tt.ops(t, w.w, tmp)

		cmpEvents(t, tmp, w.stop(t), newEvents(t, tt.want))
	})
}

// We wait a little bit after most commands; gives the system some time to
// sync things and makes things more consistent across platforms.
func eventSeparator() { time.Sleep(50 * time.Millisecond) }
func waitForEvents()  { time.Sleep(500 * time.Millisecond) }

// coreConfig masks out access events (open/close/read), which otherwise
// drown the create/remove/modify sequences these tests assert on — Linux
// reports an open and a close for every cat() call.
func coreConfig() Config {
	cfg := DefaultConfig()
	cfg.EventKinds = MaskCore
	return cfg
}

// newTestWatcher builds a recommended-backend Watcher discarding events,
// for tests that only care about Watch/Close plumbing.
func newTestWatcher(t *testing.T, add ...string) Watcher {
	t.Helper()
	w, err := New(HandlerFunc(func(EventOrError) {}), coreConfig())
	if err != nil {
		t.Fatalf("newTestWatcher: %s", err)
	}
	for _, a := range add {
		if err := w.Watch(a, true); err != nil {
			t.Fatalf("newTestWatcher: watch %q: %s", a, err)
		}
	}
	return w
}

// addWatch adds a recursive watch for a directory.
func addWatch(t *testing.T, w Watcher, path ...string) {
	t.Helper()
	if len(path) < 1 {
		t.Fatalf("addWatch: path must have at least one element: %s", path)
	}
	if err := w.Watch(filepath.Join(path...), true); err != nil {
		t.Fatalf("addWatch(%q): %s", filepath.Join(path...), err)
	}
}

const noWait = ""

func shouldWait(path ...string) bool {
	// Take advantage of the fact that filepath.Join skips empty parameters.
	for _, p := range path {
		if p == "" {
			return false
		}
	}
	return true
}

// mkdir
func mkdir(t *testing.T, path ...string) {
	t.Helper()
	if len(path) < 1 {
		t.Fatalf("mkdir: path must have at least one element: %s", path)
	}
	if err := os.Mkdir(filepath.Join(path...), 0o0755); err != nil {
		t.Fatalf("mkdir(%q): %s", filepath.Join(path...), err)
	}
	if shouldWait(path...) {
		eventSeparator()
	}
}

// ln -s
func symlink(t *testing.T, target string, link ...string) {
	t.Helper()
	if len(link) < 1 {
		t.Fatalf("symlink: link must have at least one element: %s", link)
	}
	if err := os.Symlink(target, filepath.Join(link...)); err != nil {
		t.Fatalf("symlink(%q, %q): %s", target, filepath.Join(link...), err)
	}
	if shouldWait(link...) {
		eventSeparator()
	}
}

// cat
func cat(t *testing.T, data string, path ...string) {
	t.Helper()
	if len(path) < 1 {
		t.Fatalf("cat: path must have at least one element: %s", path)
	}

	err := func() error {
		fp, err := os.OpenFile(filepath.Join(path...), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		if err := fp.Sync(); err != nil {
			return err
		}
		if shouldWait(path...) {
			eventSeparator()
		}
		if _, err := fp.WriteString(data); err != nil {
			return err
		}
		if err := fp.Sync(); err != nil {
			return err
		}
		if shouldWait(path...) {
			eventSeparator()
		}
		return fp.Close()
	}()
	if err != nil {
		t.Fatalf("cat(%q): %s", filepath.Join(path...), err)
	}
}

// touch
func touch(t *testing.T, path ...string) {
	t.Helper()
	if len(path) < 1 {
		t.Fatalf("touch: path must have at least one element: %s", path)
	}
	fp, err := os.Create(filepath.Join(path...))
	if err != nil {
		t.Fatalf("touch(%q): %s", filepath.Join(path...), err)
	}
	if err := fp.Close(); err != nil {
		t.Fatalf("touch(%q): %s", filepath.Join(path...), err)
	}
	if shouldWait(path...) {
		eventSeparator()
	}
}

// mv
func mv(t *testing.T, src string, dst ...string) {
	t.Helper()
	if len(dst) < 1 {
		t.Fatalf("mv: dst must have at least one element: %s", dst)
	}

	var err error
	switch runtime.GOOS {
	case "windows", "plan9":
		err = os.Rename(src, filepath.Join(dst...))
	default:
		err = exec.Command("mv", src, filepath.Join(dst...)).Run()
	}
	if err != nil {
		t.Fatalf("mv(%q, %q): %s", src, filepath.Join(dst...), err)
	}
	if shouldWait(dst...) {
		eventSeparator()
	}
}

// rm
func rm(t *testing.T, path ...string) {
	t.Helper()
	if len(path) < 1 {
		t.Fatalf("rm: path must have at least one element: %s", path)
	}
	if err := os.Remove(filepath.Join(path...)); err != nil {
		t.Fatalf("rm(%q): %s", filepath.Join(path...), err)
	}
	if shouldWait(path...) {
		eventSeparator()
	}
}

// rm -r
func rmAll(t *testing.T, path ...string) {
	t.Helper()
	if len(path) < 1 {
		t.Fatalf("rmAll: path must have at least one element: %s", path)
	}
	if err := os.RemoveAll(filepath.Join(path...)); err != nil {
		t.Fatalf("rmAll(%q): %s", filepath.Join(path...), err)
	}
	if shouldWait(path...) {
		eventSeparator()
	}
}

// chmod
func chmod(t *testing.T, mode fs.FileMode, path ...string) {
	t.Helper()
	if len(path) < 1 {
		t.Fatalf("chmod: path must have at least one element: %s", path)
	}
	if err := os.Chmod(filepath.Join(path...), mode); err != nil {
		t.Fatalf("chmod(%q): %s", filepath.Join(path...), err)
	}
	if shouldWait(path...) {
		eventSeparator()
	}
}

// eventCollector gathers every event (and error) a Watcher hands its
// handler, for later comparison against an expected sequence.
//
//	w := newCollector(t)
//	w.w.Watch(tmp, true)
//	.. do stuff ..
//	events := w.stop(t)
type eventCollector struct {
	w      Watcher
	events testEvents
	errs   []error
	mu     sync.Mutex
}

func (w *eventCollector) Handle(eoe EventOrError) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if eoe.Err != nil {
		w.errs = append(w.errs, eoe.Err)
		return
	}
	w.events = append(w.events, eoe.Event)
}

// newCollector builds a recommended-backend Watcher whose events feed the
// collector's buffer.
func newCollector(t *testing.T) *eventCollector {
	t.Helper()
	w := &eventCollector{}
	watcher, err := New(w, coreConfig())
	if err != nil {
		t.Fatalf("newCollector: %s", err)
	}
	w.w = watcher
	return w
}

func (w *eventCollector) stop(t *testing.T) testEvents {
	t.Helper()
	waitForEvents()
	if err := w.w.Close(); err != nil {
		t.Error(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, err := range w.errs {
		t.Error(err)
	}
	return w.events
}

// testEvents is a comparable projection of []Event used only by the test
// DSL below; production code compares the richer Event/Attrs directly.
type testEvents []Event

func (e testEvents) String() string {
	b := new(strings.Builder)
	for i, ee := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		path := ""
		if len(ee.Paths) > 0 {
			path = ee.Paths[0]
		}
		fmt.Fprintf(b, "%-28s %q", ee.Kind.String(), filepath.ToSlash(path))
	}
	return b.String()
}

func (e testEvents) TrimPrefix(prefix string) testEvents {
	for i := range e {
		for j, p := range e[i].Paths {
			if p == prefix {
				e[i].Paths[j] = "/"
			} else {
				e[i].Paths[j] = strings.TrimPrefix(p, prefix)
			}
		}
	}
	return e
}

// newEvents builds a testEvents list from a small string DSL, one event per
// line as "KIND path", e.g.:
//
//	create        path
//	modify-data   path
//
// Anything after a "#" is ignored. Platform-specific blocks can follow a
// "goos:" line; the block matching runtime.GOOS wins, falling back to the
// unlabeled block.
func newEvents(t *testing.T, s string) testEvents {
	t.Helper()

	var (
		lines  = strings.Split(s, "\n")
		group  string
		events = make(map[string]testEvents)
	)
	for no, line := range lines {
		if i := strings.IndexByte(line, '#'); i > -1 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") {
			group = strings.TrimRight(line, ":")
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 {
			t.Fatalf("newEvents: line %d has less than 2 fields: %s", no, line)
		}
		path := strings.Trim(fields[len(fields)-1], `"`)

		kind, ok := testKindByName[strings.ToLower(fields[0])]
		if !ok {
			t.Fatalf("newEvents: line %d has unknown event %q: %s", no, fields[0], line)
		}
		events[group] = append(events[group], NewEvent(kind).AddPath(path))
	}

	if e, ok := events[runtime.GOOS]; ok {
		return e
	}
	return events[""]
}

var testKindByName = map[string]EventKind{
	"create":          KindCreate(CreateFile),
	"create-dir":      KindCreate(CreateFolder),
	"modify-data":     KindModifyData(DataContent),
	"modify-metadata": KindModifyMetadata(MetaPermissions),
	"remove":          KindRemove(RemoveFile),
	"remove-dir":      KindRemove(RemoveFolder),
	"rename-from":     KindModifyName(RenameFrom),
	"rename-to":       KindModifyName(RenameTo),
	"rename-both":     KindModifyName(RenameBoth),
}

func cmpEvents(t *testing.T, tmp string, have, want testEvents) {
	t.Helper()

	have = have.TrimPrefix(tmp)

	if eventLines(have) != eventLines(want) {
		t.Errorf("\nhave:\n%s\nwant:\n%s", indent(have), indent(want))
	}
}

// eventLines projects events to sorted comparison lines. On Windows the
// raw backend only reports the category (Create(Any), Modify(Any)), so
// sub-kinds are dropped there — except rename modes, which the backend
// does distinguish. kqueue likewise can't say whether a removed entity
// was a file or a directory, so on the BSDs removes compare by category.
func eventLines(e testEvents) string {
	kqueueOS := map[string]bool{"freebsd": true, "openbsd": true, "netbsd": true, "dragonfly": true}

	lines := make([]string, 0, len(e))
	for _, ee := range e {
		kind := ee.Kind.String()
		if runtime.GOOS == "windows" {
			isRename := ee.Kind.Category == CategoryModify && ee.Kind.Modify.Variant == ModifyName
			if !isRename {
				kind = ee.Kind.Category.String()
			}
		}
		if kqueueOS[runtime.GOOS] && ee.Kind.Category == CategoryRemove {
			kind = ee.Kind.Category.String()
		}
		path := ""
		if len(ee.Paths) > 0 {
			path = ee.Paths[0]
		}
		lines = append(lines, fmt.Sprintf("%-28s %q", kind, filepath.ToSlash(path)))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func indent(s fmt.Stringer) string {
	return "\t" + strings.ReplaceAll(s.String(), "\n", "\n\t")
}
