//go:build !plan9
// +build !plan9

package notify

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatch(t *testing.T) {
	tests := []testCase{
		{"multiple creates", func(t *testing.T, w Watcher, tmp string) {
			file := filepath.Join(tmp, "file")
			addWatch(t, w, tmp)

			cat(t, "data", file)
			rm(t, file)

			touch(t, file)       // Recreate the file
			cat(t, "data", file) // Modify
			cat(t, "data", file) // Modify
		}, `
			create       /file
			modify-data  /file
			remove       /file
			create       /file
			modify-data  /file
			modify-data  /file
		`},

		{"dir only", func(t *testing.T, w Watcher, tmp string) {
			beforeWatch := filepath.Join(tmp, "beforewatch")
			file := filepath.Join(tmp, "file")

			touch(t, beforeWatch)
			addWatch(t, w, tmp)

			cat(t, "data", file)
			rm(t, file)
			rm(t, beforeWatch)
		}, `
			create       /file
			modify-data  /file
			remove       /file
			remove       /beforewatch
		`},

		{"subdir", func(t *testing.T, w Watcher, tmp string) {
			addWatch(t, w, tmp)

			file := filepath.Join(tmp, "file")
			dir := filepath.Join(tmp, "sub")
			dirfile := filepath.Join(tmp, "sub/file2")

			mkdir(t, dir)     // Create sub-directory
			touch(t, file)    // Create a file
			touch(t, dirfile) // Create a file in the sub-directory too
			time.Sleep(200 * time.Millisecond)
			rmAll(t, dir) // Make sure we get removes for both file and sub-directory
			rm(t, file)
		}, `
			create-dir  /sub
			create      /file
			create      /sub/file2
			remove      /sub/file2
			remove-dir  /sub
			remove      /file
		`},
	}

	for _, tt := range tests {
		tt := tt
		tt.run(t)
	}
}

func TestWatchNestedCreate(t *testing.T) {
	tests := []testCase{
		{"one create per level", func(t *testing.T, w Watcher, tmp string) {
			addWatch(t, w, tmp)

			mkdir(t, tmp, "1")
			mkdir(t, tmp, "1/2")
			mkdir(t, tmp, "1/2/3")
		}, `
			create-dir  /1
			create-dir  /1/2
			create-dir  /1/2/3
		`},
	}

	for _, tt := range tests {
		tt := tt
		tt.run(t)
	}
}

func TestWatchNonRecursive(t *testing.T) {
	tests := []testCase{
		{"ignores grandchildren", func(t *testing.T, w Watcher, tmp string) {
			if err := w.Watch(tmp, false); err != nil {
				t.Fatal(err)
			}

			mkdir(t, tmp, "sub")
			touch(t, tmp, "sub/file")
			touch(t, tmp, "file")
		}, `
			create-dir  /sub
			create      /file
		`},
	}

	for _, tt := range tests {
		tt := tt
		tt.run(t)
	}
}

func TestWatchRename(t *testing.T) {
	tests := []testCase{
		{"rename file", func(t *testing.T, w Watcher, tmp string) {
			file := filepath.Join(tmp, "file")

			addWatch(t, w, tmp)
			cat(t, "asd", file)
			mv(t, file, tmp, "renamed")
		}, `
			create       /file
			modify-data  /file
			rename-from  /file
			rename-to    /renamed

			linux:
			create       /file
			modify-data  /file
			rename-from  /file
			rename-to    /renamed
			rename-both  /file
		`},

		{"rename from unwatched directory", func(t *testing.T, w Watcher, tmp string) {
			unwatched := t.TempDir()

			addWatch(t, w, tmp)
			touch(t, unwatched, "file")
			mv(t, filepath.Join(unwatched, "file"), tmp, "file")
		}, `
			create /file

			linux:
			rename-to /file
		`},

		{"rename to unwatched directory", func(t *testing.T, w Watcher, tmp string) {
			if runtime.GOOS == "netbsd" {
				t.Skip("NetBSD behaviour is not fully correct") // TODO: investigate and fix.
			}

			unwatched := t.TempDir()
			file := filepath.Join(tmp, "file")
			renamed := filepath.Join(unwatched, "renamed")

			addWatch(t, w, tmp)

			cat(t, "data", file)
			mv(t, file, renamed)
			cat(t, "data", renamed) // Modify the file outside of the watched dir
			touch(t, file)          // Recreate the file that was moved
		}, `
			create       /file
			modify-data  /file
			rename-from  /file
			create       /file
		`},

		{"rename watched directory", func(t *testing.T, w Watcher, tmp string) {
			addWatch(t, w, tmp)

			dir := filepath.Join(tmp, "dir")
			mkdir(t, dir)
			addWatch(t, w, dir)

			mv(t, dir, tmp, "dir-renamed")
			touch(t, tmp, "dir-renamed/file")
		}, `
			create-dir   /dir
			rename-from  /dir
			rename-to    /dir-renamed
			create       /dir-renamed/file

			linux:
			create-dir   /dir
			rename-from  /dir
			rename-to    /dir-renamed
			rename-both  /dir
			create       /dir-renamed/file
		`},
	}

	for _, tt := range tests {
		tt := tt
		tt.run(t)
	}
}

func TestWatchSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks don't work on Windows")
	}

	tests := []testCase{
		{"create unresolvable symlink", func(t *testing.T, w Watcher, tmp string) {
			addWatch(t, w, tmp)

			symlink(t, filepath.Join(tmp, "target"), tmp, "link")
		}, `
			create /link
		`},
	}

	for _, tt := range tests {
		tt := tt
		tt.run(t)
	}
}

func TestWatchAttrib(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("attributes don't work on Windows")
	}

	tests := []testCase{
		{"chmod", func(t *testing.T, w Watcher, tmp string) {
			file := filepath.Join(tmp, "file")

			cat(t, "data", file)
			addWatch(t, w, file)
			chmod(t, 0o700, file)
		}, `
			modify-metadata  /file
		`},

		{"write does not trigger chmod", func(t *testing.T, w Watcher, tmp string) {
			file := filepath.Join(tmp, "file")

			cat(t, "data", file)
			addWatch(t, w, file)
			chmod(t, 0o700, file)

			cat(t, "more data", file)
		}, `
			modify-metadata  /file
			modify-data      /file
		`},
	}

	for _, tt := range tests {
		tt := tt
		tt.run(t)
	}
}

func TestWatchRm(t *testing.T) {
	tests := []testCase{
		{"remove watched directory", func(t *testing.T, w Watcher, tmp string) {
			if runtime.GOOS == "openbsd" || runtime.GOOS == "netbsd" {
				t.Skip("behaviour is inconsistent on OpenBSD and NetBSD, and this test is flaky")
			}

			file := filepath.Join(tmp, "file")

			touch(t, file)
			addWatch(t, w, tmp)
			rmAll(t, tmp)
		}, `
			remove      /file
			remove-dir  /
		`},
	}

	for _, tt := range tests {
		tt := tt
		tt.run(t)
	}
}

func TestClose(t *testing.T) {
	t.Run("close", func(t *testing.T) {
		t.Parallel()

		w := newTestWatcher(t)
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}

		var done int32
		go func() {
			w.Close()
			atomic.StoreInt32(&done, 1)
		}()

		eventSeparator()
		if atomic.LoadInt32(&done) == 0 {
			t.Fatal("double Close() test failed: second Close() call didn't return")
		}

		if err := w.Watch(t.TempDir(), true); err == nil {
			t.Fatal("expected error on Watch() after Close(), got nil")
		}
	})

	t.Run("events not read", func(t *testing.T) {
		t.Parallel()

		tmp := t.TempDir()
		w := newTestWatcher(t, tmp)

		touch(t, tmp, "file")
		rm(t, tmp, "file")
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	})

	// Make sure calling Close() while Remove events are still being
	// delivered doesn't race.
	t.Run("close while removing files", func(t *testing.T) {
		t.Parallel()
		tmp := t.TempDir()

		files := make([]string, 0, 200)
		for i := 0; i < 200; i++ {
			f := filepath.Join(tmp, fmt.Sprintf("file-%03d", i))
			touch(t, f, noWait)
			files = append(files, f)
		}

		w := newTestWatcher(t, tmp)

		startC, errC := make(chan struct{}), make(chan error)
		rmDone := make(chan struct{})
		go func() {
			<-startC
			for _, f := range files {
				rm(t, f, noWait)
			}
			rmDone <- struct{}{}
		}()
		go func() {
			<-startC
			errC <- w.Close()
		}()
		close(startC)
		if err := <-errC; err != nil {
			t.Fatal(err)
		}

		<-rmDone
	})

	// Make sure Close() doesn't race when called more than once.
	t.Run("double close", func(t *testing.T) {
		t.Parallel()

		for i := 0; i < 150; i++ {
			w, err := New(HandlerFunc(func(EventOrError) {}), DefaultConfig())
			if err != nil {
				t.Fatal(err)
			}
			go w.Close()
			go w.Close()
			go w.Close()
		}
	})
}

func TestRemove(t *testing.T) {
	t.Run("works", func(t *testing.T) {
		t.Parallel()

		tmp := t.TempDir()
		touch(t, tmp, "file")

		w := newCollector(t)
		addWatch(t, w.w, tmp)
		if err := w.w.Unwatch(tmp); err != nil {
			t.Fatal(err)
		}

		time.Sleep(200 * time.Millisecond)
		cat(t, "data", tmp, "file")
		chmod(t, 0o700, tmp, "file")

		have := w.stop(t)
		if len(have) > 0 {
			t.Errorf("received events; expected none:\n%s", have)
		}
	})

	t.Run("unwatch same dir twice", func(t *testing.T) {
		tmp := t.TempDir()

		touch(t, tmp, "file")

		w := newTestWatcher(t)
		defer w.Close()

		addWatch(t, w, tmp)

		if err := w.Unwatch(tmp); err != nil {
			t.Fatal(err)
		}
		if err := w.Unwatch(tmp); err == nil {
			t.Fatal("no error")
		}
	})

	// Make sure concurrent calls to Unwatch() don't race.
	t.Run("no race", func(t *testing.T) {
		t.Parallel()

		tmp := t.TempDir()
		touch(t, tmp, "file")

		for i := 0; i < 10; i++ {
			w := newTestWatcher(t)
			addWatch(t, w, tmp)

			done := make(chan struct{})
			go func() {
				defer func() { done <- struct{}{} }()
				w.Unwatch(tmp)
			}()
			go func() {
				defer func() { done <- struct{}{} }()
				w.Unwatch(tmp)
			}()
			<-done
			<-done
			w.Close()
		}
	})
}
