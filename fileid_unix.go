//go:build !windows

package notify

import "golang.org/x/sys/unix"

// statFileID resolves path's (device, inode) pair, the Unix realization of
// FileID. Symlinks are followed, matching the debounced-events semantics of
// tracking the target's identity rather than the link's.
func statFileID(path string) (FileID, bool) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileID{}, false
	}
	return FileID{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, true
}
