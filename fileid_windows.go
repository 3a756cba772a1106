//go:build windows

package notify

import "golang.org/x/sys/windows"

// statFileID resolves path's (volume serial, file index) pair, the Windows
// realization of FileID, via GetFileInformationByHandle — the same API the
// ReadDirectoryChangesW backend already uses to key a watch by volume plus
// file index so a renamed directory keeps its watch (windows.go).
func statFileID(path string) (FileID, bool) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return FileID{}, false
	}
	h, err := windows.CreateFile(p, 0, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return FileID{}, false
	}
	defer windows.CloseHandle(h)

	var info windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(h, &info); err != nil {
		return FileID{}, false
	}
	return FileID{
		Dev: uint64(info.VolumeSerialNumber),
		Ino: uint64(info.FileIndexHigh)<<32 | uint64(info.FileIndexLow),
	}, true
}
