package internal

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// FSEvents flag constants, mirrored here so the decoder doesn't need the
// cgo binding.
var fseventNames = []struct {
	n string
	m uint32
}{
	{"MustScanSubDirs", 0x00000001},
	{"UserDropped", 0x00000002},
	{"KernelDropped", 0x00000004},
	{"EventIdsWrapped", 0x00000008},
	{"HistoryDone", 0x00000010},
	{"RootChanged", 0x00000020},
	{"Mount", 0x00000040},
	{"Unmount", 0x00000080},
	{"ItemCreated", 0x00000100},
	{"ItemRemoved", 0x00000200},
	{"ItemInodeMetaMod", 0x00000400},
	{"ItemRenamed", 0x00000800},
	{"ItemModified", 0x00001000},
	{"ItemFinderInfoMod", 0x00002000},
	{"ItemChangeOwner", 0x00004000},
	{"ItemXattrMod", 0x00008000},
	{"ItemIsFile", 0x00010000},
	{"ItemIsDir", 0x00020000},
	{"ItemIsSymlink", 0x00040000},
	{"OwnEvent", 0x00080000},
	{"ItemIsHardlink", 0x00100000},
	{"ItemIsLastHardlink", 0x00200000},
	{"ItemCloned", 0x00400000},
}

func DebugFSEvents(name string, mask uint32) {
	var (
		l       []string
		unknown = mask
	)
	for _, n := range fseventNames {
		if mask&n.m == n.m {
			l = append(l, n.n)
			unknown ^= n.m
		}
	}
	if unknown > 0 {
		l = append(l, fmt.Sprintf("0x%x", unknown))
	}
	fmt.Fprintf(os.Stderr, "NOTIFY_DEBUG: %s  %10d:%-60s → %q\n",
		time.Now().Format("15:04:05.000000000"), mask, strings.Join(l, " | "), name)
}
