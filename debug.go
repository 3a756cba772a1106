package notify

import "os"

// debugEnabled: set NOTIFY_DEBUG to anything non-empty to have backends log
// raw kernel events to stderr via internal.Debug.
var debugEnabled = os.Getenv("NOTIFY_DEBUG") != ""
