package notify

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no backend leaks a goroutine (the readEvents loop, an
// FSEvents run-loop, an I/O completion port worker) past a test's Close.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
