//go:build unix && !linux

package duneshelf

import (
	"runtime"
	"sync/atomic"
	"time"
)

// futexWait and futexWake fall back to a bounded spin with Gosched on
// platforms without a futex syscall (e.g. darwin). The loop in rwFutexLock
// re-checks the word's value itself, so a short, approximate sleep here is
// sufficient; it only needs to avoid a busy spin that pegs a core.
func futexWait(word *atomic.Uint32, expect uint32) {
	if word.Load() != expect {
		return
	}
	runtime.Gosched()
	time.Sleep(200 * time.Microsecond)
}

func futexWake(word *atomic.Uint32) {
	runtime.Gosched()
}
