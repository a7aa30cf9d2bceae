//go:build linux

package duneshelf

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// futexWait blocks the calling goroutine until word no longer holds expect,
// or a short timeout elapses (the caller always re-checks the word in a
// loop, so a spurious early return is harmless). Using a bounded timeout
// rather than an untimed wait keeps a crashed writer from wedging readers
// forever even if a wake is somehow missed.
func futexWait(word *atomic.Uint32, expect uint32) {
	ts := unix.Timespec{Sec: 0, Nsec: 200_000} // 200us
	addr := (*uint32)(unsafe.Pointer(word))
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT),
		uintptr(expect),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
}

// futexWake rouses every goroutine/thread waiting on word.
func futexWake(word *atomic.Uint32) {
	addr := (*uint32)(unsafe.Pointer(word))
	_, _, _ = unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAKE),
		uintptr(1<<30),
		0, 0, 0,
	)
}
