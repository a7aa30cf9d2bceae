//go:build unix

package duneshelf

import (
	"sync/atomic"
	"syscall"
)

// rwFutexLock is a reader/writer lock packed into a single 32-bit word,
// suitable for placement in shared memory (the lock file's mmap) so that
// unrelated processes can coordinate without a kernel-level lock object.
// Bit 31 is the write-held bit, bit 30 is the write-request bit, and bits
// 0-29 hold the live reader count.
//
// This runs alongside, not instead of, lockFile's existing syscall.Flock
// writer mutex: Flock already gives the writer-exclusion and
// dies-with-the-process guarantees this engine relies on for its single
// write transaction at a time. rwFutexLock is the lower-level primitive described for reader/writer
// coordination; here it serializes the slow-path free-slot scan in
// acquireReaderSlot.
type rwFutexLock struct {
	word *atomic.Uint32
}

const (
	futexWriteHeld    uint32 = 1 << 31
	futexWriteRequest uint32 = 1 << 30
	futexReaderMask   uint32 = futexWriteRequest - 1
)

func newRWFutexLock(word *atomic.Uint32) *rwFutexLock {
	return &rwFutexLock{word: word}
}

// rlock registers one more reader, spinning/yielding while a writer holds
// or has requested the lock.
func (l *rwFutexLock) rlock() {
	for {
		w := l.word.Load()
		if w&(futexWriteHeld|futexWriteRequest) != 0 {
			futexWait(l.word, w)
			continue
		}
		if l.word.CompareAndSwap(w, w+1) {
			return
		}
	}
}

// runlock releases one reader registration.
func (l *rwFutexLock) runlock() {
	for {
		w := l.word.Load()
		if w&futexReaderMask == 0 {
			return // already balanced; tolerate a redundant unlock
		}
		if l.word.CompareAndSwap(w, w-1) {
			futexWake(l.word)
			return
		}
	}
}

// lock acquires exclusive access, first raising the write-request bit so
// that new readers stop arriving, then waiting out the readers already in.
func (l *rwFutexLock) lock() {
	for {
		w := l.word.Load()
		if w&futexWriteHeld != 0 {
			futexWait(l.word, w)
			continue
		}
		if l.word.CompareAndSwap(w, w|futexWriteRequest) {
			break
		}
	}
	for {
		w := l.word.Load()
		if w&futexReaderMask != 0 {
			futexWait(l.word, w)
			continue
		}
		if l.word.CompareAndSwap(w, (w&^futexWriteRequest)|futexWriteHeld) {
			return
		}
	}
}

// unlock releases exclusive access and wakes any waiters.
func (l *rwFutexLock) unlock() {
	w := l.word.Load()
	l.word.Store(w &^ futexWriteHeld)
	futexWake(l.word)
}

// futexWait and futexWake are implemented per-platform (futex_linux.go uses
// the real futex(2) syscall; other unix platforms fall back to a bounded
// spin in futex_other.go).

// robustPIDLock is a cross-process mutual-exclusion primitive that needs
// no explicit unlock on a crash: the lock word holds the owning process's
// pid, and a would-be acquirer that finds a stale pid (one that no longer
// exists) simply CASes its own pid in over it. This is the algorithm
// lockFile's reader slots rely on implicitly via OS process death; here it
// is made explicit and reusable for any shared-memory word that should
// behave the same way.
type robustPIDLock struct {
	word *atomic.Uint32
}

func newRobustPIDLock(word *atomic.Uint32) *robustPIDLock {
	return &robustPIDLock{word: word}
}

// tryAcquire attempts to claim the lock, returning true on success. It
// also succeeds, after reclaiming the slot, if the current holder's pid no
// longer exists.
func (l *robustPIDLock) tryAcquire() bool {
	self := cachedPID
	for {
		held := l.word.Load()
		if held == 0 {
			if l.word.CompareAndSwap(0, self) {
				return true
			}
			continue
		}
		if held == self {
			return true // already ours (re-entrant from the same process)
		}
		if !pidAlive(held) {
			if l.word.CompareAndSwap(held, self) {
				return true
			}
			continue
		}
		return false
	}
}

// release relinquishes the lock if this process holds it.
func (l *robustPIDLock) release() {
	l.word.CompareAndSwap(cachedPID, 0)
}

// pidAlive probes whether pid refers to a live process using the
// zero-signal kill(2) convention: ESRCH means it is gone, EPERM means it
// exists but is owned by another user, anything else is treated as alive
// to be conservative about falsely reclaiming a live lock.
func pidAlive(pid uint32) bool {
	err := syscall.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
