package duneshelf

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// rootBufOffset is where a rootBuf's 16 bytes (counter, root) live inside a
// meta page, placed just past the meta struct's fixed fields so it never
// collides with them regardless of future struct growth within metaSize.
const rootBufOffset = 224

// rootBufAt views 16 bytes of a meta page's backing array, starting at
// rootBufOffset, as a *rootBuf. pageBytes must be the full raw page
// (including its pageHeader), at least pageHeaderSize+rootBufOffset+16
// bytes long. This follows the same unsafe-cast-over-mmap-bytes pattern
// meta.go and page.go already use for pageHeader and meta themselves.
func rootBufAt(pageBytes []byte) *rootBuf {
	off := pageHeaderSize + rootBufOffset
	if len(pageBytes) < off+16 {
		return nil
	}
	return (*rootBuf)(unsafe.Pointer(&pageBytes[off]))
}

// rootBuf is one half of the double-buffered root pointer: a monotonic
// counter and the root value it currently publishes. Two of these live
// side by side (one per meta page, in the trailing padding after the meta
// body) and env_set_root/env_root flip between them following the protocol
// in rootPublisher.
type rootBuf struct {
	counter atomic.Uint64
	root    atomic.Uint64
}

// rootPublisher implements the wait-free-reader, lock-free-single-writer
// double buffer that publishes Env's root pointer. It does not know what
// the root value means (a tree root page number, in this engine); it only
// guarantees that a reader observing env_root() sees one full published
// value, never a torn mix of an old and new one.
//
// Readers loop: snapshot both counters, pick the higher as current, read
// its root, re-read both counters, and accept only if neither moved.
// Writers tick the chosen buffer's counter twice: once to mark
// "writing" (c -> c+1) and once, after storing the new root, to mark
// "published" two ticks ahead of the other buffer (c -> c+4).
type rootPublisher struct {
	bufs [2]*rootBuf
}

// newRootPublisher wires a publisher over two pre-existing buffers (backed
// by the reserved tail of meta pages 0 and 1). The caller is responsible for
// their lifetime; rootPublisher never allocates one itself.
func newRootPublisher(a, b *rootBuf) *rootPublisher {
	return &rootPublisher{bufs: [2]*rootBuf{a, b}}
}

// errRootCorrupt indicates the two counters disagree by an amount other
// than 0, 1, or 2 ticks, which per the protocol can only mean a kernel
// memory fault or a third concurrent writer. It is unrecoverable.
var errRootCorrupt = fmt.Errorf("duneshelf: double-buffered root pointer is corrupt")

// root returns the currently published root value.
func (rp *rootPublisher) root() uint64 {
	for {
		c0 := rp.bufs[0].counter.Load()
		c1 := rp.bufs[1].counter.Load()

		var cur int
		if c0 >= c1 {
			cur = 0
		} else {
			cur = 1
		}
		val := rp.bufs[cur].root.Load()

		c0b := rp.bufs[0].counter.Load()
		c1b := rp.bufs[1].counter.Load()
		if c0b == c0 && c1b == c1 {
			return val
		}
		// A writer moved mid-read; retry.
	}
}

// setRoot publishes newRoot, but only if the caller's expected seqno (the
// counter value it observed as "current" before deciding to write) still
// matches. This gives the single writer a compare-and-publish primitive
// without taking any lock: a late writer silently loses the race instead of
// corrupting a buffer that has since moved on.
func (rp *rootPublisher) setRoot(expectedSeqno uint64, newRoot uint64) error {
	for {
		c0 := rp.bufs[0].counter.Load()
		c1 := rp.bufs[1].counter.Load()

		var target int
		switch {
		case c1 == c0+2:
			target = 0
		case c0 == c1+2:
			target = 1
		case c0 == c1 || absDiff(c0, c1) == 2:
			target = 0
			if c1 < c0 {
				target = 1
			}
		default:
			diff := absDiff(c0, c1)
			if diff == 1 {
				// Mid-transition: another writer is between steps. Yield
				// and retry rather than racing it.
				continue
			}
			return errRootCorrupt
		}

		buf := rp.bufs[target]
		c := buf.counter.Load()
		if !buf.counter.CompareAndSwap(c, c+1) {
			continue // lost the race to start writing; retry from scratch
		}

		if rp.currentSeqno() != expectedSeqno {
			// Roll the "writing" marker back off; nothing was published.
			buf.counter.CompareAndSwap(c+1, c)
			return errSeqnoStale
		}

		buf.root.Store(newRoot)
		if !buf.counter.CompareAndSwap(c+1, c+4) {
			// Only this writer could have advanced it from c+1; a failure
			// here means the buffer was corrupted concurrently.
			return errRootCorrupt
		}
		return nil
	}
}

// errSeqnoStale is returned by setRoot when the publication it was about to
// make has been superseded by a concurrent writer's commit.
var errSeqnoStale = fmt.Errorf("duneshelf: root publication seqno is stale")

// currentSeqno returns the counter value of whichever buffer is currently
// published, for use as the "expected" seqno passed to a later setRoot.
func (rp *rootPublisher) currentSeqno() uint64 {
	c0 := rp.bufs[0].counter.Load()
	c1 := rp.bufs[1].counter.Load()
	if c0 >= c1 {
		return c0
	}
	return c1
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
