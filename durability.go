package duneshelf

import (
	"sync"
	"sync/atomic"
)

// maxDurabilityBatch bounds how many pending fsync requests a single
// drain of the durability worker's channel will coalesce into one
// fsync call before waking waiters and looping again.
const maxDurabilityBatch = 64

// durabilityRequest is one caller's ask that the data file be flushed to
// stable storage before it proceeds. done is closed once the flush that
// covers this request's submission has completed.
type durabilityRequest struct {
	done chan struct{}
}

// durabilityWorker is the background fsync batcher: a single goroutine
// draining a bounded channel of requests and issuing one fsync per
// batch, so that N committing writers queued up behind a slow disk pay
// for one flush instead of N. This is the idiomatic translation of a
// forked helper process reading notifications off a pipe: a goroutine
// plus a channel gives the same single-flusher, many-waiters shape
// without the process overhead, and shuts down cleanly by closing the
// request channel instead of signalling a child pid.
type durabilityWorker struct {
	env *Env

	reqs    chan *durabilityRequest
	stopped atomic.Bool
	wg      sync.WaitGroup

	completed atomic.Uint64
}

// startDurabilityWorker launches the background flusher for env. The
// caller must call stop when the environment closes.
func startDurabilityWorker(env *Env) *durabilityWorker {
	w := &durabilityWorker{
		env:  env,
		reqs: make(chan *durabilityRequest, maxDurabilityBatch),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// request submits a flush request and blocks until a batch covering it has
// been durably flushed. It returns immediately without flushing if the
// worker has already been stopped (the caller is assumed to be tearing
// down the environment in that case).
func (w *durabilityWorker) request() {
	if w.stopped.Load() {
		return
	}
	req := &durabilityRequest{done: make(chan struct{})}
	select {
	case w.reqs <- req:
		<-req.done
	default:
		// Channel full: a batch is already in flight that will cover this
		// submission once it drains the backlog. Enqueue blocking instead
		// of spinning, since the worker is actively making progress.
		w.reqs <- req
		<-req.done
	}
}

// run is the worker's main loop: block for the first request in a batch,
// then greedily drain up to maxDurabilityBatch-1 more without blocking,
// flush once, and release every waiter in the batch together.
func (w *durabilityWorker) run() {
	defer w.wg.Done()
	batch := make([]*durabilityRequest, 0, maxDurabilityBatch)

	for {
		req, ok := <-w.reqs
		if !ok {
			return
		}
		batch = append(batch, req)

	drain:
		for len(batch) < maxDurabilityBatch {
			select {
			case req, ok := <-w.reqs:
				if !ok {
					break drain
				}
				batch = append(batch, req)
			default:
				break drain
			}
		}

		w.env.flushDataFile()
		w.completed.Add(1)
		if w.env.metrics != nil {
			w.env.metrics.fsyncsPerformed.Inc()
		}

		for _, r := range batch {
			close(r.done)
		}
		batch = batch[:0]
	}
}

// stop drains any requests already queued, flushing once more if needed,
// then shuts the worker down. Safe to call once per worker.
func (w *durabilityWorker) stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.reqs)
	w.wg.Wait()
}

// completedFlushes reports how many batches the worker has flushed, for
// diagnostics and tests.
func (w *durabilityWorker) completedFlushes() uint64 {
	return w.completed.Load()
}
