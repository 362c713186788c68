package bplusdb

import (
	"sync"
	"time"
)

// redoWriteRequest is a prepared payload awaiting the writer thread.
type redoWriteRequest struct {
	payload []byte
	done chan error
}

// redoWriter is the optional dedicated writer thread: a single consumer
// drains a bounded queue of prepared payloads and invokes the underlying
// redoLog in order, decoupling mutation latency from disk when
// useRedoThread is set.
type redoWriter struct {
	log *redoLog
	bufferSize int
	queue chan *redoWriteRequest
	stop chan struct{}
	interrupt chan struct{}
	done chan struct{}
	stopOnce sync.Once
}

// newRedoWriter starts the consumer goroutine. queueCapacity defaults to
// 1.
func newRedoWriter(log *redoLog, bufferSize, queueCapacity int) *redoWriter {
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	w := &redoWriter{
		log: log,
		bufferSize: bufferSize,
		queue: make(chan *redoWriteRequest, queueCapacity),
		stop: make(chan struct{}),
		interrupt: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *redoWriter) run() {
	defer close(w.done)
	for {
		select {
		case req := <-w.queue:
			w.write(req)
		case <-w.stop:
			w.drain()
			return
		case <-w.interrupt:
			w.drain()
			return
		}
	}
}

// drain flushes any residual queued buffers before the thread exits.
func (w *redoWriter) drain() {
	for {
		select {
		case req := <-w.queue:
			w.write(req)
		default:
			return
		}
	}
}

func (w *redoWriter) write(req *redoWriteRequest) {
	_, err := w.log.writeRecord(req.payload, w.bufferSize)
	req.done <- err
}

// submit enqueues payload and blocks until it has been appended,
// preserving commit-before-return semantics.
func (w *redoWriter) submit(payload []byte) error {
	req := &redoWriteRequest{payload: payload, done: make(chan error, 1)}
	w.queue <- req
	return <-req.done
}

// shutdown implements the two-phase handshake: signal stop, wait up to
// three seconds, then interrupt and wait up to thirty more.
func (w *redoWriter) shutdown() {
	w.stopOnce.Do(func() {
		close(w.stop)
		select {
		case <-w.done:
			return
		case <-time.After(3 * time.Second):
		}
		close(w.interrupt)
		select {
		case <-w.done:
		case <-time.After(30 * time.Second):
		}
	})
}
