// Package worker provides the goroutine lifecycle helper used by every
// long-running loop in this server: the connection acceptor, the
// per-connection command loops, and the replication propagation tick.
//
// It is a small halt-channel-plus-WaitGroup pattern: call Go to start
// a goroutine, Halt to ask every goroutine started this way to stop
// and block until they have.
package worker

import "sync"

// Worker is embedded by any type that owns background goroutines. Call
// Go to launch one, Halt to request that all of them stop and block
// until they have, and HaltCh in a goroutine's select loop to notice
// the halt request.
type Worker struct {
	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// Go launches fn in a new goroutine tracked by this Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Halt closes the halt channel (idempotently) and waits for every
// goroutine launched via Go to return.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.wg.Wait()
}

// IsHalted reports whether Halt has been called, without blocking.
func (w *Worker) IsHalted() bool {
	w.init()
	select {
	case <-w.haltCh:
		return true
	default:
		return false
	}
}
