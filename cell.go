package chroutine

import "runtime"

// cell is the saved execution state of a coroutine: a dedicated goroutine
// parked on an unbuffered handoff channel. Control moves between the host
// and the coroutine in strict ping-pong over next; exactly one side is
// runnable at any time.
//
// The goroutine's stack plays the role of the coroutine stack buffer, and
// the park point is the equivalent of a context saved by swapcontext.
type cell struct {
	next chan struct{}
	stop bool
	done bool
}

// newCell spawns the cell goroutine parked before body. The first resume
// starts body; if the cell is interrupted before then, body never runs.
func newCell(body func()) *cell {
	c := &cell{next: make(chan struct{})}

	go func() {
		defer func() {
			c.done = true
			close(c.next)
		}()

		<-c.next

		if !c.stop {
			body()
		}
	}()

	return c
}

// resume transfers control to the coroutine until it parks again. It
// reports false once the cell has run to completion. Called on the host
// side only, with no scheduler lock held.
func (c *cell) resume() bool {
	if c.done {
		return false
	}
	c.next <- struct{}{}
	_, ok := <-c.next
	return ok
}

// park transfers control back to the host and blocks until the next
// resume. When the cell was stopped while parked, the goroutine unwinds
// via runtime.Goexit and never returns to the caller; deferred calls still
// run. Called on the cell goroutine only.
func (c *cell) park() {
	c.next <- struct{}{}
	<-c.next
	if c.stop {
		runtime.Goexit()
	}
}

// interrupt stops the cell and drives it to completion. A parked coroutine
// does not run past its park point. Idempotent once the cell is done.
func (c *cell) interrupt() {
	if c.done {
		return
	}
	c.stop = true
	c.resume()
}
