package chroutine

// MoveChroutinesToThread hands every non-running coroutine over to another
// worker. The donor refuses new coroutines for the duration and ends up in
// the blocking state; the running coroutine stays put, its stack being live
// on the donor.
//
// Candidates are marked moved under the donor lock before any handoff, so a
// concurrent donor turn cannot resume a coroutine whose ownership is in
// flight; the recipient skips the mark too, until the donor has erased its
// own entries. Donor and recipient locks are never held together.
func (t *Thread) MoveChroutinesToThread(other *Thread) {
	if other == nil || other == t {
		return
	}

	t.setState(ThreadShifting)

	t.mu.Lock()
	candidates := make([]*Coroutine, 0, len(t.sched))
	for _, c := range t.sched {
		if c.id == t.runningID || c.moved {
			continue
		}
		c.moved = true
		candidates = append(candidates, c)
	}
	t.mu.Unlock()

	moved := candidates[:0]
	for _, c := range candidates {
		resettled := other.resettle(c)
		log.Infof("chroutine %d moved from thread %d to thread %d (resettled id %d)",
			c.id, t.creatingIndex, other.creatingIndex, resettled)
		if resettled == c.id {
			moved = append(moved, c)
		} else {
			t.mu.Lock()
			c.moved = false
			t.mu.Unlock()
		}
	}

	for _, c := range moved {
		t.dropChroutine(c.id)
	}

	// The donor no longer knows these ids; release them to the recipient's
	// pick scan.
	other.mu.Lock()
	for _, c := range moved {
		c.moved = false
	}
	other.mu.Unlock()

	t.setState(ThreadBlocking)
}

// resettle is the recipient side of the migration protocol: it takes
// ownership of a coroutine suspended on a peer worker and inserts it at the
// tail of the ready list. Suspension metadata travels with the coroutine;
// rebinding the owner keeps later suspension calls pointed at this worker.
// Returns the coroutine's id, or InvalidID when this worker cannot accept.
func (t *Thread) resettle(c *Coroutine) ID {
	if s := t.State(); s > ThreadRunning {
		log.Errorf("cannot resettle chroutine %d, thread %d state is %s", c.id, t.creatingIndex, s)
		return InvalidID
	}

	c.owner.Store(t)

	t.mu.Lock()
	t.chmap[c.id] = c
	t.sched = append(t.sched, c)
	t.mu.Unlock()

	return c.id
}
