package chroutine

import "sync/atomic"

// ID identifies a coroutine. IDs are generated from a process-wide counter
// and never reused; they are only compared for equality.
type ID int64

// InvalidID is the reserved zero id.
const InvalidID ID = 0

var lastID atomic.Int64

func genID() ID {
	return ID(lastID.Add(1))
}

type coState int32

const (
	stateReady coState = iota
	stateRunning
	stateSuspend
	stateFin
)

// Func is a coroutine work function. The coroutine handle is the yield
// surface: suspension and son creation go through it so they keep reaching
// the right worker after a migration.
type Func func(co *Coroutine, arg any)

// Coroutine is a stackful, cooperatively scheduled unit of execution.
//
// Scheduling fields (state, yieldWait, yieldTo, father, son, moved) are
// owned by the worker holding the coroutine and are only touched under
// that worker's lock, or from the cell goroutine while the host is parked
// in the handoff.
type Coroutine struct {
	id   ID
	cell *cell
	fn   Func
	arg  any

	state     coState
	yieldWait int   // scheduler turns left to skip
	yieldTo   int64 // absolute wake-up in ms, 0 when unset

	father ID
	son    ID

	reporter             ReporterBase
	stopSonWhenYieldOver bool
	moved                bool

	owner atomic.Pointer[Thread]
}

func newChroutine(id ID, fn Func, arg any, t *Thread) *Coroutine {
	c := &Coroutine{
		id:     id,
		fn:     fn,
		arg:    arg,
		state:  stateReady,
		father: InvalidID,
		son:    InvalidID,
	}
	c.owner.Store(t)
	c.cell = newCell(func() {
		defer func() {
			if v := recover(); v != nil {
				log.Errorf("chroutine %d panicked: %v", c.id, v)
				if c.reporter != nil {
					c.reporter.setResult(ResultError)
				}
			}
		}()
		c.fn(c, c.arg)
	})
	log.Debugf("chroutine %d created", id)
	return c
}

// ID returns the coroutine's id.
func (c *Coroutine) ID() ID {
	return c.id
}

// Reporter returns the reporter shared with this coroutine's son, or nil.
func (c *Coroutine) Reporter() ReporterBase {
	return c.reporter
}

// Yield suspends the coroutine for tick scheduler turns. Must be called
// from inside the coroutine's work function.
func (c *Coroutine) Yield(tick int) {
	if t := c.owner.Load(); t != nil {
		t.Yield(tick)
	}
}

// Wait suspends the coroutine for up to ms milliseconds. If a son was
// spawned and the window expires before the son finishes, the son is
// force-terminated and the reporter records ResultTimeout.
func (c *Coroutine) Wait(ms int64) {
	if t := c.owner.Load(); t != nil {
		t.Wait(ms)
	}
}

// Sleep suspends the coroutine for ms milliseconds. Unlike Wait it never
// terminates a son on wake-up.
func (c *Coroutine) Sleep(ms int64) {
	if t := c.owner.Load(); t != nil {
		t.Sleep(ms)
	}
}

// CreateSon spawns a child coroutine on the same worker, linked to this
// coroutine, delivering its outcome through rep.
func (c *Coroutine) CreateSon(fn Func, rep ReporterBase) ID {
	t := c.owner.Load()
	if t == nil {
		return InvalidID
	}
	return t.CreateSonChroutine(fn, rep)
}

// wait reports whether the coroutine must be skipped this scheduling turn.
// A pending tick count is consumed one unit per turn; a wall-clock
// deadline holds the coroutine until now reaches it.
func (c *Coroutine) wait(now int64) int {
	if c.yieldWait > 0 {
		w := c.yieldWait
		c.yieldWait--
		return w
	}
	if c.yieldTo != 0 && c.yieldTo > now {
		return 1
	}
	return 0
}

// yieldOver is invoked by the scheduler immediately before resuming the
// coroutine. When a timed wait with son termination was armed, it records
// result in the reporter and surrenders the son's id for removal. The
// wall-clock deadline is always cleared.
func (c *Coroutine) yieldOver(result Result) ID {
	timedOut := InvalidID
	if c.yieldTo != 0 && c.stopSonWhenYieldOver {
		if c.reporter != nil {
			c.reporter.setResult(result)
		}
		timedOut = c.son
		c.son = InvalidID
		c.stopSonWhenYieldOver = false
	}
	c.yieldTo = 0
	return timedOut
}

// sonFinished records ResultDone and clears the wall-clock deadline so the
// parent becomes immediately eligible.
func (c *Coroutine) sonFinished() {
	if c.reporter != nil {
		c.reporter.setResult(ResultDone)
	}
	c.yieldTo = 0
}
