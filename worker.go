package chroutine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ThreadState is the lifecycle of a worker thread. States past ThreadRunning
// refuse new coroutines.
type ThreadState int32

const (
	ThreadInit ThreadState = iota
	ThreadRunning
	ThreadShifting
	ThreadBlocking
	ThreadFinished
)

func (s ThreadState) String() string {
	switch s {
	case ThreadInit:
		return "init"
	case ThreadRunning:
		return "running"
	case ThreadShifting:
		return "shifting"
	case ThreadBlocking:
		return "blocking"
	case ThreadFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Pool receives lifecycle notifications from worker threads. The engine
// implements it; standalone threads have none.
type Pool interface {
	OnThreadReady(creatingIndex int, threadID uuid.UUID)
}

const defaultPollIdle = 10 * time.Millisecond

// loadMeter keeps an exponentially weighted moving average of events
// processed per drive-loop turn. Written by the owning loop, read by peers.
type loadMeter struct {
	bits atomic.Uint64
}

const loadDecay = 0.9

func (l *loadMeter) update(processed int) {
	prev := math.Float64frombits(l.bits.Load())
	l.bits.Store(math.Float64bits(prev*loadDecay + float64(processed)*(1-loadDecay)))
}

func (l *loadMeter) value() float64 {
	return math.Float64frombits(l.bits.Load())
}

// Thread is a worker: it owns a schedule of coroutines and drives them
// round-robin on its own goroutine, multiplexed with a set of pollable
// sources.
//
// The schedule fields (chmap, sched, schedIdx, toFree, runningID) and every
// coroutine scheduling field are protected by mu. The lock is never held
// across a context switch.
type Thread struct {
	threadID      uuid.UUID
	pool          Pool
	creatingIndex int
	pollIdle      time.Duration

	mu        sync.Mutex
	chmap     map[ID]*Coroutine
	sched     []*Coroutine
	schedIdx  int // len(sched) means "restart from head next turn"
	toFree    []*Coroutine
	runningID ID

	selMu     sync.Mutex
	selectors map[Selectable]bool

	state     atomic.Int32
	entryTime atomic.Int64
	needStop  atomic.Bool
	isRunning atomic.Bool
	load      loadMeter
	stopped   chan struct{}
}

// ThreadOption configures a Thread at construction time.
type ThreadOption func(*Thread)

// WithPool attaches the thread to a pool; the pool is notified once the
// drive loop has begun, keyed by creatingIndex.
func WithPool(p Pool, creatingIndex int) ThreadOption {
	return func(t *Thread) {
		t.pool = p
		t.creatingIndex = creatingIndex
	}
}

// WithPollIdle overrides how long the drive loop sleeps after a turn that
// processed nothing.
func WithPollIdle(d time.Duration) ThreadOption {
	return func(t *Thread) {
		if d > 0 {
			t.pollIdle = d
		}
	}
}

// NewThread creates a worker in the init state. The drive loop is not
// started; call Start or Schedule.
func NewThread(opts ...ThreadOption) *Thread {
	t := &Thread{
		chmap:     make(map[ID]*Coroutine),
		selectors: make(map[Selectable]bool),
		pollIdle:  defaultPollIdle,
		stopped:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ThreadID returns the worker identity assigned when the drive loop
// started. Zero before that.
func (t *Thread) ThreadID() uuid.UUID {
	return t.threadID
}

// State returns the thread lifecycle state.
func (t *Thread) State() ThreadState {
	return ThreadState(t.state.Load())
}

func (t *Thread) setState(s ThreadState) {
	log.Infof("thread %d state change %s->%s", t.creatingIndex, t.State(), s)
	t.state.Store(int32(s))
}

// EntryTime returns the timestamp at which the currently running coroutine
// was entered, or 0 when none is running. Peers use it to spot a worker
// stuck inside one coroutine.
func (t *Thread) EntryTime() int64 {
	return t.entryTime.Load()
}

func (t *Thread) setEntryTime() {
	t.entryTime.Store(timeStamp())
}

func (t *Thread) clearEntryTime() {
	t.entryTime.Store(0)
}

// Load returns the worker's smoothed events-per-turn figure.
func (t *Thread) Load() float64 {
	return t.load.value()
}

// Done reports whether the schedule is empty.
func (t *Thread) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chmap) == 0
}

// Stopped is closed once the drive loop has exited.
func (t *Thread) Stopped() <-chan struct{} {
	return t.stopped
}

// Start runs the drive loop on its own goroutine. No-op when already
// running.
func (t *Thread) Start() {
	if t.isRunning.Load() {
		return
	}
	go t.Schedule()
}

// Stop requests the drive loop to exit. The loop observes the flag at the
// top of its next turn; the running coroutine is never interrupted
// mid-execution.
func (t *Thread) Stop() {
	t.needStop.Store(true)
	log.Infof("thread %d exiting...", t.creatingIndex)
}

// Schedule is the drive loop. Each turn polls every registered selectable
// source, runs at most one coroutine, and updates the load figure; turns
// that process nothing sleep briefly to avoid a busy loop. On exit every
// remaining coroutine is terminated and dropped.
func (t *Thread) Schedule() error {
	t.threadID = uuid.New()
	t.setState(ThreadRunning)
	t.isRunning.Store(true)
	log.Infof("thread %d (%s) drive loop started", t.creatingIndex, t.threadID)

	if t.pool != nil {
		t.pool.OnThreadReady(t.creatingIndex, t.threadID)
	}

	for !t.needStop.Load() {
		processed := t.selectAll()
		processed += t.pickRunChroutine()
		t.load.update(processed)
		if processed == 0 {
			time.Sleep(t.pollIdle)
		}
	}

	t.isRunning.Store(false)
	t.setState(ThreadFinished)
	t.clearAllChroutine()
	close(t.stopped)
	log.Infof("thread %d (%s) drive loop finished", t.creatingIndex, t.threadID)
	return nil
}

// CreateChroutine registers a new coroutine at the tail of the ready list
// and returns its id. Returns InvalidID when the thread is past running or
// fn is nil.
func (t *Thread) CreateChroutine(fn Func, arg any) ID {
	if s := t.State(); s > ThreadRunning {
		log.Errorf("cannot create chroutine, thread %d state is %s", t.creatingIndex, s)
		return InvalidID
	}
	if fn == nil {
		return InvalidID
	}

	c := newChroutine(genID(), fn, arg, t)

	t.mu.Lock()
	t.chmap[c.id] = c
	t.sched = append(t.sched, c)
	t.mu.Unlock()

	log.Debugf("create chroutine %d on thread %d", c.id, t.creatingIndex)
	return c.id
}

// CreateSonChroutine spawns a child of the currently running coroutine on
// the same worker. The reporter's payload becomes the son's argument; the
// parent and son share the reporter. Returns InvalidID when no coroutine is
// running.
func (t *Thread) CreateSonChroutine(fn Func, rep ReporterBase) ID {
	if s := t.State(); s > ThreadRunning {
		log.Errorf("cannot create son chroutine, thread %d state is %s", t.creatingIndex, s)
		return InvalidID
	}

	t.mu.Lock()
	father := t.chmap[t.runningID]
	t.mu.Unlock()
	if father == nil {
		return InvalidID
	}

	var arg any
	if rep != nil {
		arg = rep.payload()
	}

	son := t.CreateChroutine(fn, arg)
	if son == InvalidID {
		return InvalidID
	}

	t.mu.Lock()
	if pson := t.chmap[son]; pson != nil {
		pson.father = father.id
		pson.reporter = rep
		father.reporter = rep
		father.son = son
	}
	t.mu.Unlock()
	return son
}

// Yield suspends the current coroutine for tick scheduler turns.
func (t *Thread) Yield(tick int) {
	t.yieldCurrent(tick)
}

// Wait suspends the current coroutine for up to ms milliseconds. If the
// window expires before a spawned son finishes, the son is force-terminated
// and the shared reporter records ResultTimeout.
func (t *Thread) Wait(ms int64) {
	t.waitCurrent(ms, true)
}

// Sleep suspends the current coroutine for ms milliseconds without
// terminating a son on wake-up.
func (t *Thread) Sleep(ms int64) {
	t.waitCurrent(ms, false)
}

func (t *Thread) yieldCurrent(tick int) {
	if tick <= 0 {
		return
	}

	t.mu.Lock()
	co := t.chmap[t.runningID]
	if co == nil || co.state != stateRunning {
		t.mu.Unlock()
		return
	}
	co.state = stateSuspend
	co.yieldWait += tick
	t.runningID = InvalidID
	t.mu.Unlock()

	co.cell.park()
}

func (t *Thread) waitCurrent(ms int64, stopSonAfterWait bool) {
	if ms <= 0 {
		return
	}

	t.mu.Lock()
	co := t.chmap[t.runningID]
	if co == nil || co.state != stateRunning {
		t.mu.Unlock()
		return
	}
	co.state = stateSuspend
	co.yieldTo = timeStamp() + ms
	co.stopSonWhenYieldOver = stopSonAfterWait
	t.runningID = InvalidID
	t.mu.Unlock()

	co.cell.park()
}

// AwakeChroutine makes a waiting coroutine immediately eligible, as if its
// son had finished with ResultDone. Returns -1 for an unknown id.
func (t *Thread) AwakeChroutine(id ID) int {
	t.mu.Lock()
	c := t.chmap[id]
	if c == nil {
		t.mu.Unlock()
		log.Errorf("awake failed, unknown chroutine %d", id)
		return -1
	}
	son := c.yieldOver(ResultDone)
	t.mu.Unlock()

	if son != InvalidID {
		t.removeChroutine(son)
	}
	return 0
}

// ResumeTo switches directly into a suspended coroutine, bypassing the pick
// policy and all bookkeeping. Diagnostic use only: the coroutine runs with
// no running id recorded, so its suspension calls become no-ops and it runs
// until its function returns.
func (t *Thread) ResumeTo(id ID) {
	t.mu.Lock()
	c := t.chmap[id]
	if c == nil || c.state != stateSuspend {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if !c.cell.resume() {
		t.chroutineExited(c)
	}
}

// GetCurrentReporter returns the reporter of the running coroutine, or nil.
func (t *Thread) GetCurrentReporter() ReporterBase {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.chmap[t.runningID]
	if c == nil {
		return nil
	}
	return c.reporter
}

// pickRunChroutine selects and runs at most one coroutine. The scan starts
// at the cursor and walks to the end of the ready list; the first coroutine
// that is not mid-migration and whose wait returns 0 is chosen, and the
// cursor lands just past it. Coroutines behind a pending tick count are
// passed over but still examined, so each scan pass consumes one tick.
// A scan that chooses nothing parks the cursor at the end; the next turn
// restarts from the head.
func (t *Thread) pickRunChroutine() int {
	now := timeStamp()
	pickCount := 0
	var picked *Coroutine

	t.mu.Lock()
	free := t.toFree
	t.toFree = nil

	if t.runningID != InvalidID {
		t.mu.Unlock()
		terminateAll(free)
		return 1
	}

	if len(t.sched) > 0 {
		if t.schedIdx >= len(t.sched) {
			t.schedIdx = 0
		}
		next := len(t.sched)
		for i := t.schedIdx; i < len(t.sched); i++ {
			c := t.sched[i]
			if c.moved || c.wait(now) > 0 {
				continue
			}
			if picked == nil {
				picked = c
				next = i + 1
				pickCount++
			}
		}
		t.schedIdx = next
		if picked != nil {
			picked.state = stateRunning
			t.runningID = picked.id
		}
	}
	t.mu.Unlock()

	terminateAll(free)

	if picked != nil {
		t.mu.Lock()
		timedOutSon := picked.yieldOver(ResultTimeout)
		t.mu.Unlock()
		if timedOutSon != InvalidID {
			log.Debugf("chroutine %d timed out waiting for son %d", picked.id, timedOutSon)
			t.removeChroutine(timedOutSon)
		}

		t.setEntryTime()
		alive := picked.cell.resume()
		t.clearEntryTime()
		if !alive {
			t.chroutineExited(picked)
		}
	}
	return pickCount
}

// chroutineExited is the host side of the entry trampoline: it runs when a
// coroutine's function has returned. The coroutine leaves the schedule and
// a still-live father is notified.
func (t *Thread) chroutineExited(c *Coroutine) {
	log.Debugf("chroutine %d finished", c.id)
	t.removeChroutine(c.id)

	t.mu.Lock()
	c.state = stateFin
	t.runningID = InvalidID
	if c.father != InvalidID {
		if father := t.chmap[c.father]; father != nil {
			father.sonFinished()
		}
	}
	t.mu.Unlock()
}

// removeChroutine unlinks id from the schedule and parks the handle on the
// deferred-free list, drained at the top of the next turn. Unknown ids are
// tolerated.
func (t *Thread) removeChroutine(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chmap[id]
	if !ok {
		return
	}
	t.toFree = append(t.toFree, c)
	delete(t.chmap, id)
	t.unlinkSched(id)
}

// dropChroutine unlinks id without deferring termination. Used by the
// migration donor: the coroutine lives on in the recipient.
func (t *Thread) dropChroutine(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.chmap[id]; !ok {
		return
	}
	delete(t.chmap, id)
	t.unlinkSched(id)
}

// unlinkSched erases id from the ready list, keeping the cursor on the
// erased element's successor. Caller holds mu.
func (t *Thread) unlinkSched(id ID) {
	for i, c := range t.sched {
		if c.id == id {
			t.sched = append(t.sched[:i], t.sched[i+1:]...)
			if t.schedIdx > i {
				t.schedIdx--
			}
			return
		}
	}
}

// clearAllChroutine terminates every coroutine and empties the schedule.
func (t *Thread) clearAllChroutine() {
	t.mu.Lock()
	all := make([]*Coroutine, 0, len(t.chmap)+len(t.toFree))
	for _, c := range t.chmap {
		all = append(all, c)
	}
	all = append(all, t.toFree...)
	t.chmap = make(map[ID]*Coroutine)
	t.sched = nil
	t.schedIdx = 0
	t.toFree = nil
	t.runningID = InvalidID
	t.mu.Unlock()

	terminateAll(all)
}

// terminateAll drives each cell to completion. A parked coroutine unwinds
// at its park point without executing further; finished cells are no-ops.
// Never called with a schedule lock held.
func terminateAll(cs []*Coroutine) {
	for _, c := range cs {
		c.cell.interrupt()
	}
}
