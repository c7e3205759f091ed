package chroutine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Engine is a pool of worker threads. It places new coroutines on the
// least-loaded worker and migrates coroutines away from a worker that has
// been stuck inside one coroutine for too long.
type Engine struct {
	cfg     Config
	threads []*Thread
	inboxes []*ChanSelector

	group   errgroup.Group
	readyWG sync.WaitGroup

	mu       sync.Mutex
	readyIDs map[int]uuid.UUID

	stopCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// NewEngine creates an engine with cfg.Workers worker threads, none of them
// started.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		readyIDs: make(map[int]uuid.UUID),
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		t := NewThread(
			WithPool(e, i),
			WithPollIdle(time.Duration(cfg.PollIdleMS)*time.Millisecond),
		)
		inbox := NewChanSelector(256)
		t.RegisterSelector(inbox)
		e.threads = append(e.threads, t)
		e.inboxes = append(e.inboxes, inbox)
	}
	return e, nil
}

// Start launches every worker's drive loop and the stuck-worker monitor. It
// returns once all workers have reported ready.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true

	e.readyWG.Add(len(e.threads))
	for _, t := range e.threads {
		e.group.Go(t.Schedule)
	}
	e.readyWG.Wait()

	e.group.Go(e.monitor)
	log.Infof("engine started with %d workers", len(e.threads))
}

// OnThreadReady records a worker's identity once its drive loop has begun.
func (e *Engine) OnThreadReady(creatingIndex int, threadID uuid.UUID) {
	e.mu.Lock()
	e.readyIDs[creatingIndex] = threadID
	e.mu.Unlock()
	log.Infof("worker %d ready (%s)", creatingIndex, threadID)
	e.readyWG.Done()
}

// WorkerID returns the identity the worker at creatingIndex reported, or
// uuid.Nil when it has not reported yet.
func (e *Engine) WorkerID(creatingIndex int) uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readyIDs[creatingIndex]
}

// CreateChroutine places a new coroutine on the least-loaded running
// worker. Returns InvalidID when no worker can accept.
func (e *Engine) CreateChroutine(fn Func, arg any) ID {
	t := e.pickWorker(nil)
	if t == nil {
		log.Errorf("no running worker to place chroutine on")
		return InvalidID
	}
	return t.CreateChroutine(fn, arg)
}

// Post queues task on the least-loaded running worker's drive loop. The
// task runs on the worker's host context at its next poll. Reports false
// when no worker can accept or its inbox is full.
func (e *Engine) Post(task func()) bool {
	t := e.pickWorker(nil)
	if t == nil {
		return false
	}
	for i, candidate := range e.threads {
		if candidate == t {
			return e.inboxes[i].Push(task)
		}
	}
	return false
}

// Stop stops every worker, waits for their drive loops to exit, and shuts
// the monitor down.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		for _, t := range e.threads {
			t.Stop()
		}
	})
	return e.group.Wait()
}

// pickWorker returns the running worker with the lowest load figure,
// excluding the given one. Nil when none qualifies.
func (e *Engine) pickWorker(exclude *Thread) *Thread {
	var best *Thread
	for _, t := range e.threads {
		if t == exclude || t.State() != ThreadRunning {
			continue
		}
		if best == nil || t.Load() < best.Load() {
			best = t
		}
	}
	return best
}

func (e *Engine) monitor() error {
	interval := time.Duration(e.cfg.StuckThresholdMS/2) * time.Millisecond
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return nil
		case <-ticker.C:
			e.rebalance(timeStamp())
		}
	}
}

// rebalance migrates suspended coroutines away from any worker that has
// been inside a single coroutine for longer than the stuck threshold.
func (e *Engine) rebalance(now int64) {
	for _, t := range e.threads {
		entered := t.EntryTime()
		if entered == 0 || now-entered < e.cfg.StuckThresholdMS {
			continue
		}
		target := e.pickWorker(t)
		if target == nil {
			continue
		}
		log.Warningf("worker %d stuck for %dms, migrating its chroutines to worker %d",
			t.creatingIndex, now-entered, target.creatingIndex)
		t.MoveChroutinesToThread(target)
	}
}
