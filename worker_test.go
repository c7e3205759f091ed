package chroutine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventuallyTimeout = 3 * time.Second

// driveTurns runs n scheduling turns synchronously, bypassing the drive
// loop for deterministic tests.
func driveTurns(thr *Thread, n int) {
	for i := 0; i < n; i++ {
		thr.pickRunChroutine()
	}
}

func TestSingleChroutineCompletes(t *testing.T) {
	thr := NewThread()
	counter := 0

	id := thr.CreateChroutine(func(co *Coroutine, arg any) {
		for i := 0; i < 3; i++ {
			counter++
			if i < 2 {
				co.Yield(1)
			}
		}
	}, nil)
	require.NotEqual(t, InvalidID, id)

	for i := 0; i < 10 && !thr.Done(); i++ {
		thr.pickRunChroutine()
	}
	assert.True(t, thr.Done())
	assert.Equal(t, 3, counter)
}

func TestYieldTicksDelayResumption(t *testing.T) {
	thr := NewThread()
	resumes := 0

	thr.CreateChroutine(func(co *Coroutine, arg any) {
		resumes++
		co.Yield(2)
		resumes++
	}, nil)

	driveTurns(thr, 1)
	require.Equal(t, 1, resumes)

	// Two scan passes consume the two pending ticks without resuming.
	driveTurns(thr, 1)
	assert.Equal(t, 1, resumes)
	driveTurns(thr, 1)
	assert.Equal(t, 1, resumes)

	driveTurns(thr, 1)
	assert.Equal(t, 2, resumes)
	assert.True(t, thr.Done())
}

func TestWaitDeadlineLaw(t *testing.T) {
	thr := NewThread()
	var woke atomic.Int64

	start := timeStamp()
	thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.Wait(30)
		woke.Store(timeStamp())
	}, nil)

	deadline := time.Now().Add(eventuallyTimeout)
	for !thr.Done() && time.Now().Before(deadline) {
		thr.pickRunChroutine()
		time.Sleep(time.Millisecond)
	}
	require.True(t, thr.Done())
	assert.GreaterOrEqual(t, woke.Load()-start, int64(30))
}

func TestRoundRobinFairness(t *testing.T) {
	thr := NewThread()
	var counts [3]int

	for i := 0; i < 3; i++ {
		i := i
		thr.CreateChroutine(func(co *Coroutine, arg any) {
			for {
				counts[i]++
				co.Yield(1)
			}
		}, nil)
	}

	// One cycle is three run turns plus one turn consuming the pending
	// ticks, so 400 turns give each coroutine 100 runs.
	driveTurns(thr, 400)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, 100, counts[i], 1, "coroutine %d", i)
	}
	thr.clearAllChroutine()
	assert.True(t, thr.Done())
}

func TestBoundaryNoops(t *testing.T) {
	thr := NewThread()

	// No current coroutine, zero durations: all silent no-ops.
	thr.Yield(0)
	thr.Yield(1)
	thr.Wait(0)
	thr.Wait(10)
	thr.Sleep(0)
	thr.removeChroutine(ID(99999))

	assert.Equal(t, -1, thr.AwakeChroutine(ID(99999)))
	assert.Equal(t, InvalidID, thr.CreateChroutine(nil, nil))
	assert.Equal(t, InvalidID, thr.CreateSonChroutine(func(*Coroutine, any) {}, nil))
	assert.Nil(t, thr.GetCurrentReporter())
}

func TestCreateRefusedPastRunning(t *testing.T) {
	thr := NewThread()
	thr.setState(ThreadShifting)
	assert.Equal(t, InvalidID, thr.CreateChroutine(func(*Coroutine, any) {}, nil))

	thr.setState(ThreadFinished)
	assert.Equal(t, InvalidID, thr.CreateChroutine(func(*Coroutine, any) {}, nil))
}

func TestAwakeChroutine(t *testing.T) {
	thr := NewThread()
	var resumed atomic.Bool

	id := thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.Wait(10000)
		resumed.Store(true)
	}, nil)

	driveTurns(thr, 1)
	require.False(t, resumed.Load())

	require.Equal(t, 0, thr.AwakeChroutine(id))
	driveTurns(thr, 2)
	assert.True(t, resumed.Load())
	assert.True(t, thr.Done())
}

func TestResumeTo(t *testing.T) {
	thr := NewThread()
	finished := false

	id := thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.Yield(5)
		finished = true
	}, nil)

	driveTurns(thr, 1)
	require.False(t, finished)

	// Direct switch bypasses the pick policy; the coroutine runs to
	// completion because its suspension calls no-op.
	thr.ResumeTo(id)
	assert.True(t, finished)
	assert.True(t, thr.Done())

	thr.ResumeTo(ID(424242)) // unknown id: no-op
}

func TestGetCurrentReporter(t *testing.T) {
	thr := NewThread()
	rep := NewReporter(0)
	var observed atomic.Bool

	thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.CreateSon(func(*Coroutine, any) {}, rep)
		observed.Store(thr.GetCurrentReporter() == ReporterBase(rep))
	}, nil)

	driveTurns(thr, 3)
	assert.True(t, observed.Load())
}

func TestParentWaitsSonFinishesFirst(t *testing.T) {
	thr := NewThread(WithPollIdle(time.Millisecond))
	thr.Start()
	defer stopThread(t, thr)

	payload := new(atomic.Int64)
	rep := NewReporter(payload)
	var parentSaw atomic.Int32

	thr.CreateChroutine(func(co *Coroutine, arg any) {
		son := co.CreateSon(func(sco *Coroutine, sarg any) {
			sco.Sleep(50)
			sarg.(*atomic.Int64).Store(7)
		}, rep)
		if son == InvalidID {
			parentSaw.Store(int32(ResultError))
			return
		}
		co.Wait(1000)
		parentSaw.Store(int32(rep.Result()))
	}, nil)

	require.Eventually(t, func() bool {
		return parentSaw.Load() != int32(ResultPending)
	}, eventuallyTimeout, time.Millisecond)

	assert.Equal(t, int32(ResultDone), parentSaw.Load())
	assert.Equal(t, int64(7), payload.Load())
	require.Eventually(t, thr.Done, eventuallyTimeout, time.Millisecond)
}

func TestParentWaitTimesOutAndStopsSon(t *testing.T) {
	thr := NewThread(WithPollIdle(time.Millisecond))
	thr.Start()
	defer stopThread(t, thr)

	rep := NewReporter(0)
	var sonRanPastSleep atomic.Bool
	var parentSaw atomic.Int32

	thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.CreateSon(func(sco *Coroutine, sarg any) {
			sco.Sleep(500)
			sonRanPastSleep.Store(true)
		}, rep)
		co.Wait(50)
		parentSaw.Store(int32(rep.Result()))
	}, nil)

	require.Eventually(t, func() bool {
		return parentSaw.Load() != int32(ResultPending)
	}, eventuallyTimeout, time.Millisecond)

	assert.Equal(t, int32(ResultTimeout), parentSaw.Load())
	require.Eventually(t, thr.Done, eventuallyTimeout, time.Millisecond)
	assert.False(t, sonRanPastSleep.Load())
}

func TestSleepDoesNotCancelSon(t *testing.T) {
	thr := NewThread(WithPollIdle(time.Millisecond))
	thr.Start()
	defer stopThread(t, thr)

	rep := NewReporter(0)
	var sonFinishedRun atomic.Bool
	var parentSaw atomic.Int32

	thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.CreateSon(func(sco *Coroutine, sarg any) {
			sco.Sleep(100)
			sonFinishedRun.Store(true)
		}, rep)
		co.Sleep(30)
		// The son outlives the parent's sleep; hold on until it reports.
		for rep.Result() == ResultPending {
			co.Yield(1)
		}
		parentSaw.Store(int32(rep.Result()))
	}, nil)

	require.Eventually(t, func() bool {
		return parentSaw.Load() != int32(ResultPending)
	}, eventuallyTimeout, time.Millisecond)

	assert.Equal(t, int32(ResultDone), parentSaw.Load())
	assert.True(t, sonFinishedRun.Load())
}

func TestSonPanicReportsError(t *testing.T) {
	thr := NewThread(WithPollIdle(time.Millisecond))
	thr.Start()
	defer stopThread(t, thr)

	rep := NewReporter(0)
	var parentSaw atomic.Int32

	thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.CreateSon(func(*Coroutine, any) {
			panic("job gave up")
		}, rep)
		co.Wait(1000)
		parentSaw.Store(int32(rep.Result()))
	}, nil)

	require.Eventually(t, func() bool {
		return parentSaw.Load() != int32(ResultPending)
	}, eventuallyTimeout, time.Millisecond)
	assert.Equal(t, int32(ResultError), parentSaw.Load())
}

func TestThreadStartStop(t *testing.T) {
	thr := NewThread(WithPollIdle(time.Millisecond))
	thr.Start()

	require.Eventually(t, func() bool {
		return thr.State() == ThreadRunning
	}, eventuallyTimeout, time.Millisecond)
	assert.NotEqual(t, uuid.Nil, thr.ThreadID())

	// A coroutine parked on a long wait is terminated at shutdown.
	thr.CreateChroutine(func(co *Coroutine, arg any) {
		co.Wait(60000)
	}, nil)
	require.Eventually(t, func() bool { return !thr.Done() }, eventuallyTimeout, time.Millisecond)

	thr.Stop()
	<-thr.Stopped()
	assert.Equal(t, ThreadFinished, thr.State())
	assert.True(t, thr.Done())
	assert.Equal(t, InvalidID, thr.CreateChroutine(func(*Coroutine, any) {}, nil))
}

func TestSelectorRegistry(t *testing.T) {
	thr := NewThread()
	sel := &countingSelector{}

	thr.RegisterSelector(sel)
	thr.RegisterSelector(sel) // idempotent
	assert.Equal(t, 1, thr.selectAll())
	assert.Equal(t, 1, sel.polls)

	thr.UnregisterSelector(sel)
	assert.Equal(t, 0, thr.selectAll())

	thr.UnregisterSelector(sel) // unknown: logged, no panic
	thr.RegisterSelector(nil)
}

type countingSelector struct {
	polls int
}

func (s *countingSelector) Poll(int64) int {
	s.polls++
	return 1
}

func TestChanSelector(t *testing.T) {
	sel := NewChanSelector(2)
	ran := 0

	assert.True(t, sel.Push(func() { ran++ }))
	assert.True(t, sel.Push(func() { ran++ }))
	assert.False(t, sel.Push(func() { ran++ }), "expected full buffer to refuse")
	assert.False(t, sel.Push(nil))

	assert.Equal(t, 2, sel.Poll(0))
	assert.Equal(t, 2, ran)
	assert.Equal(t, 0, sel.Poll(0))
}

func TestChanSelectorFeedsDriveLoop(t *testing.T) {
	thr := NewThread(WithPollIdle(time.Millisecond))
	sel := NewChanSelector(8)
	thr.RegisterSelector(sel)
	thr.Start()
	defer stopThread(t, thr)

	var ran atomic.Bool
	require.True(t, sel.Push(func() {
		thr.CreateChroutine(func(*Coroutine, any) { ran.Store(true) }, nil)
	}))

	require.Eventually(t, ran.Load, eventuallyTimeout, time.Millisecond)
}

func stopThread(tb testing.TB, thr *Thread) {
	tb.Helper()
	thr.Stop()
	select {
	case <-thr.Stopped():
	case <-time.After(eventuallyTimeout):
		tb.Error("thread did not stop in time")
	}
}
