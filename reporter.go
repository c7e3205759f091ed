package chroutine

import "sync/atomic"

// Result is the outcome a son coroutine delivers to its parent.
type Result int32

const (
	// ResultPending means the son has not finished yet.
	ResultPending Result = iota
	// ResultDone means the son finished, or was explicitly awakened.
	ResultDone
	// ResultTimeout means the parent's wait window expired first.
	ResultTimeout
	// ResultError means the son gave up.
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultDone:
		return "done"
	case ResultTimeout:
		return "timeout"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// ReporterBase is the untyped view of a Reporter shared between a parent
// coroutine and its son. The scheduler only needs to record an outcome and
// hand the payload to the son at entry, so the typed surface stays on
// Reporter.
type ReporterBase interface {
	setResult(Result) bool
	payload() any
}

// Reporter is a single-slot result carrier between a parent coroutine and
// exactly one son. The parent seeds the payload before the son starts; the
// son receives it as its argument. The result leaves ResultPending at most
// once, written either by the scheduler (son finished, parent timed out) or
// by the son itself.
type Reporter[T any] struct {
	result atomic.Int32
	data   T
}

var _ ReporterBase = (*Reporter[int])(nil)

// NewReporter creates a reporter carrying data as the son's entry payload.
func NewReporter[T any](data T) *Reporter[T] {
	return &Reporter[T]{data: data}
}

// Result returns the current outcome.
func (r *Reporter[T]) Result() Result {
	return Result(r.result.Load())
}

// Data returns the payload slot shared with the son.
func (r *Reporter[T]) Data() T {
	return r.data
}

// SetError records ResultError. It reports false when the result had
// already left ResultPending.
func (r *Reporter[T]) SetError() bool {
	return r.setResult(ResultError)
}

func (r *Reporter[T]) setResult(result Result) bool {
	return r.result.CompareAndSwap(int32(ResultPending), int32(result))
}

func (r *Reporter[T]) payload() any {
	return r.data
}
