package future

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrAlreadyResolved is returned when a future is resolved a second time.
var ErrAlreadyResolved = errors.New("future already resolved")

// Result is the value a future resolves to.
type Result struct {
	MessageType uint8
	Content     []byte
	Err         error
}

// Future is a single-shot result box. It starts pending and is resolved
// exactly once by SetResult; Result blocks until then.
type Future struct {
	correlationID string

	mu       sync.Mutex
	cond     *sync.Cond
	resolved atomic.Bool
	result   *Result
}

func New(correlationID string) *Future {
	f := &Future{correlationID: correlationID}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Future) CorrelationID() string {
	return f.correlationID
}

// Done reports whether the future has been resolved. It never blocks.
func (f *Future) Done() bool {
	return f.resolved.Load()
}

// Result blocks until the future is resolved and returns its value. There is
// no timeout here; callers that need one layer it on top.
func (f *Future) Result() *Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.resolved.Load() {
		f.cond.Wait()
	}
	return f.result
}

// SetResult resolves the future and wakes every goroutine blocked in Result.
// The first value wins; later calls return ErrAlreadyResolved.
func (f *Future) SetResult(result *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved.Load() {
		return errors.Wrapf(ErrAlreadyResolved, "correlation id %s", f.correlationID)
	}
	f.result = result
	f.resolved.Store(true)
	f.cond.Broadcast()
	return nil
}
