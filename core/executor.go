package core

import (
	"github.com/hashicorp/go-hclog"
	"github.com/treble-h/txsched/scheduler"
)

// Executor runs the transactions a scheduler dispenses against the world
// state. A batch is applied atomically: if any of its transactions fails,
// none of its writes reach the state.
type Executor struct {
	state   *WorldState
	logger  hclog.Logger
	metrics *metrics
}

func NewExecutor(state *WorldState, logger hclog.Logger, m *metrics) *Executor {
	return &Executor{state: state, logger: logger, metrics: m}
}

// Execute consumes sched until it is complete. It blocks while the
// scheduler has nothing ready and has not been finalized.
func (e *Executor) Execute(sched scheduler.Scheduler) {
	it := sched.Iterator()

	var (
		ctx    *Context
		failed bool
	)
	for {
		info, ok := it.Next()
		if !ok {
			return
		}
		sig := info.Txn.Signature

		if ctx == nil {
			ctx = e.state.NewContext()
			failed = false
		}

		if !failed {
			e.metrics.txnsExecuted.Inc()
			if err := ctx.Apply(info.Txn.Payload); err != nil {
				failed = true
				e.logger.Debug("transaction rejected", "txn", shortSig(sig), "error", err)
				e.setStatus(sched, sig, scheduler.StatusInvalid, "")
			}
		}

		if info.LastInBatch {
			if failed {
				e.metrics.batchesInvalid.Inc()
			} else {
				ctx.Commit()
				e.setStatus(sched, sig, scheduler.StatusValid, e.state.Root())
				e.metrics.batchesCommitted.Inc()
			}
			ctx = nil
		}

		if err := sched.MarkAsApplied(sig); err != nil {
			e.logger.Error("cannot mark transaction applied", "txn", shortSig(sig), "error", err)
		}
	}
}

func (e *Executor) setStatus(sched scheduler.Scheduler, sig string, status scheduler.Status, stateHash string) {
	if err := sched.SetStatus(sig, status, stateHash); err != nil {
		e.logger.Error("cannot record batch status", "txn", shortSig(sig), "status", status, "error", err)
	}
}
