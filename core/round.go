package core

import (
	"time"

	"github.com/treble-h/txsched/scheduler"
)

// reasons a round stops accepting batches
const (
	closeReasonFull     = "full"
	closeReasonTimeout  = "timeout"
	closeReasonShutdown = "shutdown"
)

// round groups the batches scheduled together. The executor starts
// consuming a round as soon as it opens; the round ends once it is
// finalized and every transaction has been applied.
type round struct {
	id      uint64
	sched   *scheduler.SerialScheduler
	batches []string
	opened  time.Time
	final   bool
}

// newRoundLocked opens a new round, queues it for the executor and arms
// the round timer. Must be called with roundLock held.
func (n *Node) newRoundLocked() *round {
	n.nextRound++
	r := &round{
		id:     n.nextRound,
		sched:  scheduler.NewSerialScheduler(),
		opened: time.Now(),
	}
	n.openRound = r
	n.queue = append(n.queue, r)
	n.signalRoundReady()

	if n.roundTimer != nil {
		n.roundTimer.Reset(n.conf.RoundTimeout(), &RoundTimeoutEvent{Round: r.id})
	}
	n.logger.Debug("opened round", "round", r.id)
	return r
}

// closeRoundLocked finalizes the open round so no more batches join it and
// disarms the round timer unless it is the one that fired. Must be called
// with roundLock held.
func (n *Node) closeRoundLocked(reason string) {
	r := n.openRound
	if r == nil {
		return
	}
	r.final = true
	r.sched.Finalize()
	n.openRound = nil
	if reason != closeReasonTimeout && n.roundTimer != nil {
		n.roundTimer.Stop()
	}
	n.logger.Debug("closed round", "round", r.id, "batches", len(r.batches), "reason", reason)
}

// nextQueuedRound blocks until a round is queued. It returns false once the
// node is closed and no rounds are left.
func (n *Node) nextQueuedRound() (*round, bool) {
	for {
		n.roundLock.Lock()
		if len(n.queue) > 0 {
			r := n.queue[0]
			n.queue[0] = nil
			n.queue = n.queue[1:]
			n.roundLock.Unlock()
			return r, true
		}
		closed := n.closed
		n.roundLock.Unlock()
		if closed {
			return nil, false
		}
		<-n.roundReady
	}
}

func (n *Node) signalRoundReady() {
	select {
	case n.roundReady <- struct{}{}:
	default:
	}
}

// runExecutor executes rounds one after another in the order they opened.
func (n *Node) runExecutor() {
	defer close(n.executorDone)
	for {
		r, ok := n.nextQueuedRound()
		if !ok {
			return
		}
		n.executor.Execute(r.sched)
		n.finishRound(r)
	}
}

// finishRound persists the state reached by r, publishes the status of its
// batches and signs a checkpoint. When persisting fails no checkpoint is
// signed and committed batches carry no state hash.
func (n *Node) finishRound(r *round) {
	root, err := n.state.Commit()
	persisted := err == nil
	if !persisted {
		n.logger.Error("cannot persist state", "round", r.id, "error", err)
	}

	var cp *CheckpointMsg
	if persisted {
		if cp, err = n.makeCheckpoint(r.id, root); err != nil {
			n.logger.Error("cannot sign checkpoint", "round", r.id, "error", err)
		}
	}

	n.metrics.roundsCompleted.Inc()
	n.metrics.roundDuration.Observe(time.Since(r.opened).Seconds())

	n.resultLock.Lock()
	if cp != nil {
		n.latestCheckpoint = cp
	}
	for _, sig := range r.batches {
		resp := &BatchStatusResp{BatchSig: sig, Status: BatchInvalid, Round: r.id}
		if st := r.sched.BatchStatus(sig); st != nil && st.Status == scheduler.StatusValid {
			resp.Status = BatchCommitted
			// a hash that never reached disk is not reported
			if persisted {
				resp.StateHash = st.StateHash
			}
		}
		n.results[sig] = resp
	}
	n.resultLock.Unlock()

	// results are visible before the batches leave pending, so a status
	// query always finds the batch in one of them
	n.roundLock.Lock()
	for _, sig := range r.batches {
		delete(n.pending, sig)
	}
	n.roundLock.Unlock()

	n.logger.Info("round committed", "round", r.id, "batches", len(r.batches), "state", shortSig(root))
}
