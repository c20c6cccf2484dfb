package scheduler

import "sync"

// Dispenser is implemented by scheduling policies that share their monitor
// with an Iterator. Both methods are called with the monitor's lock held and
// must not block. The policy broadcasts on the monitor whenever a
// transaction may have become available or the policy became complete.
type Dispenser interface {
	// NextLocked returns the next eligible transaction, or nil.
	NextLocked() *TxnInformation
	// CompleteLocked reports that nothing will ever be dispensed again.
	CompleteLocked() bool
}

// Iterator hands out transactions as they become available, blocking the
// caller while none is eligible and the scheduler is not complete.
type Iterator struct {
	cond  *sync.Cond
	sched Dispenser
}

// NewIterator returns an Iterator over d. cond is the policy's monitor:
// cond.L guards d's state and is held around every Dispenser call.
func NewIterator(d Dispenser, cond *sync.Cond) *Iterator {
	return &Iterator{cond: cond, sched: d}
}

// Next blocks until a transaction is available and returns it with true.
// It returns nil, false once the scheduler is complete and nothing is left
// to dispense.
//
// There is no way to cancel a blocked Next other than adding a batch,
// marking the in-flight transaction applied, or finalizing the scheduler.
func (it *Iterator) Next() (*TxnInformation, bool) {
	it.cond.L.Lock()
	defer it.cond.L.Unlock()

	for {
		if info := it.sched.NextLocked(); info != nil {
			return info, true
		}
		if it.sched.CompleteLocked() {
			return nil, false
		}
		// several waiters may race for the same transaction, so the
		// predicate is checked again after every wake-up
		it.cond.Wait()
	}
}
