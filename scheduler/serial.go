package scheduler

import (
	"sync"

	"github.com/pkg/errors"
)

// SerialScheduler dispenses transactions in the exact order their batches
// were added, one at a time: a transaction is only handed out once the
// previous one has been marked applied.
//
// No dependency analysis is performed. It is the baseline other policies
// are compared against for correctness and performance.
type SerialScheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	txnQueue      []*TxnInformation
	scheduled     []*TxnInformation // dispensed order
	batchStatuses map[string]*BatchStatus
	txnToBatch    map[string]string

	inProgress    string
	hasInProgress bool
	final         bool
}

var _ Scheduler = &SerialScheduler{}

func NewSerialScheduler() *SerialScheduler {
	s := &SerialScheduler{
		batchStatuses: make(map[string]*BatchStatus),
		txnToBatch:    make(map[string]string),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Iterator returns a new blocking iterator sharing this scheduler's monitor.
func (s *SerialScheduler) Iterator() *Iterator {
	return NewIterator(serialDispenser{s}, s.cond)
}

// serialDispenser keeps the lock-held accessors off SerialScheduler's
// exported method set.
type serialDispenser struct {
	s *SerialScheduler
}

func (d serialDispenser) NextLocked() *TxnInformation { return d.s.nextLocked() }
func (d serialDispenser) CompleteLocked() bool        { return d.s.completeLocked() }

func (s *SerialScheduler) AddBatch(batch *Batch, stateHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final {
		return errors.Wrapf(ErrFinalized, "add batch %s", batch.Signature)
	}

	last := len(batch.Transactions) - 1
	for idx, txn := range batch.Transactions {
		s.txnToBatch[txn.Signature] = batch.Signature
		s.txnQueue = append(s.txnQueue, &TxnInformation{
			Txn:         txn,
			Schedulable: true,
			LastInBatch: idx == last,
		})
	}
	s.cond.Broadcast()
	return nil
}

func (s *SerialScheduler) SetStatus(txnSignature string, status Status, stateHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batchSignature, ok := s.txnToBatch[txnSignature]
	if !ok {
		return errors.Wrapf(ErrUnknownSignature, "signature %s", txnSignature)
	}
	s.batchStatuses[batchSignature] = &BatchStatus{Status: status, StateHash: stateHash}
	return nil
}

func (s *SerialScheduler) BatchStatus(batchSignature string) *BatchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.batchStatuses[batchSignature]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

func (s *SerialScheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

func (s *SerialScheduler) GetTransaction(index int) (*TxnInformation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.scheduled) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "index %d, count %d", index, len(s.scheduled))
	}
	return s.scheduled[index], nil
}

func (s *SerialScheduler) NextTransaction() *TxnInformation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

// nextLocked must be called with s.mu held.
func (s *SerialScheduler) nextLocked() *TxnInformation {
	if s.hasInProgress || len(s.txnQueue) == 0 {
		return nil
	}

	info := s.txnQueue[0]
	s.txnQueue[0] = nil
	s.txnQueue = s.txnQueue[1:]

	s.inProgress = info.Txn.Signature
	s.hasInProgress = true
	s.scheduled = append(s.scheduled, info)
	return info
}

func (s *SerialScheduler) MarkAsApplied(txnSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasInProgress {
		return errors.Wrapf(ErrInvalidState, "mark %s applied: nothing in flight", txnSignature)
	}
	if s.inProgress != txnSignature {
		return errors.Wrapf(ErrInvalidState, "mark %s applied: %s in flight", txnSignature, s.inProgress)
	}
	s.inProgress = ""
	s.hasInProgress = false
	// iterators blocked on the single in-flight slot can make progress now
	s.cond.Broadcast()
	return nil
}

func (s *SerialScheduler) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = true
	s.cond.Broadcast()
}

func (s *SerialScheduler) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completeLocked()
}

// completeLocked ignores the in-flight slot: a dispensed but unapplied
// transaction does not keep the scheduler incomplete.
func (s *SerialScheduler) completeLocked() bool {
	return s.final && len(s.txnQueue) == 0
}
