package scheduler

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnknownSignature is returned when a transaction signature was never
	// scheduled by this scheduler.
	ErrUnknownSignature = errors.New("transaction not in any batches")

	// ErrInvalidState is returned when the executor breaks the dispensing
	// protocol, e.g. marks a transaction applied that is not in flight.
	ErrInvalidState = errors.New("transaction not in progress")

	// ErrFinalized is returned by AddBatch once Finalize has been called.
	ErrFinalized = errors.New("scheduler finalized")

	// ErrIndexOutOfRange is returned by GetTransaction for an index past Count.
	ErrIndexOutOfRange = errors.New("scheduled transaction index out of range")
)

// Status is the outcome recorded for a batch.
type Status uint8

const (
	StatusValid Status = iota + 1
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusInvalid:
		return "INVALID"
	default:
		return "UNSET"
	}
}

// Transaction is the smallest unit of work handed to the executor.
type Transaction struct {
	// Signature identifies the transaction, unique across all batches.
	Signature string
	Payload   []byte
}

// Batch is an ordered group of transactions reported on atomically.
type Batch struct {
	Signature    string
	Transactions []*Transaction
}

// TxnInformation is what the scheduler dispenses to the executor.
type TxnInformation struct {
	Txn         *Transaction
	Schedulable bool
	// LastInBatch tells the executor the batch-level effects of Txn's batch
	// may be finalized once Txn is applied.
	LastInBatch bool
}

type BatchStatus struct {
	Status    Status
	StateHash string // empty when no state hash was recorded
}

// Scheduler decides the order in which transactions of submitted batches
// become available for execution and tracks per-batch status.
//
// Producers call AddBatch and finally Finalize. The executor pulls work with
// NextTransaction or an Iterator, reports outcomes with SetStatus and
// releases the transaction with MarkAsApplied.
type Scheduler interface {
	// AddBatch enqueues the batch's transactions in order.
	AddBatch(batch *Batch, stateHash string) error

	// SetStatus records the status of the batch containing txnSignature.
	SetStatus(txnSignature string, status Status, stateHash string) error

	// BatchStatus returns the last recorded status, or nil.
	BatchStatus(batchSignature string) *BatchStatus

	// Count returns the number of transactions dispensed so far.
	Count() int

	// GetTransaction returns the index-th dispensed transaction.
	GetTransaction(index int) (*TxnInformation, error)

	// NextTransaction returns the next transaction eligible for execution
	// without blocking, or nil if none is eligible right now.
	NextTransaction() *TxnInformation

	// MarkAsApplied tells the scheduler txnSignature finished executing.
	MarkAsApplied(txnSignature string) error

	// Finalize signals that no further batches will be added.
	Finalize()

	// Complete reports whether Finalize was called and all scheduled
	// transactions have been dispensed.
	Complete() bool

	// Iterator returns a blocking iterator over the scheduler.
	Iterator() *Iterator
}
