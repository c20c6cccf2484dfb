package scheduler_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treble-h/txsched/scheduler"
)

// newestFirst is a policy built outside the scheduler package: it dispenses
// the most recently added batch first, one transaction in flight at a time.
type newestFirst struct {
	mu   sync.Mutex
	cond *sync.Cond

	batches    [][]*scheduler.TxnInformation
	statuses   map[string]*scheduler.BatchStatus
	owner      map[string]string
	scheduled  []*scheduler.TxnInformation
	inProgress string
	final      bool
}

var _ scheduler.Scheduler = (*newestFirst)(nil)

func newNewestFirst() *newestFirst {
	p := &newestFirst{
		statuses: make(map[string]*scheduler.BatchStatus),
		owner:    make(map[string]string),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *newestFirst) AddBatch(batch *scheduler.Batch, stateHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.final {
		return scheduler.ErrFinalized
	}
	var infos []*scheduler.TxnInformation
	for i, txn := range batch.Transactions {
		p.owner[txn.Signature] = batch.Signature
		infos = append(infos, &scheduler.TxnInformation{
			Txn:         txn,
			Schedulable: true,
			LastInBatch: i == len(batch.Transactions)-1,
		})
	}
	p.batches = append(p.batches, infos)
	p.cond.Broadcast()
	return nil
}

func (p *newestFirst) SetStatus(txnSignature string, status scheduler.Status, stateHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.owner[txnSignature]
	if !ok {
		return scheduler.ErrUnknownSignature
	}
	p.statuses[b] = &scheduler.BatchStatus{Status: status, StateHash: stateHash}
	return nil
}

func (p *newestFirst) BatchStatus(batchSignature string) *scheduler.BatchStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[batchSignature]
}

func (p *newestFirst) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scheduled)
}

func (p *newestFirst) GetTransaction(index int) (*scheduler.TxnInformation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.scheduled) {
		return nil, scheduler.ErrIndexOutOfRange
	}
	return p.scheduled[index], nil
}

func (p *newestFirst) NextTransaction() *scheduler.TxnInformation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.NextLocked()
}

func (p *newestFirst) NextLocked() *scheduler.TxnInformation {
	if p.inProgress != "" || len(p.batches) == 0 {
		return nil
	}
	last := len(p.batches) - 1
	info := p.batches[last][0]
	if p.batches[last] = p.batches[last][1:]; len(p.batches[last]) == 0 {
		p.batches = p.batches[:last]
	}
	p.inProgress = info.Txn.Signature
	p.scheduled = append(p.scheduled, info)
	return info
}

func (p *newestFirst) CompleteLocked() bool {
	return p.final && len(p.batches) == 0
}

func (p *newestFirst) MarkAsApplied(txnSignature string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inProgress != txnSignature {
		return errors.Wrapf(scheduler.ErrInvalidState, "mark %s applied", txnSignature)
	}
	p.inProgress = ""
	p.cond.Broadcast()
	return nil
}

func (p *newestFirst) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.final = true
	p.cond.Broadcast()
}

func (p *newestFirst) Complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CompleteLocked()
}

func (p *newestFirst) Iterator() *scheduler.Iterator {
	return scheduler.NewIterator(p, p.cond)
}

func batchOf(name string, n int) *scheduler.Batch {
	b := &scheduler.Batch{Signature: name}
	for i := 0; i < n; i++ {
		b.Transactions = append(b.Transactions, &scheduler.Transaction{Signature: fmt.Sprintf("%s-t%d", name, i)})
	}
	return b
}

func TestIteratorOverForeignPolicy(t *testing.T) {
	var s scheduler.Scheduler = newNewestFirst()
	require.NoError(t, s.AddBatch(batchOf("a", 2), ""))
	require.NoError(t, s.AddBatch(batchOf("b", 1), ""))

	it := s.Iterator()
	got := make(chan []string, 1)
	go func() {
		var sigs []string
		for {
			info, ok := it.Next()
			if !ok {
				got <- sigs
				return
			}
			sigs = append(sigs, info.Txn.Signature)
			if err := s.MarkAsApplied(info.Txn.Signature); err != nil {
				t.Error(err)
			}
		}
	}()

	// the consumer parks on the policy's monitor until Finalize
	time.Sleep(30 * time.Millisecond)
	s.Finalize()

	select {
	case sigs := <-got:
		assert.Equal(t, []string{"b-t0", "a-t0", "a-t1"}, sigs)
	case <-time.After(2 * time.Second):
		t.Fatal("iterator over a finalized policy did not terminate")
	}
	assert.Equal(t, 3, s.Count())
	assert.True(t, s.Complete())
}
