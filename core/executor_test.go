package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treble-h/txsched/scheduler"
)

func newTestExecutor(t *testing.T) (*Executor, *WorldState, *metrics) {
	t.Helper()
	w, _ := newMemState(t)
	t.Cleanup(func() { w.Close() })
	m := newMetrics(prometheus.NewRegistry(), 0)
	return NewExecutor(w, hclog.NewNullLogger(), m), w, m
}

func payloadBatch(t *testing.T, name string, payloads ...*TransferPayload) *scheduler.Batch {
	t.Helper()
	b := &scheduler.Batch{Signature: name}
	for i, p := range payloads {
		b.Transactions = append(b.Transactions, &scheduler.Transaction{
			Signature: fmt.Sprintf("%s-t%d", name, i),
			Payload:   encodePayload(t, p),
		})
	}
	return b
}

func TestExecutorAppliesBatches(t *testing.T) {
	e, w, m := newTestExecutor(t)
	sched := scheduler.NewSerialScheduler()

	require.NoError(t, sched.AddBatch(payloadBatch(t, "b1",
		NewDepositPayload("alice", 100, 1),
		NewTransferPayload("alice", "bob", 40, 2),
	), ""))
	require.NoError(t, sched.AddBatch(payloadBatch(t, "b2",
		NewTransferPayload("bob", "carol", 10, 3),
	), ""))
	sched.Finalize()

	e.Execute(sched)

	for _, sig := range []string{"b1", "b2"} {
		st := sched.BatchStatus(sig)
		require.NotNil(t, st, sig)
		assert.Equal(t, scheduler.StatusValid, st.Status, sig)
	}
	// each batch records the state reached right after it
	assert.Equal(t, w.Root(), sched.BatchStatus("b2").StateHash)
	assert.NotEqual(t, sched.BatchStatus("b1").StateHash, sched.BatchStatus("b2").StateHash)

	bob, _ := w.Balance("bob")
	carol, _ := w.Balance("carol")
	assert.Equal(t, int64(30), bob)
	assert.Equal(t, int64(10), carol)

	assert.Equal(t, 3, sched.Count())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.txnsExecuted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.batchesCommitted))
}

func TestExecutorBatchIsAtomic(t *testing.T) {
	e, w, m := newTestExecutor(t)
	sched := scheduler.NewSerialScheduler()

	require.NoError(t, sched.AddBatch(payloadBatch(t, "fund",
		NewDepositPayload("alice", 10, 1),
	), ""))
	// the deposit applies but the overdraft fails, so neither may stick
	require.NoError(t, sched.AddBatch(payloadBatch(t, "bad",
		NewDepositPayload("bob", 5, 2),
		NewTransferPayload("alice", "carol", 50, 3),
		NewDepositPayload("dave", 1, 4),
	), ""))
	require.NoError(t, sched.AddBatch(payloadBatch(t, "after",
		NewTransferPayload("alice", "carol", 5, 5),
	), ""))
	sched.Finalize()

	e.Execute(sched)

	assert.Equal(t, scheduler.StatusValid, sched.BatchStatus("fund").Status)
	assert.Equal(t, scheduler.StatusInvalid, sched.BatchStatus("bad").Status)
	assert.Empty(t, sched.BatchStatus("bad").StateHash)
	assert.Equal(t, scheduler.StatusValid, sched.BatchStatus("after").Status)

	_, ok := w.Balance("bob")
	assert.False(t, ok)
	_, ok = w.Balance("dave")
	assert.False(t, ok)
	carol, _ := w.Balance("carol")
	assert.Equal(t, int64(5), carol)

	// every transaction is released even after the batch failed
	assert.Equal(t, 5, sched.Count())
	assert.True(t, sched.Complete())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.batchesInvalid))
	// the transaction after the failure is skipped
	assert.Equal(t, float64(4), testutil.ToFloat64(m.txnsExecuted))
}

func TestExecutorWaitsForFinalize(t *testing.T) {
	e, w, _ := newTestExecutor(t)
	sched := scheduler.NewSerialScheduler()

	done := make(chan struct{})
	go func() {
		e.Execute(sched)
		close(done)
	}()

	require.NoError(t, sched.AddBatch(payloadBatch(t, "b1", NewDepositPayload("alice", 1, 1)), ""))
	assert.Eventually(t, func() bool {
		st := sched.BatchStatus("b1")
		return st != nil && st.Status == scheduler.StatusValid
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("executor returned before finalize")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sched.AddBatch(payloadBatch(t, "b2", NewDepositPayload("alice", 1, 2)), ""))
	sched.Finalize()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor did not return after finalize")
	}
	alice, _ := w.Balance("alice")
	assert.Equal(t, int64(2), alice)
}
