package core

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treble-h/txsched/config"
	"github.com/treble-h/txsched/sign"
)

func newTestNode(t *testing.T, batchSize, batchTimeoutMs int) *Node {
	t.Helper()
	priv, _, err := sign.GenKeys()
	require.NoError(t, err)
	shares, pubPoly := sign.GenTSKeys(1, 1)

	conf := config.New("127.0.0.1", 0, priv, shares[0], pubPoly, 1, 1, 0, 0,
		batchTimeoutMs, batchSize, 4, 2000, "error", filepath.Join(t.TempDir(), "state"))
	n, err := NewNode(conf)
	require.NoError(t, err)
	require.NoError(t, n.StartListen())
	go n.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n.Shutdown(ctx)
	})
	return n
}

type testClient struct {
	t     *testing.T
	priv  ed25519.PrivateKey
	req   *Requester
	nonce uint64
}

func newTestClient(t *testing.T, n *Node) *testClient {
	t.Helper()
	priv, _, err := sign.GenKeys()
	require.NoError(t, err)
	req, err := NewRequester(n.Addr(), 2*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() { req.Close() })
	return &testClient{t: t, priv: priv, req: req}
}

func (c *testClient) batch(payloads ...*TransferPayload) BatchMsg {
	c.t.Helper()
	var txns []TxnMsg
	for _, p := range payloads {
		c.nonce++
		p.Nonce = c.nonce
		txn, err := NewTxnMsg(c.priv, p)
		require.NoError(c.t, err)
		txns = append(txns, txn)
	}
	return NewBatchMsg(c.priv, txns)
}

func (c *testClient) waitFinal(sig string) *BatchStatusResp {
	c.t.Helper()
	var last *BatchStatusResp
	require.Eventually(c.t, func() bool {
		resp, err := c.req.BatchStatus(context.Background(), sig)
		if err != nil {
			return false
		}
		last = resp
		return resp.Status == BatchCommitted || resp.Status == BatchInvalid
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestNodeCommitsFullRound(t *testing.T) {
	n := newTestNode(t, 2, 10000)
	c := newTestClient(t, n)
	ctx := context.Background()

	b1 := c.batch(NewDepositPayload("alice", 100, 0))
	b2 := c.batch(NewTransferPayload("alice", "bob", 25, 0))

	r1, err := c.req.SubmitBatch(ctx, b1)
	require.NoError(t, err)
	r2, err := c.req.SubmitBatch(ctx, b2)
	require.NoError(t, err)
	assert.Equal(t, r1.Round, r2.Round)

	s1 := c.waitFinal(b1.SigHex())
	s2 := c.waitFinal(b2.SigHex())
	assert.Equal(t, BatchCommitted, s1.Status)
	assert.Equal(t, BatchCommitted, s2.Status)
	assert.Equal(t, n.state.Root(), s2.StateHash)

	bob, _ := n.state.Balance("bob")
	assert.Equal(t, int64(25), bob)

	cp, err := c.req.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.Round, cp.Round)
	assert.Equal(t, s2.StateHash, cp.StateDigest)
	ok, err := VerifyCheckpoint(n.conf.TsPubKey, cp)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, float64(1), testutil.ToFloat64(n.metrics.roundsCompleted))
}

func TestNodeRoundTimeout(t *testing.T) {
	n := newTestNode(t, 100, 50)
	c := newTestClient(t, n)

	b := c.batch(NewDepositPayload("alice", 5, 0))
	_, err := c.req.SubmitBatch(context.Background(), b)
	require.NoError(t, err)

	// the round never fills up, the timer has to close it
	st := c.waitFinal(b.SigHex())
	assert.Equal(t, BatchCommitted, st.Status)
}

func TestNodeInvalidBatch(t *testing.T) {
	n := newTestNode(t, 1, 10000)
	c := newTestClient(t, n)

	b := c.batch(NewTransferPayload("nobody", "bob", 5, 0))
	_, err := c.req.SubmitBatch(context.Background(), b)
	require.NoError(t, err)

	st := c.waitFinal(b.SigHex())
	assert.Equal(t, BatchInvalid, st.Status)
	assert.Empty(t, st.StateHash)
	_, ok := n.state.Balance("bob")
	assert.False(t, ok)
}

func TestNodeRejects(t *testing.T) {
	n := newTestNode(t, 100, 10000)
	c := newTestClient(t, n)
	ctx := context.Background()

	b := c.batch(NewDepositPayload("alice", 5, 0))
	_, err := c.req.SubmitBatch(ctx, b)
	require.NoError(t, err)

	_, err = c.req.SubmitBatch(ctx, b)
	assert.True(t, errors.Is(err, ErrDuplicateBatch), "got %v", err)

	// same transaction in a differently signed batch
	again := NewBatchMsg(c.priv, append(b.Txns, c.batch(NewDepositPayload("bob", 1, 0)).Txns...))
	_, err = c.req.SubmitBatch(ctx, again)
	assert.True(t, errors.Is(err, ErrDuplicateTransaction), "got %v", err)

	_, err = c.req.SubmitBatch(ctx, NewBatchMsg(c.priv, nil))
	assert.True(t, errors.Is(err, ErrEmptyBatch), "got %v", err)

	forged := c.batch(NewDepositPayload("mallory", 1000, 0))
	forged.Txns[0].Payload = encodePayload(t, NewDepositPayload("mallory", 1000000, 99))
	_, err = c.req.SubmitBatch(ctx, forged)
	assert.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)

	st, err := c.req.BatchStatus(ctx, b.SigHex())
	require.NoError(t, err)
	assert.Equal(t, BatchPending, st.Status)

	st, err = c.req.BatchStatus(ctx, "feedface")
	require.NoError(t, err)
	assert.Equal(t, BatchUnknown, st.Status)

	_, err = c.req.LatestCheckpoint(ctx)
	assert.True(t, errors.Is(err, ErrNoCheckpoint), "got %v", err)

	assert.Equal(t, float64(4), testutil.ToFloat64(n.metrics.batchesRejected))
}

func TestNodeShutdownDrainsOpenRound(t *testing.T) {
	n := newTestNode(t, 100, 10000)
	c := newTestClient(t, n)

	b := c.batch(NewDepositPayload("alice", 7, 0))
	_, err := c.req.SubmitBatch(context.Background(), b)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	n.resultLock.RLock()
	res := n.results[b.SigHex()]
	n.resultLock.RUnlock()
	require.NotNil(t, res)
	assert.Equal(t, BatchCommitted, res.Status)
}
