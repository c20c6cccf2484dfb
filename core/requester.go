package core

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/treble-h/txsched/future"
	"go.uber.org/atomic"
)

// errors a node may report that callers want to match with errors.Is
var remoteErrors = []error{
	ErrInvalidSignature,
	ErrEmptyBatch,
	ErrDuplicateBatch,
	ErrDuplicateTransaction,
	ErrNodeShutdown,
	ErrNoCheckpoint,
}

// Requester sends requests to a node over a single connection and matches
// responses to callers by correlation id, so many calls can be outstanding
// at once and answered in any order.
type Requester struct {
	conn     *NetConn
	sendLock sync.Mutex

	futures *future.Collection
	nextId  atomic.Uint64
	timeout time.Duration

	logger hclog.Logger

	closeOnce sync.Once
	closeCh   chan struct{}
	recvDone  chan struct{}
}

// NewRequester dials target. Calls that get no response within timeout fail
// with ErrRequestTimeout.
func NewRequester(target string, timeout time.Duration, logger hclog.Logger) (*Requester, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	conn, err := dialConn(target, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	r := &Requester{
		conn:     conn,
		futures:  future.NewCollection(),
		timeout:  timeout,
		logger:   logger,
		closeCh:  make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	go r.receive()
	return r, nil
}

func (r *Requester) isClosed() bool {
	select {
	case <-r.closeCh:
		return true
	default:
		return false
	}
}

func (r *Requester) shutdown() {
	r.closeOnce.Do(func() {
		close(r.closeCh)
		r.conn.Release()
	})
}

// receive resolves the future of every response read from the connection.
func (r *Requester) receive() {
	defer close(r.recvDone)
	defer r.shutdown()

	for {
		var resp ResponseMsg
		if err := decodeResponse(r.conn, &resp); err != nil {
			if !r.isClosed() {
				r.logger.Error("failed to read response", "target", r.conn.target, "error", err)
			}
			return
		}

		result := &future.Result{MessageType: uint8(resp.Type), Content: resp.Body}
		if resp.Error != "" {
			result.Err = remoteError(resp.Error)
		}
		if err := r.futures.SetResult(resp.CorrelationId, result); err != nil {
			// the caller already gave up on it
			r.logger.Debug("dropping response", "correlation-id", resp.CorrelationId, "error", err)
		}
	}
}

func remoteError(msg string) error {
	for _, known := range remoteErrors {
		if msg == known.Error() {
			return errors.WithStack(known)
		}
		if strings.HasSuffix(msg, ": "+known.Error()) {
			return errors.Wrap(known, strings.TrimSuffix(msg, ": "+known.Error()))
		}
	}
	return errors.New(msg)
}

// call sends the request built for a fresh correlation id and waits for its
// response, the request timeout, ctx or the connection closing, whichever
// comes first.
func (r *Requester) call(ctx context.Context, typ MsgType, build func(correlationId string) interface{}) (*future.Result, error) {
	if r.isClosed() {
		return nil, ErrConnectionClosed
	}

	id := strconv.FormatUint(r.nextId.Inc(), 10)
	f := future.New(id)
	r.futures.Put(f)
	defer r.futures.Remove(id)

	r.sendLock.Lock()
	err := SendRPC(r.conn, typ, build(id))
	r.sendLock.Unlock()
	if err != nil {
		r.shutdown()
		return nil, errors.Wrapf(err, "send %s", typ)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		var reason error
		select {
		case <-stop:
			return
		case <-timer.C:
			reason = errors.Wrapf(ErrRequestTimeout, "%s after %s", typ, r.timeout)
		case <-ctx.Done():
			reason = errors.WithStack(ctx.Err())
		case <-r.closeCh:
			reason = ErrConnectionClosed
		}
		// a response that won the race keeps its result
		f.SetResult(&future.Result{MessageType: uint8(typ), Err: reason})
	}()

	res := f.Result()
	if res.Err != nil {
		return nil, res.Err
	}
	return res, nil
}

func (r *Requester) SubmitBatch(ctx context.Context, batch BatchMsg) (*SubmitBatchResp, error) {
	res, err := r.call(ctx, SubmitBatchType, func(id string) interface{} {
		return &SubmitBatchMsg{CorrelationId: id, Batch: batch}
	})
	if err != nil {
		return nil, err
	}
	var resp SubmitBatchResp
	if err := decode(res.Content, &resp); err != nil {
		return nil, errors.Wrap(err, "decode submit response")
	}
	return &resp, nil
}

func (r *Requester) BatchStatus(ctx context.Context, batchSig string) (*BatchStatusResp, error) {
	res, err := r.call(ctx, BatchStatusType, func(id string) interface{} {
		return &BatchStatusMsg{CorrelationId: id, BatchSig: batchSig}
	})
	if err != nil {
		return nil, err
	}
	var resp BatchStatusResp
	if err := decode(res.Content, &resp); err != nil {
		return nil, errors.Wrap(err, "decode status response")
	}
	return &resp, nil
}

func (r *Requester) LatestCheckpoint(ctx context.Context) (*CheckpointMsg, error) {
	res, err := r.call(ctx, CheckpointQueryType, func(id string) interface{} {
		return &CheckpointQueryMsg{CorrelationId: id}
	})
	if err != nil {
		return nil, err
	}
	var cp CheckpointMsg
	if err := decode(res.Content, &cp); err != nil {
		return nil, errors.Wrap(err, "decode checkpoint")
	}
	return &cp, nil
}

// Pending is the number of calls still waiting for a response.
func (r *Requester) Pending() int {
	return r.futures.Len()
}

// Close drops the connection. Outstanding calls fail with
// ErrConnectionClosed.
func (r *Requester) Close() error {
	r.shutdown()
	<-r.recvDone
	return nil
}
