package core

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/treble-h/txsched/config"
	"github.com/treble-h/txsched/scheduler"
)

// Node accepts signed batches from clients, schedules them into rounds and
// executes each round against the world state.
type Node struct {
	conf   *config.Config
	logger hclog.Logger

	trans    *NetworkTransport
	pool     *ants.Pool
	state    *WorldState
	executor *Executor

	metrics       *metrics
	registry      *prometheus.Registry
	metricsServer *http.Server

	roundTimer Timer

	roundLock  sync.Mutex
	nextRound  uint64
	openRound  *round
	pending    map[string]*round // batch signature to the round holding it
	txnSeen    map[string]struct{}
	queue      []*round
	roundReady chan struct{}
	closed     bool

	resultLock       sync.RWMutex
	results          map[string]*BatchStatusResp
	latestCheckpoint *CheckpointMsg

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	executorDone chan struct{}
}

func NewNode(conf *config.Config) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "node" + strconv.Itoa(int(conf.ReplicaId)),
		Output: os.Stderr,
		Level:  hclog.LevelFromString(conf.LogLevel),
	})

	state, err := NewState(conf.StateDBPath)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(conf.WorkerPoolSize,
		ants.WithLogger(logger.Named("pool").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("request handler panicked", "panic", p)
		}),
	)
	if err != nil {
		state.Close()
		return nil, errors.Wrap(err, "create worker pool")
	}

	registry := prometheus.NewRegistry()
	m := newMetrics(registry, conf.ReplicaId)

	n := &Node{
		conf:         conf,
		logger:       logger,
		pool:         pool,
		state:        state,
		executor:     NewExecutor(state, logger.Named("executor"), m),
		metrics:      m,
		registry:     registry,
		pending:      make(map[string]*round),
		txnSeen:      make(map[string]struct{}),
		roundReady:   make(chan struct{}, 1),
		results:      make(map[string]*BatchStatusResp),
		shutdownCh:   make(chan struct{}),
		executorDone: make(chan struct{}),
	}
	if root, err := state.PersistedRoot(); err == nil && root != "" {
		logger.Info("loaded persisted state", "state", shortSig(root))
	}
	return n, nil
}

// StartListen binds the client port and starts the round executor.
func (n *Node) StartListen() error {
	addr := net.JoinHostPort(n.conf.AddrStr, strconv.Itoa(n.conf.P2PListenPort))

	var err error
	n.trans, err = NewTCPTransport(addr, n.conf.RequestTimeoutDuration(), n.logger.Named("net"))
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	n.roundTimer = newTimerImpl(n.trans, n.logger.Named("timer"))
	go n.runExecutor()

	n.logger.Info("listening", "address", n.trans.LocalAddr(), "batchsize", n.conf.BatchSize,
		"batchtimeout", n.conf.RoundTimeout())
	return nil
}

// StartMetricsListen serves the node's prometheus registry on /metrics. It
// does nothing when no metrics port is configured.
func (n *Node) StartMetricsListen() error {
	if n.conf.MetricsListenPort == 0 {
		return nil
	}
	addr := net.JoinHostPort(n.conf.AddrStr, strconv.Itoa(n.conf.MetricsListenPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "metrics listen on %s", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	n.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := n.metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			n.logger.Error("metrics server stopped", "error", err)
		}
	}()
	n.logger.Info("serving metrics", "address", listener.Addr().String())
	return nil
}

// Addr is the address clients connect to.
func (n *Node) Addr() string {
	return n.trans.LocalAddr()
}

// Serve consumes requests and internal events until the node shuts down.
func (n *Node) Serve() {
	rpcCh := n.trans.Consumer()
	for {
		select {
		case rpc := <-rpcCh:
			switch msg := rpc.Command.(type) {
			case *RoundTimeoutEvent:
				n.handleRoundTimeout(msg)
			default:
				if err := n.pool.Submit(func() { n.handleMessage(rpc) }); err != nil {
					rpc.Respond(nil, errors.Wrap(err, "submit to worker pool"))
				}
			}
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *Node) handleMessage(rpc Message) {
	switch msg := rpc.Command.(type) {
	case *SubmitBatchMsg:
		resp, err := n.handleSubmitBatch(msg)
		if err != nil {
			n.logger.Debug("batch rejected", "error", err)
			rpc.Respond(nil, err)
			return
		}
		rpc.Respond(resp, nil)
	case *BatchStatusMsg:
		rpc.Respond(n.handleBatchStatus(msg), nil)
	case *CheckpointQueryMsg:
		resp, err := n.handleCheckpointQuery()
		if err != nil {
			rpc.Respond(nil, err)
			return
		}
		rpc.Respond(resp, nil)
	default:
		rpc.Respond(nil, errors.Errorf("unexpected command %T", rpc.Command))
	}
}

func (n *Node) handleSubmitBatch(msg *SubmitBatchMsg) (*SubmitBatchResp, error) {
	batch, err := msg.Batch.ToBatch()
	if err != nil {
		n.metrics.batchesRejected.Inc()
		return nil, err
	}

	n.roundLock.Lock()
	defer n.roundLock.Unlock()

	if n.closed {
		return nil, ErrNodeShutdown
	}
	if err := n.checkDuplicateLocked(batch); err != nil {
		n.metrics.batchesRejected.Inc()
		return nil, err
	}

	r := n.openRound
	if r == nil {
		r = n.newRoundLocked()
	}
	if err := r.sched.AddBatch(batch, ""); err != nil {
		return nil, err
	}
	r.batches = append(r.batches, batch.Signature)
	n.pending[batch.Signature] = r
	for _, txn := range batch.Transactions {
		n.txnSeen[txn.Signature] = struct{}{}
	}
	n.metrics.batchesReceived.Inc()
	n.logger.Debug("batch scheduled", "batch", shortSig(batch.Signature), "round", r.id,
		"txns", len(batch.Transactions))

	if len(r.batches) >= n.conf.BatchSize {
		n.closeRoundLocked(closeReasonFull)
	}
	return &SubmitBatchResp{BatchSig: batch.Signature, Round: r.id}, nil
}

// checkDuplicateLocked must be called with roundLock held.
func (n *Node) checkDuplicateLocked(batch *scheduler.Batch) error {
	if _, ok := n.pending[batch.Signature]; ok {
		return errors.Wrapf(ErrDuplicateBatch, "batch %s", shortSig(batch.Signature))
	}
	n.resultLock.RLock()
	_, done := n.results[batch.Signature]
	n.resultLock.RUnlock()
	if done {
		return errors.Wrapf(ErrDuplicateBatch, "batch %s", shortSig(batch.Signature))
	}
	for _, txn := range batch.Transactions {
		if _, ok := n.txnSeen[txn.Signature]; ok {
			return errors.Wrapf(ErrDuplicateTransaction, "transaction %s", shortSig(txn.Signature))
		}
	}
	return nil
}

func (n *Node) handleBatchStatus(msg *BatchStatusMsg) *BatchStatusResp {
	n.resultLock.RLock()
	res, ok := n.results[msg.BatchSig]
	n.resultLock.RUnlock()
	if ok {
		cp := *res
		return &cp
	}

	n.roundLock.Lock()
	r, ok := n.pending[msg.BatchSig]
	n.roundLock.Unlock()
	if !ok {
		// the round may have finished between the two lookups
		n.resultLock.RLock()
		res, ok = n.results[msg.BatchSig]
		n.resultLock.RUnlock()
		if ok {
			cp := *res
			return &cp
		}
		return &BatchStatusResp{BatchSig: msg.BatchSig, Status: BatchUnknown}
	}

	resp := &BatchStatusResp{BatchSig: msg.BatchSig, Status: BatchPending, Round: r.id}
	if st := r.sched.BatchStatus(msg.BatchSig); st != nil && st.Status == scheduler.StatusInvalid {
		resp.Status = BatchInvalid
	}
	return resp
}

func (n *Node) handleCheckpointQuery() (*CheckpointMsg, error) {
	n.resultLock.RLock()
	defer n.resultLock.RUnlock()
	if n.latestCheckpoint == nil {
		return nil, ErrNoCheckpoint
	}
	cp := *n.latestCheckpoint
	return &cp, nil
}

func (n *Node) handleRoundTimeout(ev *RoundTimeoutEvent) {
	n.roundLock.Lock()
	defer n.roundLock.Unlock()
	// the round may already have closed because it filled up
	if n.openRound == nil || n.openRound.id != ev.Round {
		return
	}
	n.closeRoundLocked(closeReasonTimeout)
}

// Shutdown stops accepting requests, lets the executor drain every round
// already scheduled and persists the state.
func (n *Node) Shutdown(ctx context.Context) error {
	var err error
	n.shutdownOnce.Do(func() {
		if n.trans != nil {
			n.trans.Close()
		}

		n.roundLock.Lock()
		n.closed = true
		n.closeRoundLocked(closeReasonShutdown)
		n.roundLock.Unlock()
		n.signalRoundReady()

		if n.trans != nil {
			select {
			case <-n.executorDone:
			case <-ctx.Done():
				err = errors.Wrap(ctx.Err(), "wait for executor")
			}
			n.roundTimer.Halt()
		}
		close(n.shutdownCh)
		n.pool.Release()

		if n.metricsServer != nil {
			if cerr := n.metricsServer.Shutdown(ctx); cerr != nil && err == nil {
				err = errors.Wrap(cerr, "stop metrics server")
			}
		}
		if cerr := n.state.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "close state")
		}
		n.logger.Info("node stopped")
	})
	return err
}
