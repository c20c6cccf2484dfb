package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/treble-h/txsched/core"
	"github.com/treble-h/txsched/sign"
	"github.com/urfave/cli"
)

type CMD struct {
	address   string
	port      int
	timeoutMs int

	batches int
	txns    int

	batchSig string

	logger hclog.Logger
}

func (cmd *CMD) connect() (*core.Requester, error) {
	target := net.JoinHostPort(cmd.address, strconv.Itoa(cmd.port))
	return core.NewRequester(target, time.Duration(cmd.timeoutMs)*time.Millisecond, cmd.logger)
}

// submit funds a fresh account and then sends transfers out of it, one
// batch at a time, and waits for every batch to leave PENDING.
func (cmd *CMD) submit() error {
	req, err := cmd.connect()
	if err != nil {
		return err
	}
	defer req.Close()

	priv, pub, err := sign.GenKeys()
	if err != nil {
		return err
	}
	ctx := context.Background()
	account := "acct-" + hex.EncodeToString(pub[:4])
	nonce := uint64(rand.Int63())

	var sigs []string
	for b := 0; b < cmd.batches; b++ {
		var txns []core.TxnMsg
		for i := 0; i < cmd.txns; i++ {
			nonce++
			var payload *core.TransferPayload
			if b == 0 && i == 0 {
				payload = core.NewDepositPayload(account, int64(cmd.batches*cmd.txns)*10, nonce)
			} else {
				payload = core.NewTransferPayload(account, "sink-"+strconv.Itoa(i), 1, nonce)
			}
			txn, err := core.NewTxnMsg(priv, payload)
			if err != nil {
				return err
			}
			txns = append(txns, txn)
		}

		resp, err := req.SubmitBatch(ctx, core.NewBatchMsg(priv, txns))
		if err != nil {
			return errors.Wrapf(err, "submit batch %d", b)
		}
		cmd.logger.Info("batch accepted", "batch", resp.BatchSig, "round", resp.Round)
		sigs = append(sigs, resp.BatchSig)
	}

	// poll the statuses concurrently over the same connection
	var wg sync.WaitGroup
	errCh := make(chan error, len(sigs))
	for _, sig := range sigs {
		wg.Add(1)
		go func(sig string) {
			defer wg.Done()
			st, err := cmd.waitFinal(ctx, req, sig)
			if err != nil {
				errCh <- err
				return
			}
			fmt.Printf("%s %s round=%d state=%s\n", st.BatchSig, st.Status, st.Round, st.StateHash)
		}(sig)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (cmd *CMD) waitFinal(ctx context.Context, req *core.Requester, sig string) (*core.BatchStatusResp, error) {
	for {
		st, err := req.BatchStatus(ctx, sig)
		if err != nil {
			return nil, errors.Wrapf(err, "status of %s", sig)
		}
		if st.Status != core.BatchPending {
			return st, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (cmd *CMD) status() error {
	req, err := cmd.connect()
	if err != nil {
		return err
	}
	defer req.Close()

	st, err := req.BatchStatus(context.Background(), cmd.batchSig)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s round=%d state=%s\n", st.BatchSig, st.Status, st.Round, st.StateHash)
	return nil
}

func (cmd *CMD) checkpoint() error {
	req, err := cmd.connect()
	if err != nil {
		return err
	}
	defer req.Close()

	cp, err := req.LatestCheckpoint(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("round=%d replica=%d state=%s\n", cp.Round, cp.ReplicaId, cp.StateDigest)
	return nil
}

func (cmd *CMD) Run() {
	app := &cli.App{
		Name: "A client to submit transaction batches to a txsched node",
	}
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "address, a",
			Usage:       "node `ADDRESS` to connect to",
			Value:       "127.0.0.1",
			Destination: &cmd.address,
		},
		cli.IntFlag{
			Name:        "port, p",
			Usage:       "node `PORT` to connect to",
			Value:       8000,
			Destination: &cmd.port,
		},
		cli.IntFlag{
			Name:        "timeout, t",
			Usage:       "per request timeout in milliseconds",
			Value:       5000,
			Destination: &cmd.timeoutMs,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:  "submit",
			Usage: "send signed batches and wait for their outcome",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:        "batches, n",
					Value:       1,
					Destination: &cmd.batches,
				},
				cli.IntFlag{
					Name:        "txns, m",
					Usage:       "transactions per batch",
					Value:       4,
					Destination: &cmd.txns,
				},
			},
			Action: func(c *cli.Context) error {
				return cmd.submit()
			},
		},
		{
			Name:  "status",
			Usage: "query the status of one batch",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:        "batch, b",
					Usage:       "batch signature in hex",
					Required:    true,
					Destination: &cmd.batchSig,
				},
			},
			Action: func(c *cli.Context) error {
				return cmd.status()
			},
		},
		{
			Name:  "checkpoint",
			Usage: "show the node's latest checkpoint",
			Action: func(c *cli.Context) error {
				return cmd.checkpoint()
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Panic(err)
	}
}

func main() {
	cmd := &CMD{
		logger: hclog.New(&hclog.LoggerOptions{Name: "client", Level: hclog.Info}),
	}
	cmd.Run()
}
