package core

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

type MsgType uint8

const (
	SubmitBatchType MsgType = iota
	BatchStatusType
	CheckpointQueryType
)

func (t MsgType) String() string {
	switch t {
	case SubmitBatchType:
		return "submit-batch"
	case BatchStatusType:
		return "batch-status"
	case CheckpointQueryType:
		return "checkpoint-query"
	default:
		return "unknown"
	}
}

/*

NetworkTransport accepts requests from clients over a stream layer,
which can be simple TCP, TLS, etc.

Each request is framed by sending a byte that indicates the message type,
followed by the MsgPack encoded request. Every request carries a
correlation id.

Responses are MsgPack encoded ResponseMsg values echoing that id. A
connection may have several requests outstanding, and their responses are
written as soon as each one is ready, so they may come back in a
different order than the requests were sent.

*/

type NetworkTransport struct {
	consumeCh chan Message

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx     context.Context
	streamCancel  context.CancelFunc
	streamCtxLock sync.RWMutex

	timeout time.Duration
}

// setupStreamContext is used to create a new stream context. This should be
// called with the stream lock held.
func (n *NetworkTransport) setupStreamContext() {
	ctx, cancel := context.WithCancel(context.Background())
	n.streamCtx = ctx
	n.streamCancel = cancel
}

// getStreamContext is used retrieve the current stream context.
func (n *NetworkTransport) getStreamContext() context.Context {
	n.streamCtxLock.RLock()
	defer n.streamCtxLock.RUnlock()
	return n.streamCtx
}

// listen is used to handling incoming connections.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		// Accept incoming connections
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}

			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if !n.IsShutdown() {
				n.logger.Error("failed to accept connection", "error", err)
			}

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		// No error, reset loop delay
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())

		// Handle the connection in dedicated routine
		go n.handleConn(n.getStreamContext(), conn)
	}
}

// connWriter serializes responses written by concurrent responders.
type connWriter struct {
	lock sync.Mutex
	conn net.Conn
	w    *bufio.Writer
	enc  *codec.Encoder
	to   time.Duration
}

func (c *connWriter) write(resp *ResponseMsg) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.to > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.to))
	}
	if err := c.enc.Encode(resp); err != nil {
		return err
	}
	return c.w.Flush()
}

// handleConn is used to handle an inbound connection for its lifespan. The
// handler will exit when the passed context is cancelled or the connection is
// closed.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	out := &connWriter{
		conn: conn,
		w:    w,
		enc:  codec.NewEncoder(w, &codec.MsgpackHandle{}),
		to:   n.timeout,
	}

	// unblock the read below when the stream layer is closed
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-connCtx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// outstanding responders must finish before the connection is closed
	var responders sync.WaitGroup
	defer responders.Wait()

	for {
		select {
		case <-connCtx.Done():
			n.logger.Debug("stream layer is closed")
			return
		default:
		}

		if err := n.handleCommand(connCtx, r, dec, out, &responders); err != nil {
			if err != io.EOF && !n.IsShutdown() {
				n.logger.Error("failed to decode incoming command", "error", err)
			}
			return
		}
	}
}

// handleCommand is used to decode and dispatch a single command.
func (n *NetworkTransport) handleCommand(connCtx context.Context, r *bufio.Reader, dec *codec.Decoder,
	out *connWriter, responders *sync.WaitGroup) error {
	// Get the rpc type
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	// Create the RPC object
	respCh := make(chan RPCResponse, 1)

	rpc := Message{
		RespChan: respCh,
	}

	var correlationId string

	// Decode the command
	switch MsgType(rpcType) {
	case SubmitBatchType:
		var req SubmitBatchMsg
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
		correlationId = req.CorrelationId

	case BatchStatusType:
		var req BatchStatusMsg
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
		correlationId = req.CorrelationId

	case CheckpointQueryType:
		var req CheckpointQueryMsg
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
		correlationId = req.CorrelationId

	default:
		return errors.Errorf("unknown rpc type %d", rpcType)
	}

	// Dispatch the RPC
	select {
	case n.consumeCh <- rpc:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	// Wait for the response without holding up the next command
	responders.Add(1)
	go func() {
		defer responders.Done()
		n.respond(connCtx, out, correlationId, MsgType(rpcType), respCh)
	}()
	return nil
}

func (n *NetworkTransport) respond(connCtx context.Context, out *connWriter, correlationId string,
	typ MsgType, respCh <-chan RPCResponse) {
	var resp RPCResponse
	select {
	case resp = <-respCh:
	case <-connCtx.Done():
		return
	case <-n.shutdownCh:
		return
	}

	msg := ResponseMsg{CorrelationId: correlationId, Type: typ}
	if resp.Error != nil {
		msg.Error = resp.Error.Error()
	}
	if resp.Response != nil {
		body, err := encode(resp.Response)
		if err != nil {
			msg.Error = err.Error()
		} else {
			msg.Body = body
		}
	}

	if err := out.write(&msg); err != nil {
		n.logger.Error("failed to send response", "type", typ, "correlation-id", correlationId, "error", err)
	}
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Consumer returns the channel inbound requests and internal events are
// delivered on.
func (n *NetworkTransport) Consumer() <-chan Message {
	return n.consumeCh
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.streamCtxLock.Lock()
		n.streamCancel()
		n.streamCtxLock.Unlock()
		n.shutdown = true
	}
	return nil
}

type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

func (n *NetConn) Release() error {
	return n.conn.Close()
}

// NetworkTransportConfig encapsulates configuration for the network transport layer.
type NetworkTransportConfig struct {
	Logger hclog.Logger

	Stream StreamLayer

	// Timeout is used to apply I/O deadlines to responses.
	Timeout time.Duration
}

// NewNetworkTransportWithConfig creates a new network transport with the given config struct
func NewNetworkTransportWithConfig(
	config *NetworkTransportConfig,
) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "net",
			Output: os.Stderr,
			Level:  hclog.DefaultLevel,
		})
	}
	trans := &NetworkTransport{
		consumeCh:  make(chan Message),
		logger:     config.Logger,
		shutdownCh: make(chan struct{}),
		stream:     config.Stream,
		timeout:    config.Timeout,
	}

	// Create the connection context and then start our listener.
	trans.setupStreamContext()
	go trans.listen()

	return trans
}

// SendRPC is used to encode and send the RPC.
func SendRPC(conn *NetConn, rpcType MsgType, args interface{}) error {
	// Write the request type
	if err := conn.w.WriteByte(uint8(rpcType)); err != nil {
		conn.Release()
		return err
	}
	// Send the request
	if err := conn.enc.Encode(args); err != nil {
		conn.Release()
		return err
	}

	// Flush
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}

// decodeResponse reads the next response from the connection.
func decodeResponse(conn *NetConn, resp *ResponseMsg) error {
	if err := conn.dec.Decode(resp); err != nil {
		conn.Release()
		return err
	}
	return nil
}
