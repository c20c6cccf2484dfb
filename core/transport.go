package core

import (
	"github.com/pkg/errors"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	// ErrConnectionClosed is returned for requests still waiting when the
	// requester's connection goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout is returned when no response arrived in time.
	ErrRequestTimeout = errors.New("request timed out")

	ErrInvalidSignature     = errors.New("invalid signature")
	ErrEmptyBatch           = errors.New("batch has no transactions")
	ErrDuplicateBatch       = errors.New("batch already submitted")
	ErrDuplicateTransaction = errors.New("transaction already submitted")
	ErrNodeShutdown         = errors.New("node is shutting down")
	ErrNoCheckpoint         = errors.New("no checkpoint yet")
)

// RPCResponse captures both a response and a potential error.
type RPCResponse struct {
	Response interface{}
	Error    error
}

// Message has a command, and provides a response mechanism.
type Message struct {
	Command  interface{}
	RespChan chan<- RPCResponse
}

// Respond is used to respond with a response, error or both.
// Internal events have no RespChan and ignore it.
func (m *Message) Respond(resp interface{}, err error) {
	if m.RespChan == nil {
		return
	}
	m.RespChan <- RPCResponse{resp, err}
}
