package core

import (
	"github.com/pkg/errors"
)

const (
	OpDeposit  = "deposit"
	OpTransfer = "transfer"
)

var (
	ErrInvalidPayload    = errors.New("invalid transaction payload")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// TransferPayload is the body of a transaction: either a deposit into To or
// a transfer From one account To another. Nonce keeps otherwise identical
// payloads (and therefore their signatures) distinct.
type TransferPayload struct {
	Op     string
	From   string
	To     string
	Amount int64
	Nonce  uint64
}

func NewDepositPayload(to string, amount int64, nonce uint64) *TransferPayload {
	return &TransferPayload{Op: OpDeposit, To: to, Amount: amount, Nonce: nonce}
}

func NewTransferPayload(from, to string, amount int64, nonce uint64) *TransferPayload {
	return &TransferPayload{Op: OpTransfer, From: from, To: to, Amount: amount, Nonce: nonce}
}

func (p *TransferPayload) Validate() error {
	if p.Amount <= 0 {
		return errors.Wrapf(ErrInvalidPayload, "amount %d", p.Amount)
	}
	if p.To == "" {
		return errors.Wrap(ErrInvalidPayload, "empty receiver")
	}
	switch p.Op {
	case OpDeposit:
		return nil
	case OpTransfer:
		if p.From == "" {
			return errors.Wrap(ErrInvalidPayload, "empty sender")
		}
		if p.From == p.To {
			return errors.Wrapf(ErrInvalidPayload, "transfer from %s to itself", p.From)
		}
		return nil
	default:
		return errors.Wrapf(ErrInvalidPayload, "unknown op %q", p.Op)
	}
}
