package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/treble-h/txsched/scheduler"
	"github.com/treble-h/txsched/sign"
)

// Batch states reported by BatchStatusResp.
const (
	BatchCommitted = "COMMITTED"
	BatchInvalid   = "INVALID"
	BatchPending   = "PENDING"
	BatchUnknown   = "UNKNOWN"
)

type TxnMsg struct {
	Payload []byte
	Sig     []byte
}

type BatchMsg struct {
	SignerPubKey []byte
	Sig          []byte
	Txns         []TxnMsg
}

type SubmitBatchMsg struct {
	CorrelationId string
	Batch         BatchMsg
}

type SubmitBatchResp struct {
	BatchSig string
	Round    uint64
}

type BatchStatusMsg struct {
	CorrelationId string
	BatchSig      string
}

type BatchStatusResp struct {
	BatchSig  string
	Status    string
	StateHash string
	Round     uint64
}

type CheckpointQueryMsg struct {
	CorrelationId string
}

// CheckpointMsg attests the state digest reached after a round with a
// threshold signature share of the replica.
type CheckpointMsg struct {
	Round       uint64
	StateDigest string
	ReplicaId   uint32
	PartialSig  []byte
}

// ResponseMsg answers the request carrying the same CorrelationId.
type ResponseMsg struct {
	CorrelationId string
	Type          MsgType
	Error         string
	Body          []byte
}

// RoundTimeoutEvent is delivered by the round timer when an open round has
// waited BatchTimeout for more batches.
type RoundTimeoutEvent struct {
	Round uint64
}

// NewTxnMsg encodes and signs a payload.
func NewTxnMsg(priKey ed25519.PrivateKey, payload *TransferPayload) (TxnMsg, error) {
	body, err := encode(payload)
	if err != nil {
		return TxnMsg{}, err
	}
	return TxnMsg{Payload: body, Sig: sign.SignWithPrikey(body, priKey)}, nil
}

// NewBatchMsg signs the ordered transaction signatures of txns.
func NewBatchMsg(priKey ed25519.PrivateKey, txns []TxnMsg) BatchMsg {
	return BatchMsg{
		SignerPubKey: priKey.Public().(ed25519.PublicKey),
		Sig:          sign.SignWithPrikey(batchDigest(txns), priKey),
		Txns:         txns,
	}
}

func batchDigest(txns []TxnMsg) []byte {
	h := sha256.New()
	for _, txn := range txns {
		h.Write(txn.Sig)
	}
	return h.Sum(nil)
}

// SigHex is the batch identifier used by the scheduler and status queries.
func (b *BatchMsg) SigHex() string {
	return hex.EncodeToString(b.Sig)
}

// ToBatch checks every signature in the batch against the signer's key and
// converts it to the scheduler's representation.
func (b *BatchMsg) ToBatch() (*scheduler.Batch, error) {
	if len(b.Txns) == 0 {
		return nil, ErrEmptyBatch
	}
	pub := ed25519.PublicKey(b.SignerPubKey)
	if ok, err := sign.VerifySignEd(batchDigest(b.Txns), pub, b.Sig); !ok {
		return nil, errors.Wrapf(ErrInvalidSignature, "batch: %v", err)
	}

	batch := &scheduler.Batch{
		Signature:    b.SigHex(),
		Transactions: make([]*scheduler.Transaction, 0, len(b.Txns)),
	}
	for i, txn := range b.Txns {
		if ok, err := sign.VerifySignEd(txn.Payload, pub, txn.Sig); !ok {
			return nil, errors.Wrapf(ErrInvalidSignature, "transaction %d: %v", i, err)
		}
		for _, prev := range b.Txns[:i] {
			if bytes.Equal(prev.Sig, txn.Sig) {
				return nil, errors.Wrapf(ErrDuplicateTransaction, "transaction %d repeats within batch", i)
			}
		}
		batch.Transactions = append(batch.Transactions, &scheduler.Transaction{
			Signature: hex.EncodeToString(txn.Sig),
			Payload:   txn.Payload,
		})
	}
	return batch, nil
}
