package core

import (
	"github.com/pkg/errors"
	"github.com/treble-h/txsched/sign"
	"go.dedis.ch/kyber/v3/share"
)

type checkpointBody struct {
	Round       uint64
	StateDigest string
}

func checkpointDigest(round uint64, stateDigest string) ([]byte, error) {
	return dataHashByte(checkpointBody{Round: round, StateDigest: stateDigest})
}

// makeCheckpoint signs the state digest reached after round with the
// replica's threshold share.
func (n *Node) makeCheckpoint(round uint64, stateDigest string) (*CheckpointMsg, error) {
	digest, err := checkpointDigest(round, stateDigest)
	if err != nil {
		return nil, err
	}
	partial, err := sign.SignTSPartial(n.conf.TsPriKey, digest)
	if err != nil {
		return nil, errors.Wrapf(err, "sign checkpoint of round %d", round)
	}
	return &CheckpointMsg{
		Round:       round,
		StateDigest: stateDigest,
		ReplicaId:   n.conf.ReplicaId,
		PartialSig:  partial,
	}, nil
}

// VerifyCheckpoint checks the partial signature of cp against the cluster's
// public polynomial.
func VerifyCheckpoint(pubKey *share.PubPoly, cp *CheckpointMsg) (bool, error) {
	digest, err := checkpointDigest(cp.Round, cp.StateDigest)
	if err != nil {
		return false, err
	}
	return sign.VerifyTSPartial(pubKey, digest, cp.PartialSig)
}

// AssembleCheckpoint recovers the full threshold signature once t replicas
// have attested the same round and digest.
func AssembleCheckpoint(pubKey *share.PubPoly, cps []*CheckpointMsg, t, n int) ([]byte, error) {
	if len(cps) == 0 {
		return nil, ErrNoCheckpoint
	}
	first := cps[0]
	partials := make([][]byte, 0, len(cps))
	for _, cp := range cps {
		if cp.Round != first.Round || cp.StateDigest != first.StateDigest {
			return nil, errors.Errorf("checkpoint of replica %d disagrees on round %d", cp.ReplicaId, first.Round)
		}
		partials = append(partials, cp.PartialSig)
	}
	digest, err := checkpointDigest(first.Round, first.StateDigest)
	if err != nil {
		return nil, err
	}
	return sign.AssembleIntactTSPartial(partials, pubKey, digest, t, n)
}
