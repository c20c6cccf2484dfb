package sign

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// GenKeys generates an ed25519 key pair.
func GenKeys() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

func SignWithPrikey(msg []byte, priKey ed25519.PrivateKey) []byte {
	return ed25519.Sign(priKey, msg)
}

func VerifySignEd(msg []byte, pubKey ed25519.PublicKey, sig []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, errors.Errorf("bad ed25519 public key length %d", len(pubKey))
	}
	if !ed25519.Verify(pubKey, msg, sig) {
		return false, errors.New("ed25519 signature mismatch")
	}
	return true, nil
}

// GenTSKeys creates n threshold key shares, any t of which can produce a
// signature verifiable with the returned public polynomial.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial signs msg with one threshold key share.
func SignTSPartial(priKey *share.PriShare, msg []byte) ([]byte, error) {
	return tbls.Sign(suite, priKey, msg)
}

// VerifyTSPartial checks a partial signature produced by SignTSPartial.
func VerifyTSPartial(pubKey *share.PubPoly, msg, partialSig []byte) (bool, error) {
	if err := tbls.Verify(suite, pubKey, msg, partialSig); err != nil {
		return false, err
	}
	return true, nil
}

// AssembleIntactTSPartial recovers the full threshold signature from at
// least t partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubKey *share.PubPoly, msg []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubKey, msg, partialSigs, t, n)
}

// VerifyTS checks a recovered threshold signature.
func VerifyTS(pubKey *share.PubPoly, msg, sig []byte) (bool, error) {
	if err := bls.Verify(suite, pubKey.Commit(), msg, sig); err != nil {
		return false, err
	}
	return true, nil
}

type encodedPriShare struct {
	I int
	V []byte
}

type encodedPubPoly struct {
	Commits [][]byte
}

func EncodeTSPartialKey(priKey *share.PriShare) ([]byte, error) {
	v, err := priKey.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var out []byte
	err = codec.NewEncoderBytes(&out, &codec.MsgpackHandle{}).Encode(&encodedPriShare{I: priKey.I, V: v})
	return out, err
}

func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	var enc encodedPriShare
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(&enc); err != nil {
		return nil, errors.Wrap(err, "decode threshold key share")
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(enc.V); err != nil {
		return nil, errors.Wrap(err, "decode threshold key share scalar")
	}
	return &share.PriShare{I: enc.I, V: v}, nil
}

func EncodeTSPublicKey(pubKey *share.PubPoly) ([]byte, error) {
	_, commits := pubKey.Info()
	enc := encodedPubPoly{Commits: make([][]byte, 0, len(commits))}
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		enc.Commits = append(enc.Commits, b)
	}
	var out []byte
	err := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{}).Encode(&enc)
	return out, err
}

func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	var enc encodedPubPoly
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(&enc); err != nil {
		return nil, errors.Wrap(err, "decode threshold public key")
	}
	if len(enc.Commits) == 0 {
		return nil, errors.New("threshold public key has no commitments")
	}
	commits := make([]kyber.Point, 0, len(enc.Commits))
	for _, b := range enc.Commits {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(b); err != nil {
			return nil, errors.Wrap(err, "decode threshold public key commitment")
		}
		commits = append(commits, p)
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}
