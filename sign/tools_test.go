package sign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519(t *testing.T) {
	priv1, pub1, err := GenKeys()
	require.NoError(t, err)
	_, pub2, err := GenKeys()
	require.NoError(t, err)

	msg := []byte("hhhhh")
	sig := SignWithPrikey(msg, priv1)

	ok, err := VerifySignEd(msg, pub1, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignEd(msg, pub2, sig)
	assert.Error(t, err)
	assert.False(t, ok)

	ok, _ = VerifySignEd(msg, pub1[:5], sig)
	assert.False(t, ok)
}

func TestThresholdSignature(t *testing.T) {
	const th, n = 3, 4
	shares, pubPoly := GenTSKeys(th, n)
	require.Len(t, shares, n)

	msg := []byte("state digest")
	var partials [][]byte
	for _, s := range shares[:th] {
		p, err := SignTSPartial(s, msg)
		require.NoError(t, err)

		ok, err := VerifyTSPartial(pubPoly, msg, p)
		require.NoError(t, err)
		assert.True(t, ok)
		partials = append(partials, p)
	}

	sig, err := AssembleIntactTSPartial(partials, pubPoly, msg, th, n)
	require.NoError(t, err)

	ok, err := VerifyTS(pubPoly, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = VerifyTS(pubPoly, []byte("other digest"), sig)
	assert.False(t, ok)

	_, err = AssembleIntactTSPartial(partials[:th-1], pubPoly, msg, th, n)
	assert.Error(t, err)
}

func TestThresholdKeyCodec(t *testing.T) {
	shares, pubPoly := GenTSKeys(2, 3)

	shareBytes, err := EncodeTSPartialKey(shares[1])
	require.NoError(t, err)
	decodedShare, err := DecodeTSPartialKey(shareBytes)
	require.NoError(t, err)
	assert.Equal(t, shares[1].I, decodedShare.I)
	assert.True(t, shares[1].V.Equal(decodedShare.V))

	pubBytes, err := EncodeTSPublicKey(pubPoly)
	require.NoError(t, err)
	decodedPub, err := DecodeTSPublicKey(pubBytes)
	require.NoError(t, err)
	assert.True(t, pubPoly.Equal(decodedPub))

	// keys survive the round trip well enough to sign and verify
	msg := []byte("checkpoint")
	p, err := SignTSPartial(decodedShare, msg)
	require.NoError(t, err)
	ok, err := VerifyTSPartial(decodedPub, msg, p)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = DecodeTSPublicKey([]byte{0xc0})
	assert.Error(t, err)
}
