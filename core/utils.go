package core

import (
	"bytes"
	"crypto/sha256"

	"github.com/hashicorp/go-msgpack/codec"
)

func encode(data interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode decodes bytes into the data.
// Data should be passed in the format of a pointer to a type.
func decode(s []byte, data interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(s), &codec.MsgpackHandle{})
	return dec.Decode(data)
}

func dataHashByte(data interface{}) ([]byte, error) {
	dataBytes, err := encode(data)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(dataBytes)
	return sum[:], nil
}

// shortSig trims a hex signature for log lines.
func shortSig(sig string) string {
	if len(sig) > 16 {
		return sig[:16]
	}
	return sig
}
