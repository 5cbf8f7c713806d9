package firn

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodeValue appends the msgpack encoding of obj to buf. Map keys are
// sorted so that equal logical content always encodes to identical bytes.
func encodeValue(buf []byte, obj any) []byte {
	bb := bytesBuilder{buf}
	enc := msgpack.GetEncoder()
	enc.Reset(&bb)
	enc.SetSortMapKeys(true)
	err := enc.Encode(obj)
	msgpack.PutEncoder(enc)
	if err != nil {
		panic(fmt.Errorf("failed to encode %T using msgpack: %w", obj, err))
	}
	return bb.Buf
}

func decodeValue(buf []byte, objPtr any) error {
	var r bytes.Reader
	r.Reset(buf)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	msgpackErr := dec.Decode(objPtr)
	msgpack.PutDecoder(dec)
	if msgpackErr != nil {
		return fmt.Errorf("failed to decode msgpack into %T: %w", objPtr, msgpackErr)
	}
	return nil
}

type bytesBuilder struct {
	Buf []byte
}

func (bb *bytesBuilder) Write(p []byte) (n int, err error) {
	bb.Buf = append(bb.Buf, p...)
	return len(p), nil
}
