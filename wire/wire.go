// Package wire implements the length-prefixed MsgPack encoding of a
// ParameterStack: the format used both to embed the "remainder
// of the route" inside a circuit forwarding block and to ship a full route
// to the first hop. Encoding and decoding go through
// github.com/ugorji/go/codec's MsgPack handle.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"

	"github.com/securesocketfunneling/ssf-sub003/layer"
)

// wireStack is the msgpack-friendly shape of a ParameterStack: a sequence
// of ordered key/value pairs per layer. codec has no native notion of an
// "ordered map", so each LayerParameters is encoded as a slice of 2-element
// string slices rather than a Go map, preserving round-trip order.
type wireStack [][][2]string

var mh codec.MsgpackHandle

// Marshal encodes a ParameterStack to MsgPack bytes.
func Marshal(s layer.ParameterStack) ([]byte, error) {
	ws := make(wireStack, len(s))
	for i, lp := range s {
		if lp == nil {
			ws[i] = [][2]string{}
			continue
		}
		ws[i] = lp.Pairs()
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(ws); err != nil {
		return nil, fmt.Errorf("wire: marshal parameter stack: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MsgPack bytes into a ParameterStack.
func Unmarshal(data []byte) (layer.ParameterStack, error) {
	var ws wireStack
	dec := codec.NewDecoder(bytes.NewReader(data), &mh)
	if err := dec.Decode(&ws); err != nil {
		return nil, fmt.Errorf("wire: unmarshal parameter stack: %w", err)
	}
	out := make(layer.ParameterStack, len(ws))
	for i, pairs := range ws {
		lp := layer.NewLayerParameters()
		for _, kv := range pairs {
			lp.Set(kv[0], kv[1])
		}
		out[i] = lp
	}
	return out, nil
}

// WriteForwardBlock writes a length-prefixed (uint32 big-endian) MsgPack
// encoding of s to w -- the framing used when a circuit forwarding block is
// embedded inside another layer's byte stream.
func WriteForwardBlock(w io.Writer, s layer.ParameterStack) error {
	payload, err := Marshal(s)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write forward block length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write forward block payload: %w", err)
	}
	return nil
}

// ReadForwardBlock reads a length-prefixed MsgPack-encoded ParameterStack
// from r, the inverse of WriteForwardBlock.
func ReadForwardBlock(r io.Reader) (layer.ParameterStack, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read forward block length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	const maxForwardBlock = 1 << 20
	if n > maxForwardBlock {
		return nil, fmt.Errorf("wire: forward block too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read forward block payload: %w", err)
	}
	return Unmarshal(payload)
}
