// Package codec is the binary encoding used for stream headers and control
// messages. It wraps fxamacker/cbor with deterministic encoding so the
// same header always produces the same bytes, and its encoded size can be
// known before the prefix region is reserved.
package codec

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.UserBufferEncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.UserBufferEncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so a newer peer can add header fields
	// without breaking older receivers within the same major version.
	decMode, err = cbor.DecOptions{
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes exactly one item from data into v. Trailing bytes are
// an error.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalFirst decodes the first item in data into v and returns the
// bytes that follow it. Used to split a header from the payload behind it.
func UnmarshalFirst(data []byte, v any) (rest []byte, err error) {
	return decMode.UnmarshalFirst(data, v)
}

// MarshalToBuffer appends the encoding of v to buf. A reused buf keeps
// repeated encodes free of allocations.
func MarshalToBuffer(buf *bytes.Buffer, v any) error {
	return encMode.MarshalToBuffer(v, buf)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of a
// message body until its type is known.
type RawMessage = cbor.RawMessage
