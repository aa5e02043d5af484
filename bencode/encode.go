package bencode

import (
	"bytes"
	"io"
)

// Encode returns the bencoded form of v. Encoding never fails for values
// built from this package's types.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	v.encode(&buf)
	return buf.Bytes()
}

// EncodeTo writes the bencoded form of v to w.
func EncodeTo(w io.Writer, v Value) error {
	_, err := w.Write(Encode(v))
	return err
}
