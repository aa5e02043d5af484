// Package bencode encodes and decodes the bencode format used by DHT (KRPC)
// messages, persisted node lists and HTTP tracker responses.
//
// Values are one of four kinds:
//
//	String  []byte        4:spam
//	Integer int64         i42e
//	List    []Value       l4:spami42ee
//	*Dict   ordered map   d3:cow3:mooe
//
// Dictionaries keep their keys in encounter order so a decoded response
// re-encodes byte-for-byte, even when the remote side did not sort its keys.
// Equal compares dictionaries by content, not by key order. Call Dict.Sort
// before encoding when canonical (sorted) output is required.
//
// Decoding fails with a *MalformedEncodingError, which matches ErrMalformed
// under errors.Is:
//
//	v, err := bencode.Decode(packet)
//	if errors.Is(err, bencode.ErrMalformed) {
//	    // drop the packet
//	}
package bencode
