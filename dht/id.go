package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"math/bits"
)

const (
	// IDLength is the size of a node or info-hash identifier in bytes.
	IDLength = 20
	// IDBits is the size of an identifier in bits.
	IDBits = IDLength * 8
)

// ID is a 160-bit node or info-hash identifier.
type ID [IDLength]byte

// ParseID parses a 40 character hex identifier.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(IDLength) {
		return id, &ArgumentError{Name: "id", Reason: "must be 40 hex characters"}
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, &ArgumentError{Name: "id", Reason: err.Error()}
	}
	return id, nil
}

// IDFromBytes copies a 20 byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, &ArgumentError{Name: "id", Reason: "must be 20 bytes"}
	}
	copy(id[:], b)
	return id, nil
}

// RandomID returns a cryptographically random identifier.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("dht: crypto/rand failed: " + err.Error())
	}
	return id
}

// RandomIDWithPrefix returns a random identifier whose first prefixLen bits
// equal those of prefix.
func RandomIDWithPrefix(prefix ID, prefixLen int) ID {
	id := RandomID()
	if prefixLen <= 0 {
		return id
	}
	if prefixLen >= IDBits {
		return prefix
	}

	full := prefixLen / 8
	copy(id[:full], prefix[:full])
	if rem := prefixLen % 8; rem != 0 {
		mask := byte(0xff << (8 - rem))
		id[full] = (prefix[full] & mask) | (id[full] &^ mask)
	}
	return id
}

// String returns the identifier as lowercase hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier.
func (id ID) Bytes() []byte {
	b := make([]byte, IDLength)
	copy(b, id[:])
	return b
}

// IsZero reports whether every byte is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Bit returns bit i, counting from the most significant bit.
func (id ID) Bit(i int) bool {
	return id[i/8]&(0x80>>(i%8)) != 0
}

// Xor returns the XOR distance between a and b.
func Xor(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Compare orders identifiers as unsigned big-endian integers.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// closer reports whether a is strictly closer to target than b.
func closer(target, a, b ID) bool {
	return Xor(a, target).Compare(Xor(b, target)) < 0
}

// commonPrefixLen returns the number of leading bits a and b share.
func commonPrefixLen(a, b ID) int {
	for i := 0; i < IDLength; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDBits
}

func (id ID) withBit(i int, set bool) ID {
	if set {
		id[i/8] |= 0x80 >> (i % 8)
	} else {
		id[i/8] &^= 0x80 >> (i % 8)
	}
	return id
}
