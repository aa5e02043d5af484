package dht

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	hexID := strings.Repeat("ab", IDLength)
	id, err := ParseID(hexID)
	require.NoError(t, err)
	assert.Equal(t, hexID, id.String())

	for _, bad := range []string{"", "abc", strings.Repeat("zz", IDLength), strings.Repeat("ab", IDLength+1)} {
		_, err := ParseID(bad)
		assert.ErrorIs(t, err, ErrInvalidArgument, "input %q", bad)
	}
}

func TestIDFromBytes(t *testing.T) {
	_, err := IDFromBytes(make([]byte, 19))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	raw := make([]byte, IDLength)
	raw[0] = 7
	id, err := IDFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(7), id[0])
}

func TestXorDistance(t *testing.T) {
	a := idWithByte(0xf0, 0)
	b := idWithByte(0x0f, 0)
	assert.Equal(t, idWithByte(0xff, 0), Xor(a, b))
	assert.Equal(t, ID{}, Xor(a, a))

	target := ID{}
	assert.True(t, closer(target, idWithByte(0x01, 0), idWithByte(0x02, 0)))
	assert.False(t, closer(target, idWithByte(0x02, 0), idWithByte(0x02, 0)))
}

func TestCommonPrefixLen(t *testing.T) {
	assert.Equal(t, IDBits, commonPrefixLen(ID{}, ID{}))
	assert.Equal(t, 0, commonPrefixLen(idWithByte(0x80, 0), ID{}))
	assert.Equal(t, 7, commonPrefixLen(idWithByte(0x01, 0), ID{}))
	assert.Equal(t, 159, commonPrefixLen(idWithByte(0, 1), ID{}))
}

func TestRandomIDWithPrefix(t *testing.T) {
	prefix := idWithByte(0xb5, 0xff)
	for _, bitsLen := range []int{0, 1, 3, 8, 13, 100, IDBits} {
		for i := 0; i < 20; i++ {
			id := RandomIDWithPrefix(prefix, bitsLen)
			assert.GreaterOrEqual(t, commonPrefixLen(id, prefix), bitsLen, "prefix length %d", bitsLen)
		}
	}
}

func TestBitAndWithBit(t *testing.T) {
	var id ID
	id = id.withBit(0, true).withBit(9, true)
	assert.True(t, id.Bit(0))
	assert.False(t, id.Bit(1))
	assert.True(t, id.Bit(9))
	id = id.withBit(0, false)
	assert.False(t, id.Bit(0))
	assert.Equal(t, byte(0x40), id[1])
}
