package bencode

import (
	"strconv"

	"github.com/opd-ai/peerdht/limits"
)

// Decode parses exactly one bencoded value from data. Trailing bytes after
// the value are an error.
func Decode(data []byte) (Value, error) {
	v, n, err := DecodePrefix(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, malformed(n, "%d trailing bytes after value", len(data)-n)
	}
	return v, nil
}

// DecodePrefix parses one value from the start of data and returns it along
// with the number of bytes consumed.
func DecodePrefix(data []byte) (Value, int, error) {
	d := &decoder{data: data}
	v, err := d.decodeValue(0)
	if err != nil {
		return nil, 0, err
	}
	return v, d.pos, nil
}

// DecodeDict parses data and requires the top-level value to be a dictionary.
func DecodeDict(data []byte) (*Dict, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	dict, ok := v.(*Dict)
	if !ok {
		return nil, malformed(0, "expected dictionary, got %s", v.Kind())
	}
	return dict, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) decodeValue(depth int) (Value, error) {
	if d.pos >= len(d.data) {
		return nil, malformed(d.pos, "unexpected end of input")
	}
	switch c := d.data[d.pos]; {
	case c >= '0' && c <= '9':
		return d.decodeString()
	case c == 'i':
		return d.decodeInteger()
	case c == 'l':
		return d.decodeList(depth + 1)
	case c == 'd':
		return d.decodeDictionary(depth + 1)
	default:
		return nil, malformed(d.pos, "unexpected byte %q", c)
	}
}

func (d *decoder) decodeString() (String, error) {
	start := d.pos
	colon := -1
	for i := d.pos; i < len(d.data); i++ {
		c := d.data[i]
		if c == ':' {
			colon = i
			break
		}
		if c < '0' || c > '9' {
			return nil, malformed(i, "invalid byte %q in string length", c)
		}
	}
	if colon == -1 {
		return nil, malformed(start, "truncated string length prefix")
	}

	length, err := strconv.Atoi(string(d.data[start:colon]))
	if err != nil {
		return nil, malformed(start, "invalid string length: %v", err)
	}

	begin := colon + 1
	if length > len(d.data)-begin {
		return nil, malformed(start, "string length %d exceeds remaining %d bytes", length, len(d.data)-begin)
	}

	d.pos = begin + length
	out := make(String, length)
	copy(out, d.data[begin:d.pos])
	return out, nil
}

func (d *decoder) decodeInteger() (Integer, error) {
	start := d.pos
	d.pos++ // 'i'

	end := -1
	for i := d.pos; i < len(d.data); i++ {
		if d.data[i] == 'e' {
			end = i
			break
		}
	}
	if end == -1 {
		return 0, malformed(start, "integer missing 'e' terminator")
	}

	digits := d.data[d.pos:end]
	if len(digits) == 0 {
		return 0, malformed(start, "empty integer")
	}
	for i, c := range digits {
		if c == '-' && i == 0 && len(digits) > 1 {
			continue
		}
		if c < '0' || c > '9' {
			return 0, malformed(d.pos+i, "invalid byte %q in integer", c)
		}
	}

	n, err := strconv.ParseInt(string(digits), 10, 64)
	if err != nil {
		return 0, malformed(start, "invalid integer: %v", err)
	}

	d.pos = end + 1
	return Integer(n), nil
}

func (d *decoder) decodeList(depth int) (List, error) {
	if depth > limits.MaxNestingDepth {
		return nil, malformed(d.pos, "nesting deeper than %d", limits.MaxNestingDepth)
	}
	start := d.pos
	d.pos++ // 'l'

	list := make(List, 0)
	for d.pos < len(d.data) {
		if d.data[d.pos] == 'e' {
			d.pos++
			return list, nil
		}
		v, err := d.decodeValue(depth)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}

	return nil, malformed(start, "list missing end marker")
}

func (d *decoder) decodeDictionary(depth int) (*Dict, error) {
	if depth > limits.MaxNestingDepth {
		return nil, malformed(d.pos, "nesting deeper than %d", limits.MaxNestingDepth)
	}
	start := d.pos
	d.pos++ // 'd'

	dict := NewDict()
	for d.pos < len(d.data) {
		c := d.data[d.pos]
		if c == 'e' {
			d.pos++
			return dict, nil
		}
		if c < '0' || c > '9' {
			return nil, malformed(d.pos, "dictionary key must be a string, got %q", c)
		}

		key, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		value, err := d.decodeValue(depth)
		if err != nil {
			return nil, err
		}
		dict.Set(string(key), value)
	}

	return nil, malformed(start, "dictionary missing end marker")
}
