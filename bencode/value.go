package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

// Kind identifies one of the four bencode value kinds.
type Kind uint8

const (
	KindString Kind = iota
	KindInteger
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	default:
		return "unknown"
	}
}

// Value is a decoded bencode value.
type Value interface {
	Kind() Kind
	encode(buf *bytes.Buffer)
}

// String is a bencode byte string. It may hold arbitrary bytes.
type String []byte

// Integer is a bencode integer.
type Integer int64

// List is a bencode list.
type List []Value

// NewString returns s as a bencode String.
func NewString(s string) String { return String(s) }

func (String) Kind() Kind  { return KindString }
func (Integer) Kind() Kind { return KindInteger }
func (List) Kind() Kind    { return KindList }

// Text returns the string contents as a Go string.
func (s String) Text() string { return string(s) }

func (s String) encode(buf *bytes.Buffer) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}

func (i Integer) encode(buf *bytes.Buffer) {
	buf.WriteByte('i')
	buf.WriteString(strconv.FormatInt(int64(i), 10))
	buf.WriteByte('e')
}

func (l List) encode(buf *bytes.Buffer) {
	buf.WriteByte('l')
	for _, v := range l {
		v.encode(buf)
	}
	buf.WriteByte('e')
}

// DictEntry is one key/value pair of a Dict.
type DictEntry struct {
	Key   string
	Value Value
}

// Dict is a bencode dictionary that preserves key order.
type Dict struct {
	entries []DictEntry
	index   map[string]int
}

// NewDict creates an empty dictionary.
func NewDict() *Dict {
	return &Dict{index: make(map[string]int)}
}

func (*Dict) Kind() Kind { return KindDict }

// Len returns the number of keys.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Set stores v under key. An existing key keeps its position.
func (d *Dict) Set(key string, v Value) *Dict {
	if d.index == nil {
		d.index = make(map[string]int)
	}
	if i, ok := d.index[key]; ok {
		d.entries[i].Value = v
		return d
	}
	d.index[key] = len(d.entries)
	d.entries = append(d.entries, DictEntry{Key: key, Value: v})
	return d
}

// Delete removes key if present.
func (d *Dict) Delete(key string) {
	i, ok := d.index[key]
	if !ok {
		return
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	delete(d.index, key)
	for j := i; j < len(d.entries); j++ {
		d.index[d.entries[j].Key] = j
	}
}

// Get returns the value stored under key.
func (d *Dict) Get(key string) (Value, bool) {
	if d == nil {
		return nil, false
	}
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.entries[i].Value, true
}

// Has reports whether key is present.
func (d *Dict) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// GetString returns the byte string stored under key.
func (d *Dict) GetString(key string) (String, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	s, ok := v.(String)
	return s, ok
}

// GetInt returns the integer stored under key.
func (d *Dict) GetInt(key string) (int64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	i, ok := v.(Integer)
	return int64(i), ok
}

// GetList returns the list stored under key.
func (d *Dict) GetList(key string) (List, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	l, ok := v.(List)
	return l, ok
}

// GetDict returns the dictionary stored under key.
func (d *Dict) GetDict(key string) (*Dict, bool) {
	v, ok := d.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Dict)
	return sub, ok
}

// Keys returns the keys in their current order.
func (d *Dict) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, len(d.entries))
	for i, e := range d.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the entries in their current order.
func (d *Dict) Entries() []DictEntry {
	out := make([]DictEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Sort reorders the keys by raw byte order, as canonical bencode requires.
func (d *Dict) Sort() *Dict {
	sort.SliceStable(d.entries, func(i, j int) bool {
		return d.entries[i].Key < d.entries[j].Key
	})
	for i, e := range d.entries {
		d.index[e.Key] = i
	}
	return d
}

func (d *Dict) encode(buf *bytes.Buffer) {
	buf.WriteByte('d')
	for _, e := range d.entries {
		String(e.Key).encode(buf)
		e.Value.encode(buf)
	}
	buf.WriteByte('e')
}

// Equal reports whether a and b hold the same content. Dictionaries are
// compared by their key/value sets regardless of key order.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case String:
		return bytes.Equal(av, b.(String))
	case Integer:
		return av == b.(Integer)
	case List:
		bv := b.(List)
		if len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Dict:
		bv := b.(*Dict)
		if av.Len() != bv.Len() {
			return false
		}
		for _, e := range av.entries {
			other, ok := bv.Get(e.Key)
			if !ok || !Equal(e.Value, other) {
				return false
			}
		}
		return true
	}
	return false
}
