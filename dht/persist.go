package dht

import (
	"fmt"

	"github.com/opd-ai/peerdht/bencode"
)

// EncodeSavedNodes serializes nodes as a bencoded list of 26 byte compact
// node records.
func EncodeSavedNodes(nodes []*Node) []byte {
	list := make(bencode.List, 0, len(nodes))
	for _, n := range nodes {
		if b := n.Compact(); b != nil {
			list = append(list, bencode.String(b))
		}
	}
	return bencode.Encode(list)
}

// DecodeSavedNodes parses a blob produced by EncodeSavedNodes.
func DecodeSavedNodes(blob []byte) ([]*Node, error) {
	v, err := bencode.Decode(blob)
	if err != nil {
		return nil, &ArgumentError{Name: "nodes", Reason: err.Error()}
	}
	list, ok := v.(bencode.List)
	if !ok {
		return nil, &ArgumentError{Name: "nodes", Reason: fmt.Sprintf("expected list, got %s", v.Kind())}
	}

	nodes := make([]*Node, 0, len(list))
	for i, item := range list {
		s, ok := item.(bencode.String)
		if !ok || len(s) != CompactNodeLen {
			return nil, &ArgumentError{Name: "nodes", Reason: fmt.Sprintf("entry %d is not a compact node", i)}
		}
		decoded, err := DecodeCompactNodes(s)
		if err != nil {
			return nil, &ArgumentError{Name: "nodes", Reason: err.Error()}
		}
		nodes = append(nodes, decoded...)
	}
	return nodes, nil
}
