package dht

import (
	"fmt"

	"github.com/opd-ai/peerdht/bencode"
	"github.com/opd-ai/peerdht/peer"
)

// KRPC method names.
const (
	MethodPing         = "ping"
	MethodFindNode     = "find_node"
	MethodGetPeers     = "get_peers"
	MethodAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// MessageKind is the KRPC "y" field.
type MessageKind byte

const (
	KindQuery    MessageKind = 'q'
	KindResponse MessageKind = 'r'
	KindError    MessageKind = 'e'
)

// Query is one of PingQuery, FindNodeQuery, GetPeersQuery, AnnouncePeerQuery
// or UnknownQuery.
type Query interface {
	Method() string
	encodeArgs(a *bencode.Dict)
}

// PingQuery checks that a node is alive.
type PingQuery struct{}

// FindNodeQuery asks for the nodes closest to Target.
type FindNodeQuery struct {
	Target ID
}

// GetPeersQuery asks for peers of InfoHash, or the closest nodes to it.
type GetPeersQuery struct {
	InfoHash ID
}

// AnnouncePeerQuery declares that the sender serves InfoHash on Port.
type AnnouncePeerQuery struct {
	InfoHash    ID
	Port        int
	ImpliedPort bool
	Token       []byte
}

// UnknownQuery is a query with a method this engine does not implement.
type UnknownQuery struct {
	Name string
}

func (PingQuery) Method() string         { return MethodPing }
func (FindNodeQuery) Method() string     { return MethodFindNode }
func (GetPeersQuery) Method() string     { return MethodGetPeers }
func (AnnouncePeerQuery) Method() string { return MethodAnnouncePeer }
func (q UnknownQuery) Method() string    { return q.Name }

func (PingQuery) encodeArgs(*bencode.Dict) {}

func (q FindNodeQuery) encodeArgs(a *bencode.Dict) {
	a.Set("target", bencode.String(q.Target.Bytes()))
}

func (q GetPeersQuery) encodeArgs(a *bencode.Dict) {
	a.Set("info_hash", bencode.String(q.InfoHash.Bytes()))
}

func (q AnnouncePeerQuery) encodeArgs(a *bencode.Dict) {
	implied := 0
	if q.ImpliedPort {
		implied = 1
	}
	a.Set("implied_port", bencode.Integer(implied))
	a.Set("info_hash", bencode.String(q.InfoHash.Bytes()))
	a.Set("port", bencode.Integer(q.Port))
	a.Set("token", bencode.String(q.Token))
}

func (UnknownQuery) encodeArgs(*bencode.Dict) {}

// Response is the "r" payload of a reply.
type Response struct {
	ID     ID
	Nodes  []*Node
	Values []peer.Peer
	Token  []byte
}

// Error is a KRPC error reply.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// Message is a decoded KRPC envelope. Exactly one of Query, Response and
// Error is set, matching Kind.
type Message struct {
	TransactionID []byte
	Kind          MessageKind
	SenderID      ID
	Query         Query
	Response      *Response
	Error         *Error
}

// EncodeQuery builds a query datagram.
func EncodeQuery(tx []byte, sender ID, q Query) []byte {
	a := bencode.NewDict().Set("id", bencode.String(sender.Bytes()))
	q.encodeArgs(a)
	return bencode.Encode(bencode.NewDict().
		Set("a", a.Sort()).
		Set("q", bencode.NewString(q.Method())).
		Set("t", bencode.String(tx)).
		Set("y", bencode.NewString("q")))
}

// EncodeResponse builds a reply datagram.
func EncodeResponse(tx []byte, r *Response) []byte {
	body := bencode.NewDict().Set("id", bencode.String(r.ID.Bytes()))
	if r.Nodes != nil {
		body.Set("nodes", bencode.String(EncodeCompactNodes(r.Nodes)))
	}
	if r.Token != nil {
		body.Set("token", bencode.String(r.Token))
	}
	if len(r.Values) > 0 {
		values := make(bencode.List, 0, len(r.Values))
		for _, p := range r.Values {
			values = append(values, bencode.String(p.Compact()))
		}
		body.Set("values", values)
	}
	return bencode.Encode(bencode.NewDict().
		Set("r", body.Sort()).
		Set("t", bencode.String(tx)).
		Set("y", bencode.NewString("r")))
}

// EncodeError builds an error datagram.
func EncodeError(tx []byte, e *Error) []byte {
	return bencode.Encode(bencode.NewDict().
		Set("e", bencode.List{bencode.Integer(e.Code), bencode.NewString(e.Message)}).
		Set("t", bencode.String(tx)).
		Set("y", bencode.NewString("e")))
}

// DecodeMessage parses a KRPC datagram. Bencode failures return a
// *bencode.MalformedEncodingError. When the envelope of a query is valid but
// its arguments are not, both the partial message and a *ProtocolError are
// returned so the caller can reply with an error.
func DecodeMessage(data []byte) (*Message, error) {
	d, err := bencode.DecodeDict(data)
	if err != nil {
		return nil, err
	}

	tx, ok := d.GetString("t")
	if !ok {
		return nil, protocolErrorf("missing transaction id")
	}
	y, ok := d.GetString("y")
	if !ok || len(y) != 1 {
		return nil, protocolErrorf("missing message type")
	}

	msg := &Message{
		TransactionID: []byte(tx),
		Kind:          MessageKind(y[0]),
	}

	switch msg.Kind {
	case KindQuery:
		return msg, decodeQuery(d, msg)
	case KindResponse:
		return decodeResponse(d, msg)
	case KindError:
		return decodeError(d, msg)
	default:
		return nil, protocolErrorf("unknown message type %q", y.Text())
	}
}

func decodeQuery(d *bencode.Dict, msg *Message) error {
	name, ok := d.GetString("q")
	if !ok {
		return protocolErrorf("missing method name")
	}
	a, ok := d.GetDict("a")
	if !ok {
		return protocolErrorf("missing arguments")
	}
	sender, err := getID(a, "id")
	if err != nil {
		return err
	}
	msg.SenderID = sender

	switch name.Text() {
	case MethodPing:
		msg.Query = PingQuery{}
	case MethodFindNode:
		target, err := getID(a, "target")
		if err != nil {
			return err
		}
		msg.Query = FindNodeQuery{Target: target}
	case MethodGetPeers:
		ih, err := getID(a, "info_hash")
		if err != nil {
			return err
		}
		msg.Query = GetPeersQuery{InfoHash: ih}
	case MethodAnnouncePeer:
		q, err := decodeAnnounceArgs(a)
		if err != nil {
			return err
		}
		msg.Query = q
	default:
		msg.Query = UnknownQuery{Name: name.Text()}
	}
	return nil
}

func decodeAnnounceArgs(a *bencode.Dict) (AnnouncePeerQuery, error) {
	var q AnnouncePeerQuery
	ih, err := getID(a, "info_hash")
	if err != nil {
		return q, err
	}
	token, ok := a.GetString("token")
	if !ok {
		return q, protocolErrorf("missing token")
	}
	q.InfoHash = ih
	q.Token = []byte(token)

	if implied, ok := a.GetInt("implied_port"); ok && implied != 0 {
		q.ImpliedPort = true
	}
	port, ok := a.GetInt("port")
	if !ok && !q.ImpliedPort {
		return q, protocolErrorf("missing port")
	}
	if ok && (port <= 0 || port > 65535) && !q.ImpliedPort {
		return q, protocolErrorf("port %d out of range", port)
	}
	q.Port = int(port)
	return q, nil
}

func decodeResponse(d *bencode.Dict, msg *Message) (*Message, error) {
	r, ok := d.GetDict("r")
	if !ok {
		return nil, protocolErrorf("missing response body")
	}
	id, err := getID(r, "id")
	if err != nil {
		return nil, err
	}
	resp := &Response{ID: id}
	msg.SenderID = id

	if nodes, ok := r.GetString("nodes"); ok {
		resp.Nodes, err = DecodeCompactNodes(nodes)
		if err != nil {
			return nil, err
		}
	}
	if token, ok := r.GetString("token"); ok {
		resp.Token = []byte(token)
	}
	if values, ok := r.GetList("values"); ok {
		for _, v := range values {
			s, ok := v.(bencode.String)
			if !ok {
				return nil, protocolErrorf("values entry is not a string")
			}
			p, err := peer.DecodeCompact(s)
			if err != nil {
				return nil, protocolErrorf("values entry: %v", err)
			}
			resp.Values = append(resp.Values, p)
		}
	}

	msg.Response = resp
	return msg, nil
}

func decodeError(d *bencode.Dict, msg *Message) (*Message, error) {
	e, ok := d.GetList("e")
	if !ok || len(e) < 2 {
		return nil, protocolErrorf("malformed error body")
	}
	code, ok := e[0].(bencode.Integer)
	if !ok {
		return nil, protocolErrorf("error code is not an integer")
	}
	text, ok := e[1].(bencode.String)
	if !ok {
		return nil, protocolErrorf("error message is not a string")
	}
	msg.Error = &Error{Code: int(code), Message: text.Text()}
	return msg, nil
}

func getID(d *bencode.Dict, key string) (ID, error) {
	s, ok := d.GetString(key)
	if !ok {
		return ID{}, protocolErrorf("missing %s", key)
	}
	if len(s) != IDLength {
		return ID{}, protocolErrorf("%s must be %d bytes, got %d", key, IDLength, len(s))
	}
	var id ID
	copy(id[:], s)
	return id, nil
}
