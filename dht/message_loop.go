package dht

import (
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/opd-ai/peerdht/limits"
	"github.com/opd-ai/peerdht/metrics"
	"github.com/opd-ai/peerdht/scheduler"
	"github.com/opd-ai/peerdht/transport"
)

// errCanceled is the error of exchanges canceled by Stop or Close.
var errCanceled = errors.New("query canceled")

// ExchangeState is the completion state of one query.
type ExchangeState uint8

const (
	ExchangePending ExchangeState = iota
	ExchangeSucceeded
	ExchangeTimedOut
	ExchangeFailed
	ExchangeCanceled
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangePending:
		return "pending"
	case ExchangeSucceeded:
		return "succeeded"
	case ExchangeTimedOut:
		return "timed-out"
	case ExchangeFailed:
		return "failed"
	case ExchangeCanceled:
		return "canceled"
	default:
		return "invalid"
	}
}

// Exchange is one outstanding query and, once complete, its outcome.
// Its completion callback runs exactly once, on the scheduler.
type Exchange struct {
	TransactionID uint16
	NodeID        ID // zero for bootstrap routers whose id is not yet known
	Addr          *net.UDPAddr
	Query         Query
	SentAt        time.Time

	State    ExchangeState
	Response *Response
	Err      error

	timeout *scheduler.Timeout
	done    func(*Exchange)
}

func (x *Exchange) finish(state ExchangeState, resp *Response, err error) bool {
	if x.State != ExchangePending {
		return false
	}
	x.State = state
	x.Response = resp
	x.Err = err
	x.timeout.Cancel()
	if x.done != nil {
		x.done(x)
	}
	return true
}

// loopHandler receives the events the message loop cannot resolve itself.
type loopHandler interface {
	handleQuery(msg *Message, from *net.UDPAddr)
	nodeSeen(id ID, addr *net.UDPAddr)
	nodeFailed(x *Exchange)
}

// messageLoop sends queries, matches replies to outstanding transactions
// and expires the ones that go unanswered. Everything except onDatagram runs
// on the scheduler.
type messageLoop struct {
	sched    *scheduler.Scheduler
	listener transport.Listener
	handler  loopHandler
	localID  ID
	timeout  time.Duration
	limiter  *rate.Limiter
	traffic  *TrafficMonitor
	metrics  *metrics.Metrics

	pending map[uint16]*Exchange
	nextTx  uint16

	sent     uint64
	received uint64
	timeouts uint64
}

func newMessageLoop(sched *scheduler.Scheduler, listener transport.Listener, handler loopHandler,
	localID ID, cfg Config, traffic *TrafficMonitor, m *metrics.Metrics,
) *messageLoop {
	return &messageLoop{
		sched:    sched,
		listener: listener,
		handler:  handler,
		localID:  localID,
		timeout:  cfg.QueryTimeout,
		limiter:  rate.NewLimiter(rate.Limit(cfg.QueriesPerSecond), cfg.QueryBurst),
		traffic:  traffic,
		metrics:  m,
		pending:  make(map[uint16]*Exchange),
	}
}

// query registers a transaction for q and sends it once the rate limiter
// allows. done is invoked exactly once with the completed exchange.
func (ml *messageLoop) query(addr *net.UDPAddr, id ID, q Query, done func(*Exchange)) *Exchange {
	x := &Exchange{
		TransactionID: ml.allocateTx(),
		NodeID:        id,
		Addr:          addr,
		Query:         q,
		done:          done,
	}
	ml.pending[x.TransactionID] = x

	delay := ml.limiter.Reserve().Delay()
	if delay <= 0 {
		ml.send(x)
		return x
	}
	if _, err := ml.sched.PostDelayed(delay, func() bool {
		if x.State == ExchangePending {
			ml.send(x)
		}
		return false
	}); err != nil {
		delete(ml.pending, x.TransactionID)
		x.finish(ExchangeCanceled, nil, errCanceled)
	}
	return x
}

// allocateTx returns the next transaction id not currently outstanding.
func (ml *messageLoop) allocateTx() uint16 {
	for i := 0; i <= 0xffff; i++ {
		ml.nextTx++
		if _, busy := ml.pending[ml.nextTx]; !busy {
			break
		}
	}
	return ml.nextTx
}

func (ml *messageLoop) send(x *Exchange) {
	data := EncodeQuery(txBytes(x.TransactionID), ml.localID, x.Query)
	if err := ml.listener.Send(data, x.Addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "messageLoop.send",
			"addr":     x.Addr.String(),
			"method":   x.Query.Method(),
			"error":    err.Error(),
		}).Debug("DHT query send failed")

		// Complete on a later turn so callers never see re-entrant callbacks.
		_ = ml.sched.Post(func() {
			if ml.pending[x.TransactionID] != x {
				return
			}
			delete(ml.pending, x.TransactionID)
			ml.handler.nodeFailed(x)
			x.finish(ExchangeFailed, nil, &TransportError{Op: "send", Addr: x.Addr, Err: err})
		})
		return
	}

	ml.sent++
	ml.traffic.Sent(len(data))
	ml.metrics.QuerySent(x.Query.Method())
	x.SentAt = ml.sched.Now()
	x.timeout, _ = ml.sched.PostDelayed(ml.timeout, func() bool {
		ml.expire(x)
		return false
	})
}

func (ml *messageLoop) expire(x *Exchange) {
	if ml.pending[x.TransactionID] != x {
		return
	}
	delete(ml.pending, x.TransactionID)
	ml.timeouts++
	ml.metrics.QueryTimedOut()

	logrus.WithFields(logrus.Fields{
		"function": "messageLoop.expire",
		"addr":     x.Addr.String(),
		"method":   x.Query.Method(),
	}).Debug("DHT query timed out")

	ml.handler.nodeFailed(x)
	x.finish(ExchangeTimedOut, nil, &TransportError{Op: x.Query.Method(), Addr: x.Addr, Err: errQueryTimeout})
}

// cancelAll completes every outstanding exchange as canceled.
func (ml *messageLoop) cancelAll() {
	pending := ml.pending
	ml.pending = make(map[uint16]*Exchange)
	for _, x := range pending {
		x.finish(ExchangeCanceled, nil, errCanceled)
	}
}

// onDatagram is the listener handler. It runs on the network goroutine,
// decodes the datagram and posts the result to the scheduler.
func (ml *messageLoop) onDatagram(data []byte, addr net.Addr) {
	if err := limits.ValidateDatagram(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "messageLoop.onDatagram",
			"addr":     addr.String(),
			"size":     len(data),
		}).Debug("Dropping oversized datagram")
		return
	}
	from, ok := toUDPAddr(addr)
	if !ok {
		return
	}

	msg, err := DecodeMessage(data)
	size := len(data)
	_ = ml.sched.Post(func() {
		ml.traffic.Received(size)
		ml.dispatch(msg, err, from)
	})
}

func (ml *messageLoop) dispatch(msg *Message, err error, from *net.UDPAddr) {
	if err != nil {
		var perr *ProtocolError
		if msg != nil && msg.Kind == KindQuery && errors.As(err, &perr) {
			ml.sendError(msg.TransactionID, &Error{Code: ErrorProtocol, Message: perr.Reason}, from)
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "messageLoop.dispatch",
			"addr":     from.String(),
			"error":    err.Error(),
		}).Debug("Dropping malformed datagram")
		return
	}

	switch msg.Kind {
	case KindQuery:
		ml.received++
		ml.metrics.QueryReceived(msg.Query.Method())
		ml.handler.nodeSeen(msg.SenderID, from)
		ml.handler.handleQuery(msg, from)
	case KindResponse, KindError:
		ml.handleReply(msg, from)
	}
}

func (ml *messageLoop) handleReply(msg *Message, from *net.UDPAddr) {
	if len(msg.TransactionID) != 2 {
		return
	}
	tx := binary.BigEndian.Uint16(msg.TransactionID)
	x, ok := ml.pending[tx]
	if !ok || !sameAddr(x.Addr, from) {
		logrus.WithFields(logrus.Fields{
			"function": "messageLoop.handleReply",
			"addr":     from.String(),
			"tx":       tx,
		}).Debug("Dropping reply for unknown transaction")
		return
	}
	delete(ml.pending, tx)

	if msg.Error != nil {
		if !x.NodeID.IsZero() {
			ml.handler.nodeSeen(x.NodeID, from)
		}
		x.finish(ExchangeFailed, nil, msg.Error)
		return
	}

	ml.handler.nodeSeen(msg.Response.ID, from)
	x.finish(ExchangeSucceeded, msg.Response, nil)
}

func (ml *messageLoop) sendResponse(tx []byte, r *Response, to *net.UDPAddr) {
	ml.write(EncodeResponse(tx, r), to)
}

func (ml *messageLoop) sendError(tx []byte, e *Error, to *net.UDPAddr) {
	ml.write(EncodeError(tx, e), to)
}

func (ml *messageLoop) write(data []byte, to *net.UDPAddr) {
	if err := ml.listener.Send(data, to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "messageLoop.write",
			"addr":     to.String(),
			"error":    err.Error(),
		}).Debug("DHT reply send failed")
		return
	}
	ml.traffic.Sent(len(data))
}

func txBytes(tx uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, tx)
	return b
}
