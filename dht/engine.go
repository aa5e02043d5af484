package dht

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdht/metrics"
	"github.com/opd-ai/peerdht/peer"
	"github.com/opd-ai/peerdht/scheduler"
	"github.com/opd-ai/peerdht/transport"
)

const (
	// portMapTimeout bounds a single PortMapper call.
	portMapTimeout = 10 * time.Second

	// Periodic housekeeping that does not need to run every tick.
	cleanupEvery    = 60
	trafficLogEvery = 60
)

// EngineState is the lifecycle state of an Engine.
type EngineState uint8

const (
	NotReady EngineState = iota
	Initialising
	Ready
)

func (s EngineState) String() string {
	switch s {
	case NotReady:
		return "not-ready"
	case Initialising:
		return "initialising"
	case Ready:
		return "ready"
	default:
		return "invalid"
	}
}

// Resolver turns a host:port bootstrap router into a UDP address.
type Resolver func(ctx context.Context, hostport string) (*net.UDPAddr, error)

func defaultResolver(ctx context.Context, hostport string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	portNum, err := net.DefaultResolver.LookupPort(ctx, "udp", port)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			return &net.UDPAddr{IP: ip4, Port: portNum}, nil
		}
	}
	return &net.UDPAddr{IP: ips[0].IP, Port: portNum}, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler runs the engine on an existing scheduler instead of its own.
// A shared scheduler is not closed by Engine.Close.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithTimeProvider sets the clock used for node states, tokens and the
// engine's own scheduler.
func WithTimeProvider(tp scheduler.TimeProvider) Option {
	return func(e *Engine) { e.tp = tp }
}

// WithMetrics records engine activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPortMapper reports the listening port to pm on Start and Close.
func WithPortMapper(pm transport.PortMapper) Option {
	return func(e *Engine) { e.portMapper = pm }
}

// WithLocalID fixes the engine's node id instead of generating one.
func WithLocalID(id ID) Option {
	return func(e *Engine) { e.localID = id }
}

// WithResolver replaces the DNS resolver used for bootstrap routers.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// Stats is a snapshot of engine counters.
type Stats struct {
	State            EngineState
	LocalID          ID
	Nodes            int
	NodesByState     map[NodeState]int
	Replacements     int
	Buckets          int
	PendingQueries   int
	QueriesSent      uint64
	QueriesReceived  uint64
	Timeouts         uint64
	BytesIn          int64
	BytesOut         int64
	RateIn           float64
	RateOut          float64
	StoredInfoHashes int
}

// Engine is a DHT node. All mutable state is owned by its scheduler; the
// exported methods validate their arguments and post the real work.
type Engine struct {
	cfg        Config
	sched      *scheduler.Scheduler
	ownSched   bool
	tp         scheduler.TimeProvider
	listener   transport.Listener
	metrics    *metrics.Metrics
	portMapper transport.PortMapper
	resolver   Resolver
	localID    ID

	// Owned by the scheduler
	table     *RoutingTable
	tokens    *TokenManager
	peers     *PeerStore
	loop      *messageLoop
	traffic   *TrafficMonitor
	lookups   map[ID]*GetPeersResult
	running   bool
	periodic  *scheduler.Timeout
	bootstrap backoff.BackOff
	ticks     uint64

	mu             sync.RWMutex
	state          EngineState
	onPeersFound   func(infoHash ID, peers []peer.Peer)
	onStateChanged func(state EngineState)

	disposed  atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates an engine that sends and receives through listener. A nil cfg
// uses DefaultConfig; zero fields take their defaults.
func New(listener transport.Listener, cfg *Config, opts ...Option) (*Engine, error) {
	if listener == nil {
		return nil, &ArgumentError{Name: "listener", Reason: "must not be nil"}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := cfg.withDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      c,
		listener: listener,
		resolver: defaultResolver,
		lookups:  make(map[ID]*GetPeersResult),
		traffic:  &TrafficMonitor{},
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.sched == nil {
		e.sched = scheduler.NewWithTimeProvider("dht", e.tp)
		e.ownSched = true
	}
	if e.tp == nil {
		e.tp = schedulerClock{e.sched}
	}
	if e.localID.IsZero() {
		e.localID = RandomID()
	}

	peers, err := NewPeerStore(c.PeerStoreSize, c.PeerTTL, c.MaxPeersPerInfoHash, e.tp)
	if err != nil {
		if e.ownSched {
			e.sched.Close()
		}
		return nil, err
	}
	e.peers = peers
	e.table = NewRoutingTable(e.localID, c.K, e.tp)
	e.table.SetQuestionableAfter(c.QuestionableAfter)
	e.tokens = NewTokenManager(c.TokenRotation, e.tp)
	e.loop = newMessageLoop(e.sched, listener, e, e.localID, c, e.traffic, e.metrics)

	logrus.WithFields(logrus.Fields{
		"function": "dht.New",
		"node_id":  e.localID.String(),
		"address":  listener.LocalAddr().String(),
	}).Info("DHT engine created")

	return e, nil
}

// schedulerClock adapts a scheduler's clock to TimeProvider.
type schedulerClock struct {
	s *scheduler.Scheduler
}

func (c schedulerClock) Now() time.Time                       { return c.s.Now() }
func (c schedulerClock) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }

// LocalID returns the engine's node id.
func (e *Engine) LocalID() ID {
	return e.localID
}

// Scheduler returns the scheduler that owns the engine's state.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.sched
}

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// OnPeersFound registers the callback invoked, on the scheduler, whenever a
// lookup surfaces new peers.
func (e *Engine) OnPeersFound(cb func(infoHash ID, peers []peer.Peer)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPeersFound = cb
}

// OnStateChanged registers the callback invoked, on the scheduler, on every
// state transition.
func (e *Engine) OnStateChanged(cb func(state EngineState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStateChanged = cb
}

// Start begins bootstrapping, seeded from a blob produced by SaveNodes if
// one is given. Calling Start on a started engine only re-announces the
// current state.
func (e *Engine) Start(saved []byte) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	var seeds []*Node
	if len(saved) > 0 {
		nodes, err := DecodeSavedNodes(saved)
		if err != nil {
			return err
		}
		seeds = nodes
	}

	return e.post(func() {
		if e.running {
			e.raiseStateChanged(e.State())
			return
		}
		e.running = true
		e.listener.SetHandler(e.loop.onDatagram)
		e.periodic, _ = e.sched.PostDelayed(e.cfg.TickInterval, e.tick)
		e.bootstrap = e.newBootstrapBackOff()
		e.mapPort()

		logrus.WithFields(logrus.Fields{
			"function":    "Engine.Start",
			"saved_nodes": len(seeds),
			"routers":     len(e.cfg.BootstrapRouters),
		}).Info("DHT engine starting")

		e.setState(Initialising)
		e.initialise(seeds)
	})
}

func (e *Engine) newBootstrapBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BootstrapInitialInterval
	b.MaxInterval = e.cfg.BootstrapMaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(e.cfg.BootstrapRetries))
}

// initialise runs one bootstrap attempt and either becomes Ready or
// schedules a retry while the routing table is still empty.
func (e *Engine) initialise(seeds []*Node) {
	e.runInitialise(seeds, true, func(found int) {
		if !e.running || e.State() != Initialising {
			return
		}
		if found == 0 && len(e.cfg.BootstrapRouters) > 0 {
			if next := e.bootstrap.NextBackOff(); next != backoff.Stop {
				logrus.WithFields(logrus.Fields{
					"function": "Engine.initialise",
					"retry_in": next.String(),
				}).Warn("Bootstrap found no nodes, retrying")
				_, _ = e.sched.PostDelayed(next, func() bool {
					if e.running && e.State() == Initialising {
						e.initialise(nil)
					}
					return false
				})
				return
			}
		}

		logrus.WithFields(logrus.Fields{
			"function": "Engine.initialise",
			"nodes":    found,
		}).Info("DHT engine ready")
		e.setState(Ready)
	})
}

// Stop cancels outstanding queries and timers and returns the engine to
// NotReady. It can be started again.
func (e *Engine) Stop() error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	return e.post(func() {
		if !e.running {
			return
		}
		e.halt()
		e.setState(NotReady)
	})
}

// halt stops all engine activity. Runs on the scheduler.
func (e *Engine) halt() {
	e.running = false
	e.periodic.Cancel()
	e.periodic = nil
	e.loop.cancelAll()
	e.listener.SetHandler(nil)
}

// Close disposes the engine. It blocks until in-flight work has drained and
// is safe to call more than once. The listener is not closed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.disposed.Store(true)
		wasRunning := false
		err := e.sched.PostBlocking(func() {
			wasRunning = e.running
			if e.running {
				e.halt()
			}
			e.lookups = make(map[ID]*GetPeersResult)
		})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.Close",
				"error":    err.Error(),
			}).Debug("Scheduler already closed")
		}
		if wasRunning {
			e.unmapPort()
		}
		if e.ownSched {
			e.sched.Close()
		}
		e.mu.Lock()
		e.state = NotReady
		e.mu.Unlock()
		close(e.closed)

		logrus.WithFields(logrus.Fields{
			"function": "Engine.Close",
			"node_id":  e.localID.String(),
		}).Info("DHT engine disposed")
	})
	return nil
}

// Done is closed once Close has finished.
func (e *Engine) Done() <-chan struct{} {
	return e.closed
}

// Add seeds the routing table from a blob produced by SaveNodes, outside of
// bootstrap.
func (e *Engine) Add(blob []byte) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	nodes, err := DecodeSavedNodes(blob)
	if err != nil {
		return err
	}
	return e.post(func() {
		if e.running {
			e.runInitialise(nodes, false, nil)
		}
	})
}

// AddNode pings addr and inserts the node into the routing table if it
// answers.
func (e *Engine) AddNode(addr *net.UDPAddr) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	if addr == nil || addr.IP == nil || addr.Port <= 0 || addr.Port > 65535 {
		return &ArgumentError{Name: "addr", Reason: "must be a valid UDP address"}
	}
	return e.post(func() {
		if e.running {
			e.runPing(addr, ID{}, nil)
		}
	})
}

// GetPeers starts a get_peers lookup. Peers are delivered through
// OnPeersFound as they arrive.
func (e *Engine) GetPeers(infoHash ID) error {
	return e.GetPeersWithResult(infoHash, nil)
}

// GetPeersWithResult is GetPeers with a completion callback, invoked on the
// scheduler. A lookup that reaches no node completes with an empty result.
func (e *Engine) GetPeersWithResult(infoHash ID, done func(*GetPeersResult)) error {
	if err := e.checkInfoHash(infoHash); err != nil {
		return err
	}
	return e.post(func() {
		if !e.running {
			if done != nil {
				done(&GetPeersResult{InfoHash: infoHash})
			}
			return
		}
		e.runGetPeers(infoHash, func(r *GetPeersResult) {
			e.rememberLookup(r)
			if done != nil {
				done(r)
			}
		})
	})
}

// Announce declares that this peer serves infoHash on port.
func (e *Engine) Announce(infoHash ID, port int) error {
	return e.AnnounceWithResult(infoHash, port, nil)
}

// AnnounceWithResult is Announce with a completion callback, invoked on the
// scheduler.
func (e *Engine) AnnounceWithResult(infoHash ID, port int, done func(*AnnounceResult)) error {
	if err := e.checkInfoHash(infoHash); err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return &ArgumentError{Name: "port", Reason: "must be between 1 and 65535"}
	}
	return e.post(func() {
		if !e.running {
			if done != nil {
				done(&AnnounceResult{InfoHash: infoHash, Port: port})
			}
			return
		}
		e.runAnnounce(infoHash, port, func(r *AnnounceResult) {
			if done != nil {
				done(r)
			}
		})
	})
}

// Lookup runs a get_peers lookup and blocks until it finishes. It must not
// be called from the engine's scheduler.
func (e *Engine) Lookup(ctx context.Context, infoHash ID) ([]peer.Peer, error) {
	results := make(chan *GetPeersResult, 1)
	if err := e.GetPeersWithResult(infoHash, func(r *GetPeersResult) { results <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-results:
		return r.Peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, ErrDisposed
	}
}

// SaveNodes serializes every non-Bad node, including bucket replacements.
func (e *Engine) SaveNodes() ([]byte, error) {
	if e.disposed.Load() {
		return nil, ErrDisposed
	}
	var blob []byte
	err := e.sched.PostBlocking(func() {
		var keep []*Node
		for _, n := range e.table.All() {
			if e.table.State(n) != NodeBad {
				keep = append(keep, n)
			}
		}
		blob = EncodeSavedNodes(keep)
	})
	if err != nil {
		return nil, ErrDisposed
	}
	return blob, nil
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() (Stats, error) {
	if e.disposed.Load() {
		return Stats{}, ErrDisposed
	}
	var s Stats
	err := e.sched.PostBlocking(func() {
		in, out := e.traffic.Totals()
		rateIn, rateOut := e.traffic.Rates()
		s = Stats{
			State:            e.State(),
			LocalID:          e.localID,
			Nodes:            e.table.Len(),
			NodesByState:     e.table.CountByState(),
			Replacements:     e.table.Replacements(),
			Buckets:          len(e.table.Buckets()),
			PendingQueries:   len(e.loop.pending),
			QueriesSent:      e.loop.sent,
			QueriesReceived:  e.loop.received,
			Timeouts:         e.loop.timeouts,
			BytesIn:          in,
			BytesOut:         out,
			RateIn:           rateIn,
			RateOut:          rateOut,
			StoredInfoHashes: e.peers.Len(),
		}
	})
	if err != nil {
		return Stats{}, ErrDisposed
	}
	return s, nil
}

func (e *Engine) checkInfoHash(infoHash ID) error {
	if e.disposed.Load() {
		return ErrDisposed
	}
	if infoHash.IsZero() {
		return &ArgumentError{Name: "infoHash", Reason: "must not be empty"}
	}
	return nil
}

func (e *Engine) post(action func()) error {
	if err := e.sched.Post(action); err != nil {
		return ErrDisposed
	}
	return nil
}

// tick is the periodic maintenance timer.
func (e *Engine) tick() bool {
	if !e.running {
		return false
	}
	e.ticks++
	now := e.sched.Now()
	e.traffic.Tick(now)

	if e.State() == Ready {
		for _, b := range e.table.Buckets() {
			if now.Sub(b.LastChanged) > e.cfg.BucketRefresh {
				e.runRefresh(b)
			}
		}
	}
	if e.ticks%cleanupEvery == 0 {
		e.peers.CleanExpired()
	}
	if e.ticks%trafficLogEvery == 0 {
		e.logTraffic()
	}
	e.updateMetrics()
	return true
}

func (e *Engine) logTraffic() {
	in, out := e.traffic.Totals()
	rateIn, rateOut := e.traffic.Rates()
	logrus.WithFields(logrus.Fields{
		"function":  "Engine.tick",
		"nodes":     e.table.Len(),
		"received":  humanize.Bytes(uint64(in)),
		"sent":      humanize.Bytes(uint64(out)),
		"rate_in":   humanize.Bytes(uint64(rateIn)) + "/s",
		"rate_out":  humanize.Bytes(uint64(rateOut)) + "/s",
		"in_flight": len(e.loop.pending),
	}).Debug("DHT traffic")
}

func (e *Engine) updateMetrics() {
	if e.metrics == nil {
		return
	}
	counts := e.table.CountByState()
	for _, s := range []NodeState{NodeUnknown, NodeQuestionable, NodeGood, NodeBad} {
		e.metrics.SetRoutingNodes(s.String(), counts[s])
	}
	e.metrics.SetPendingQueries(len(e.loop.pending))
	e.metrics.SetTrafficRate(e.traffic.Rates())
	e.metrics.SetStoredInfoHashes(e.peers.Len())
}

func (e *Engine) setState(s EngineState) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.raiseStateChanged(s)
}

func (e *Engine) raiseStateChanged(s EngineState) {
	e.mu.RLock()
	cb := e.onStateChanged
	e.mu.RUnlock()
	if cb != nil {
		cb(s)
	}
}

func (e *Engine) raisePeersFound(infoHash ID, peers []peer.Peer) {
	e.metrics.PeersFound(len(peers))
	e.mu.RLock()
	cb := e.onPeersFound
	e.mu.RUnlock()
	if cb != nil {
		cb(infoHash, peers)
	}
}

func (e *Engine) mapPort() {
	if e.portMapper == nil {
		return
	}
	port := transport.Port(e.listener.LocalAddr())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), portMapTimeout)
		defer cancel()
		if err := e.portMapper.MapPort(ctx, "udp", port); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.mapPort",
				"port":     port,
				"error":    err.Error(),
			}).Warn("Port mapping failed")
		}
	}()
}

func (e *Engine) unmapPort() {
	if e.portMapper == nil {
		return
	}
	port := transport.Port(e.listener.LocalAddr())
	ctx, cancel := context.WithTimeout(context.Background(), portMapTimeout)
	defer cancel()
	if err := e.portMapper.UnmapPort(ctx, "udp", port); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.unmapPort",
			"port":     port,
			"error":    err.Error(),
		}).Warn("Port unmapping failed")
	}
}
