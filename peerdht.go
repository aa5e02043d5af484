package peerdht

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdht/config"
	"github.com/opd-ai/peerdht/dht"
	"github.com/opd-ai/peerdht/metrics"
	"github.com/opd-ai/peerdht/peer"
	"github.com/opd-ai/peerdht/scheduler"
	"github.com/opd-ai/peerdht/tracker"
	"github.com/opd-ai/peerdht/transport"
)

// PeerIDPrefix starts every generated peer id.
const PeerIDPrefix = "-PD0100-"

// ErrKilled is returned by operations attempted after Kill.
var ErrKilled = errors.New("peerdht instance killed")

// Source identifies where a batch of peers came from.
type Source uint8

const (
	SourceDHT Source = iota
	SourceTracker
)

func (s Source) String() string {
	switch s {
	case SourceDHT:
		return "dht"
	case SourceTracker:
		return "tracker"
	default:
		return "unknown"
	}
}

// PeersCallback receives peers discovered for an info-hash.
type PeersCallback func(source Source, infoHash dht.ID, peers []peer.Peer)

// Options contains configuration options for creating a PeerDHT instance.
type Options struct {
	// ListenAddr is the UDP address of the DHT socket.
	ListenAddr string
	// Listener replaces the UDP socket; it is not closed by Kill.
	Listener transport.Listener

	DHT            *dht.Config
	Trackers       []string
	TrackerOptions []tracker.Option

	// NodesFile, when set, is read on Start and written on Kill.
	NodesFile string

	// PeerID is sent to trackers; zero means a random id.
	PeerID [20]byte

	Metrics    *metrics.Metrics
	PortMapper transport.PortMapper
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ListenAddr: "0.0.0.0:6881",
		DHT:        dht.DefaultConfig(),
	}
}

// OptionsFromConfig builds Options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) *Options {
	options := &Options{
		ListenAddr:     cfg.DHT.Listen,
		DHT:            cfg.EngineConfig(),
		Trackers:       append([]string(nil), cfg.Tracker.URLs...),
		TrackerOptions: cfg.TrackerOptions(),
		NodesFile:      cfg.NodesFile,
	}
	if cfg.DHT.UPnP {
		options.PortMapper = transport.NewUPnPPortMapper("peerdht")
	}
	return options
}

// PeerDHT combines a DHT engine and a set of HTTP trackers behind a single
// peer consumer. All of them share one scheduler.
type PeerDHT struct {
	options     *Options
	sched       *scheduler.Scheduler
	listener    transport.Listener
	ownListener bool
	engine      *dht.Engine
	trackers    []*tracker.Tracker
	peerID      [20]byte

	mu      sync.RWMutex
	onPeers PeersCallback

	killed   atomic.Bool
	killOnce sync.Once
}

// New creates a PeerDHT instance with the given options.
func New(options *Options) (*PeerDHT, error) {
	if options == nil {
		options = NewOptions()
	}

	p := &PeerDHT{
		options: options,
		sched:   scheduler.New("peerdht"),
		peerID:  options.PeerID,
	}
	if p.peerID == [20]byte{} {
		var err error
		if p.peerID, err = GeneratePeerID(); err != nil {
			p.sched.Close()
			return nil, err
		}
	}

	p.listener = options.Listener
	if p.listener == nil {
		udp, err := transport.NewUDPListener(options.ListenAddr)
		if err != nil {
			p.sched.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", options.ListenAddr, err)
		}
		p.listener = udp
		p.ownListener = true
	}

	engineOpts := []dht.Option{dht.WithScheduler(p.sched)}
	if options.Metrics != nil {
		engineOpts = append(engineOpts, dht.WithMetrics(options.Metrics))
	}
	if options.PortMapper != nil {
		engineOpts = append(engineOpts, dht.WithPortMapper(options.PortMapper))
	}
	engine, err := dht.New(p.listener, options.DHT, engineOpts...)
	if err != nil {
		p.release()
		return nil, err
	}
	p.engine = engine
	engine.OnPeersFound(func(infoHash dht.ID, peers []peer.Peer) {
		p.raisePeers(SourceDHT, infoHash, peers)
	})

	trackerOpts := append([]tracker.Option(nil), options.TrackerOptions...)
	if options.Metrics != nil {
		trackerOpts = append(trackerOpts, tracker.WithMetrics(options.Metrics))
	}
	for _, u := range options.Trackers {
		tr, err := tracker.New(u, p.sched, trackerOpts...)
		if err != nil {
			engine.Close()
			p.release()
			return nil, err
		}
		p.trackers = append(p.trackers, tr)
	}

	logrus.WithFields(logrus.Fields{
		"function": "peerdht.New",
		"address":  p.listener.LocalAddr().String(),
		"trackers": len(p.trackers),
	}).Info("PeerDHT instance created")

	return p, nil
}

// GeneratePeerID returns a random peer id starting with PeerIDPrefix.
func GeneratePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], PeerIDPrefix)
	if _, err := rand.Read(id[len(PeerIDPrefix):]); err != nil {
		return id, fmt.Errorf("generate peer id: %w", err)
	}
	return id, nil
}

// Engine returns the DHT engine.
func (p *PeerDHT) Engine() *dht.Engine { return p.engine }

// Trackers returns the tracker clients.
func (p *PeerDHT) Trackers() []*tracker.Tracker { return p.trackers }

// PeerID returns the id sent to trackers.
func (p *PeerDHT) PeerID() [20]byte { return p.peerID }

// OnPeers sets the callback for discovered peers. It runs on the shared
// scheduler.
func (p *PeerDHT) OnPeers(cb PeersCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPeers = cb
}

// Start bootstraps the DHT, seeded from NodesFile when one exists. A nodes
// file that cannot be parsed is ignored.
func (p *PeerDHT) Start() error {
	if p.killed.Load() {
		return ErrKilled
	}
	saved := p.loadNodes()
	if err := p.engine.Start(saved); err != nil {
		if saved == nil || !errors.Is(err, dht.ErrInvalidArgument) {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "PeerDHT.Start",
			"file":     p.options.NodesFile,
			"error":    err.Error(),
		}).Warn("Ignoring unreadable nodes file")
		return p.engine.Start(nil)
	}
	return nil
}

// IsRunning reports whether Kill has not been called.
func (p *PeerDHT) IsRunning() bool {
	return !p.killed.Load()
}

// GetPeers searches the DHT for infoHash.
func (p *PeerDHT) GetPeers(infoHash dht.ID) error {
	if p.killed.Load() {
		return ErrKilled
	}
	return p.engine.GetPeers(infoHash)
}

// Announce announces infoHash on port to the DHT and to every tracker.
// Tracker replies deliver their peers through OnPeers.
func (p *PeerDHT) Announce(infoHash dht.ID, port int) error {
	return p.announce(infoHash, port, tracker.EventStarted)
}

// AnnounceStopped tells every tracker this peer stopped serving infoHash.
func (p *PeerDHT) AnnounceStopped(infoHash dht.ID, port int) error {
	if p.killed.Load() {
		return ErrKilled
	}
	for _, tr := range p.trackers {
		if err := tr.Announce(p.announceParams(infoHash, port, tracker.EventStopped), nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *PeerDHT) announce(infoHash dht.ID, port int, event tracker.Event) error {
	if p.killed.Load() {
		return ErrKilled
	}
	if err := p.engine.Announce(infoHash, port); err != nil {
		return err
	}
	for _, tr := range p.trackers {
		tr := tr
		err := tr.Announce(p.announceParams(infoHash, port, event), func(r *tracker.AnnounceResult) {
			if !r.Success || len(r.Peers) == 0 {
				return
			}
			p.raisePeers(SourceTracker, infoHash, r.Peers)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PeerDHT) announceParams(infoHash dht.ID, port int, event tracker.Event) tracker.AnnounceParams {
	return tracker.AnnounceParams{
		InfoHash: [20]byte(infoHash),
		PeerID:   p.peerID,
		Port:     port,
		Event:    event,
	}
}

func (p *PeerDHT) raisePeers(source Source, infoHash dht.ID, peers []peer.Peer) {
	p.mu.RLock()
	cb := p.onPeers
	p.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function":  "PeerDHT.raisePeers",
		"source":    source.String(),
		"info_hash": infoHash.String(),
		"peers":     len(peers),
	}).Debug("Peers discovered")

	if cb != nil {
		cb(source, infoHash, peers)
	}
}

// SaveNodes writes the routing table to NodesFile.
func (p *PeerDHT) SaveNodes() error {
	if p.options.NodesFile == "" {
		return nil
	}
	blob, err := p.engine.SaveNodes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(p.options.NodesFile, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write nodes file: %w", err)
	}
	return nil
}

func (p *PeerDHT) loadNodes() []byte {
	if p.options.NodesFile == "" {
		return nil
	}
	blob, err := os.ReadFile(p.options.NodesFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logrus.WithFields(logrus.Fields{
				"function": "PeerDHT.loadNodes",
				"file":     p.options.NodesFile,
				"error":    err.Error(),
			}).Warn("Failed to read nodes file")
		}
		return nil
	}
	return blob
}

// Kill saves the routing table if configured, stops the DHT and releases
// every resource. It is safe to call more than once.
func (p *PeerDHT) Kill() {
	p.killOnce.Do(func() {
		p.killed.Store(true)
		if err := p.SaveNodes(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PeerDHT.Kill",
				"error":    err.Error(),
			}).Warn("Failed to save nodes")
		}
		p.engine.Close()
		p.release()

		logrus.WithFields(logrus.Fields{
			"function": "PeerDHT.Kill",
		}).Info("PeerDHT instance stopped")
	})
}

func (p *PeerDHT) release() {
	if p.ownListener {
		p.listener.Close()
	}
	p.sched.Close()
}
