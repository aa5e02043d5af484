package peerdht

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerdht/config"
	"github.com/opd-ai/peerdht/dht"
	"github.com/opd-ai/peerdht/peer"
	"github.com/opd-ai/peerdht/tracker"
	"github.com/opd-ai/peerdht/transport"
)

func testDHTConfig(routers ...string) *dht.Config {
	cfg := dht.DefaultConfig()
	cfg.QueryTimeout = 250 * time.Millisecond
	cfg.TickInterval = 20 * time.Millisecond
	cfg.BootstrapRetries = 0
	cfg.BootstrapRouters = routers
	return cfg
}

func newTestInstance(t *testing.T, network *transport.MemoryNetwork, addr string, configure func(*Options)) *PeerDHT {
	t.Helper()
	l, err := network.Listen(addr)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	options := NewOptions()
	options.Listener = l
	options.DHT = testDHTConfig()
	if configure != nil {
		configure(options)
	}
	p, err := New(options)
	require.NoError(t, err)
	t.Cleanup(p.Kill)
	return p
}

func startReady(t *testing.T, p *PeerDHT) {
	t.Helper()
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.Engine().State() == dht.Ready }, 3*time.Second, 5*time.Millisecond)
}

// compactTracker answers every announce with a single compact peer.
type compactTracker struct {
	server *httptest.Server

	mu      sync.Mutex
	queries []url.Values
}

func newCompactTracker(t *testing.T) *compactTracker {
	t.Helper()
	ct := &compactTracker{}
	ct.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct.mu.Lock()
		ct.queries = append(ct.queries, r.URL.Query())
		ct.mu.Unlock()
		w.Write([]byte("d8:intervali1800e5:peers6:\x0a\x01\x02\x03\x1a\xe1e"))
	}))
	t.Cleanup(ct.server.Close)
	return ct
}

func (ct *compactTracker) requests() []url.Values {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return append([]url.Values(nil), ct.queries...)
}

type sourcedPeers struct {
	source   Source
	infoHash dht.ID
	peers    []peer.Peer
}

func collectPeers(p *PeerDHT) <-chan sourcedPeers {
	ch := make(chan sourcedPeers, 16)
	p.OnPeers(func(source Source, infoHash dht.ID, peers []peer.Peer) {
		ch <- sourcedPeers{source, infoHash, peers}
	})
	return ch
}

func waitForSource(t *testing.T, ch <-chan sourcedPeers, source Source) sourcedPeers {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			if got.source == source {
				return got
			}
		case <-deadline:
			t.Fatalf("no peers from %s", source)
		}
	}
}

func TestNewOptionsDefaults(t *testing.T) {
	options := NewOptions()
	assert.Equal(t, "0.0.0.0:6881", options.ListenAddr)
	require.NotNil(t, options.DHT)
	assert.Equal(t, dht.DefaultK, options.DHT.K)
	assert.Empty(t, options.Trackers)
}

func TestNewWithUDPSocket(t *testing.T) {
	options := NewOptions()
	options.ListenAddr = "127.0.0.1:0"
	p, err := New(options)
	require.NoError(t, err)

	assert.True(t, p.IsRunning())
	addr, ok := p.listener.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)

	p.Kill()
	assert.False(t, p.IsRunning())
	p.Kill()

	assert.ErrorIs(t, p.Start(), ErrKilled)
	assert.ErrorIs(t, p.Announce(dht.RandomID(), 6881), ErrKilled)
	assert.ErrorIs(t, p.GetPeers(dht.RandomID()), ErrKilled)
}

func TestNewRejectsBadTracker(t *testing.T) {
	network := transport.NewMemoryNetwork()
	l, err := network.Listen("10.0.0.1:6881")
	require.NoError(t, err)
	defer l.Close()

	options := NewOptions()
	options.Listener = l
	options.Trackers = []string{"udp://tracker.example:80/announce"}
	_, err = New(options)
	assert.ErrorIs(t, err, tracker.ErrInvalidArgument)

	// An injected listener is left open.
	assert.NoError(t, l.Send([]byte("x"), l.LocalAddr()))
}

func TestGeneratePeerID(t *testing.T) {
	id, err := GeneratePeerID()
	require.NoError(t, err)
	assert.Equal(t, PeerIDPrefix, string(id[:len(PeerIDPrefix)]))

	other, err := GeneratePeerID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestExplicitPeerIDIsKept(t *testing.T) {
	var id [20]byte
	copy(id[:], "-XX0001-abcdefghijkl")
	p := newTestInstance(t, transport.NewMemoryNetwork(), "10.0.0.1:6881", func(o *Options) {
		o.PeerID = id
	})
	assert.Equal(t, id, p.PeerID())
}

func TestAnnounceDeliversTrackerPeers(t *testing.T) {
	ct := newCompactTracker(t)
	p := newTestInstance(t, transport.NewMemoryNetwork(), "10.0.0.1:6881", func(o *Options) {
		o.Trackers = []string{ct.server.URL + "/announce"}
	})
	require.Len(t, p.Trackers(), 1)
	got := collectPeers(p)
	startReady(t, p)

	infoHash := dht.RandomID()
	require.NoError(t, p.Announce(infoHash, 6881))

	batch := waitForSource(t, got, SourceTracker)
	assert.Equal(t, infoHash, batch.infoHash)
	require.Len(t, batch.peers, 1)
	assert.Equal(t, "10.1.2.3:6881", batch.peers[0].String())

	reqs := ct.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, string(infoHash[:]), reqs[0].Get("info_hash"))
	assert.Equal(t, "6881", reqs[0].Get("port"))
	assert.Equal(t, "started", reqs[0].Get("event"))
	peerID := p.PeerID()
	assert.Equal(t, string(peerID[:]), reqs[0].Get("peer_id"))
	assert.Equal(t, tracker.StatusOk, p.Trackers()[0].Status())
}

func TestAnnounceStoppedNotifiesTrackers(t *testing.T) {
	ct := newCompactTracker(t)
	p := newTestInstance(t, transport.NewMemoryNetwork(), "10.0.0.1:6881", func(o *Options) {
		o.Trackers = []string{ct.server.URL + "/announce"}
	})
	startReady(t, p)

	require.NoError(t, p.AnnounceStopped(dht.RandomID(), 6881))
	require.Eventually(t, func() bool { return len(ct.requests()) == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "stopped", ct.requests()[0].Get("event"))
}

func TestPeersFromDHT(t *testing.T) {
	network := transport.NewMemoryNetwork()
	router := newTestInstance(t, network, "10.0.0.2:6881", nil)
	startReady(t, router)

	seeder := newTestInstance(t, network, "10.0.0.1:6881", func(o *Options) {
		o.DHT = testDHTConfig("10.0.0.2:6881")
	})
	startReady(t, seeder)

	infoHash := dht.RandomID()
	require.NoError(t, seeder.Announce(infoHash, 7000))
	require.Eventually(t, func() bool {
		stats, err := router.Engine().Stats()
		return err == nil && stats.StoredInfoHashes == 1
	}, 3*time.Second, 5*time.Millisecond)

	leecher := newTestInstance(t, network, "10.0.0.3:6881", func(o *Options) {
		o.DHT = testDHTConfig("10.0.0.2:6881")
	})
	got := collectPeers(leecher)
	startReady(t, leecher)

	require.NoError(t, leecher.GetPeers(infoHash))
	batch := waitForSource(t, got, SourceDHT)
	assert.Equal(t, infoHash, batch.infoHash)
	require.Len(t, batch.peers, 1)
	assert.Equal(t, "10.0.0.1:7000", batch.peers[0].String())
}

func TestNodesFileSavedOnKillAndRestored(t *testing.T) {
	network := transport.NewMemoryNetwork()
	router := newTestInstance(t, network, "10.0.0.2:6881", nil)
	startReady(t, router)

	nodesFile := filepath.Join(t.TempDir(), "nodes.dat")
	node := newTestInstance(t, network, "10.0.0.1:6881", func(o *Options) {
		o.DHT = testDHTConfig("10.0.0.2:6881")
		o.NodesFile = nodesFile
	})
	startReady(t, node)
	node.Kill()

	blob, err := os.ReadFile(nodesFile)
	require.NoError(t, err)
	saved, err := dht.DecodeSavedNodes(blob)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, router.Engine().LocalID(), saved[0].ID)

	restored := newTestInstance(t, network, "10.0.0.3:6881", func(o *Options) {
		o.NodesFile = nodesFile
	})
	startReady(t, restored)
	stats, err := restored.Engine().Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Nodes, 1)
}

func TestUnreadableNodesFileIsIgnored(t *testing.T) {
	nodesFile := filepath.Join(t.TempDir(), "nodes.dat")
	require.NoError(t, os.WriteFile(nodesFile, []byte("garbage"), 0o600))

	p := newTestInstance(t, transport.NewMemoryNetwork(), "10.0.0.1:6881", func(o *Options) {
		o.NodesFile = nodesFile
	})
	startReady(t, p)
}

func TestMissingNodesFileIsIgnored(t *testing.T) {
	p := newTestInstance(t, transport.NewMemoryNetwork(), "10.0.0.1:6881", func(o *Options) {
		o.NodesFile = filepath.Join(t.TempDir(), "absent", "nodes.dat")
	})
	startReady(t, p)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DHT.Listen = "127.0.0.1:7881"
	cfg.Tracker.URLs = []string{"http://tracker.example/announce"}
	cfg.NodesFile = "/tmp/nodes.dat"

	options := OptionsFromConfig(cfg)
	assert.Equal(t, "127.0.0.1:7881", options.ListenAddr)
	assert.Equal(t, []string{"http://tracker.example/announce"}, options.Trackers)
	assert.Equal(t, "/tmp/nodes.dat", options.NodesFile)
	assert.NotEmpty(t, options.TrackerOptions)
	require.NotNil(t, options.DHT)
	assert.Equal(t, cfg.DHT.K, options.DHT.K)
	assert.Nil(t, options.PortMapper)

	cfg.DHT.UPnP = true
	_, ok := OptionsFromConfig(cfg).PortMapper.(*transport.UPnPPortMapper)
	assert.True(t, ok)
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "dht", SourceDHT.String())
	assert.Equal(t, "tracker", SourceTracker.String())
	assert.Equal(t, "unknown", Source(9).String())
}
