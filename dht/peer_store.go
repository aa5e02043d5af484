package dht

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/opd-ai/peerdht/peer"
	"github.com/opd-ai/peerdht/scheduler"
)

const (
	// DefaultPeerStoreSize bounds how many info-hashes are remembered.
	DefaultPeerStoreSize = 2048
	// DefaultPeerTTL is how long an announced peer is served.
	DefaultPeerTTL = 30 * time.Minute
	// DefaultMaxPeersPerInfoHash bounds the peers kept per info-hash.
	DefaultMaxPeersPerInfoHash = 256
)

type storedPeer struct {
	peer      peer.Peer
	announced time.Time
}

type peerSet struct {
	peers map[string]*storedPeer
}

// PeerStore remembers peers announced to this node so get_peers queries
// can be answered locally. Info-hashes are evicted least recently used
// first; peers expire after the TTL.
type PeerStore struct {
	cache      *lru.Cache
	ttl        time.Duration
	maxPerHash int
	tp         scheduler.TimeProvider
}

// NewPeerStore creates a store holding at most size info-hashes.
func NewPeerStore(size int, ttl time.Duration, maxPerHash int, tp scheduler.TimeProvider) (*PeerStore, error) {
	if size <= 0 {
		size = DefaultPeerStoreSize
	}
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	if maxPerHash <= 0 {
		maxPerHash = DefaultMaxPeersPerInfoHash
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &PeerStore{
		cache:      cache,
		ttl:        ttl,
		maxPerHash: maxPerHash,
		tp:         scheduler.GetTimeProvider(tp),
	}, nil
}

// Store records p as serving infoHash, refreshing its announce time.
func (s *PeerStore) Store(infoHash ID, p peer.Peer) {
	now := s.tp.Now()
	set := s.set(infoHash, true)

	key := p.String()
	if existing, ok := set.peers[key]; ok {
		existing.announced = now
		return
	}
	if len(set.peers) >= s.maxPerHash {
		s.evictOldest(set)
	}
	set.peers[key] = &storedPeer{peer: p, announced: now}
}

// Peers returns up to max unexpired peers for infoHash.
func (s *PeerStore) Peers(infoHash ID, max int) []peer.Peer {
	set := s.set(infoHash, false)
	if set == nil {
		return nil
	}

	now := s.tp.Now()
	var out []peer.Peer
	for key, sp := range set.peers {
		if now.Sub(sp.announced) > s.ttl {
			delete(set.peers, key)
			continue
		}
		if max > 0 && len(out) >= max {
			continue
		}
		out = append(out, sp.peer)
	}
	if len(set.peers) == 0 {
		s.cache.Remove(infoHash)
	}
	return out
}

// CleanExpired removes expired peers and empty info-hashes.
func (s *PeerStore) CleanExpired() {
	now := s.tp.Now()
	for _, key := range s.cache.Keys() {
		v, ok := s.cache.Peek(key)
		if !ok {
			continue
		}
		set := v.(*peerSet)
		for k, sp := range set.peers {
			if now.Sub(sp.announced) > s.ttl {
				delete(set.peers, k)
			}
		}
		if len(set.peers) == 0 {
			s.cache.Remove(key)
		}
	}
}

// Len returns the number of info-hashes with stored peers.
func (s *PeerStore) Len() int {
	return s.cache.Len()
}

func (s *PeerStore) set(infoHash ID, create bool) *peerSet {
	if v, ok := s.cache.Get(infoHash); ok {
		return v.(*peerSet)
	}
	if !create {
		return nil
	}
	set := &peerSet{peers: make(map[string]*storedPeer)}
	s.cache.Add(infoHash, set)
	return set
}

func (s *PeerStore) evictOldest(set *peerSet) {
	var oldestKey string
	var oldest time.Time
	for k, sp := range set.peers {
		if oldestKey == "" || sp.announced.Before(oldest) {
			oldestKey, oldest = k, sp.announced
		}
	}
	delete(set.peers, oldestKey)
}
