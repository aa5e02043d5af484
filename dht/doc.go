// Package dht implements a Kademlia distributed hash table speaking the
// BitTorrent KRPC protocol over bencoded UDP datagrams.
//
// The DHT locates peers sharing a given info-hash. Nodes are identified by
// 160-bit ids and organised by XOR distance from the local id.
//
// # Engine
//
// Engine is the public facade. It owns a routing table, a token manager,
// a peer store and a message loop, all of which are mutated only from the
// engine's scheduler:
//
//	listener, _ := transport.NewUDPListener(":6881")
//	engine, err := dht.New(listener, dht.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine.OnPeersFound(func(ih dht.ID, peers []peer.Peer) {
//	    // called on the scheduler goroutine
//	})
//	engine.Start(savedNodes)
//	engine.GetPeers(infoHash)
//
// State moves from NotReady to Initialising when Start is called and to
// Ready once bootstrap completes. Close disposes the engine permanently.
//
// # Routing Table
//
// Buckets cover contiguous prefix ranges of the id space and hold up to K
// nodes each, plus one replacement. Only the bucket containing the local id
// splits when full; other full buckets recycle Bad members or queue the
// newcomer as the replacement. A node becomes Bad after MaxFailures
// consecutive unanswered queries.
//
// # Message Loop
//
// Every query is an Exchange that completes exactly once: Succeeded,
// TimedOut, Failed or Canceled. Replies are matched by 2-byte transaction
// id and source address. Outbound queries pass through a token bucket rate
// limiter.
//
// # Tokens
//
// get_peers replies carry a token bound to the requester's id and address.
// announce_peer is accepted only with a token issued within the last one or
// two rotation periods.
//
// # Persistence
//
// SaveNodes returns a bencoded list of 26 byte compact node records that can
// be passed back to Start or Add.
package dht
