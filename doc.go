// Package peerdht discovers BitTorrent peers through the mainline DHT and
// HTTP trackers.
//
// A PeerDHT owns a cooperative scheduler, a UDP socket, a [dht.Engine] and
// one [tracker.Tracker] per announce URL. Peers found by any of them are
// delivered to a single callback:
//
//	options := peerdht.NewOptions()
//	options.DHT.BootstrapRouters = []string{"router.bittorrent.com:6881"}
//	options.Trackers = []string{"http://tracker.example/announce"}
//	options.NodesFile = "nodes.dat"
//
//	p, err := peerdht.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Kill()
//
//	p.OnPeers(func(source peerdht.Source, infoHash dht.ID, peers []peer.Peer) {
//	    fmt.Printf("%d peers from %s\n", len(peers), source)
//	})
//
//	if err := p.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	err = p.Announce(infoHash, 6881)
//
// # Packages
//
//   - [bencode]: ordered bencode values and codec
//   - [dht]: routing table, KRPC messages, lookups and the engine
//   - [scheduler]: the single-goroutine action queue everything runs on
//   - [transport]: UDP and in-memory datagram listeners
//   - [tracker]: HTTP announce and scrape
//   - [config]: YAML and environment configuration
//   - [metrics]: Prometheus collectors
package peerdht
