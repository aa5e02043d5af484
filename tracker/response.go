package tracker

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdht/bencode"
	"github.com/opd-ai/peerdht/peer"
)

// parseAnnounce decodes an announce reply. A reply must carry either peers
// or a failure reason; unknown keys are ignored.
func parseAnnounce(body []byte) (*AnnounceResult, error) {
	d, err := bencode.DecodeDict(body)
	if err != nil {
		return nil, &InvalidResponseError{Op: "announce", Reason: "not a bencoded dictionary", Err: err}
	}

	r := &AnnounceResult{}
	if reason, ok := d.GetString("failure reason"); ok {
		r.FailureReason = reason.Text()
	}
	if warning, ok := d.GetString("warning message"); ok {
		r.WarningMessage = warning.Text()
	}
	if !d.Has("peers") && !d.Has("peers6") && r.FailureReason == "" {
		return nil, &InvalidResponseError{Op: "announce", Reason: "missing peers"}
	}

	for _, e := range d.Entries() {
		switch e.Key {
		case "complete":
			r.Complete, err = intField(e.Value, e.Key)
		case "incomplete":
			r.Incomplete, err = intField(e.Value, e.Key)
		case "downloaded":
			r.Downloaded, err = intField(e.Value, e.Key)
		case "interval":
			r.Interval, err = secondsField(e.Value, e.Key)
		case "min interval":
			r.MinInterval, err = secondsField(e.Value, e.Key)
		case "tracker id":
			s, ok := e.Value.(bencode.String)
			if !ok {
				err = fmt.Errorf("tracker id is a %s", e.Value.Kind())
			}
			r.TrackerID = s.Text()
		case "peers":
			var peers []peer.Peer
			peers, err = decodePeers(e.Value, peer.CompactIPv4Len)
			r.Peers = append(r.Peers, peers...)
		case "peers6":
			var peers []peer.Peer
			peers, err = decodePeers(e.Value, peer.CompactIPv6Len)
			r.Peers = append(r.Peers, peers...)
		case "failure reason", "warning message":
		default:
			logrus.WithFields(logrus.Fields{
				"function": "parseAnnounce",
				"key":      e.Key,
			}).Debug("Ignoring unknown announce key")
		}
		if err != nil {
			return nil, &InvalidResponseError{Op: "announce", Reason: e.Key, Err: err}
		}
	}

	r.Success = r.FailureReason == ""
	return r, nil
}

// decodePeers accepts both the dictionary list form and the compact string
// form of a peer list.
func decodePeers(v bencode.Value, stride int) ([]peer.Peer, error) {
	switch pv := v.(type) {
	case bencode.String:
		return peer.DecodeCompactList(pv, stride)
	case bencode.List:
		peers := make([]peer.Peer, 0, len(pv))
		for i, item := range pv {
			d, ok := item.(*bencode.Dict)
			if !ok {
				return nil, fmt.Errorf("peer %d is a %s", i, item.Kind())
			}
			host, ok := d.GetString("ip")
			if !ok {
				return nil, fmt.Errorf("peer %d has no ip", i)
			}
			ip := net.ParseIP(host.Text())
			if ip == nil {
				return nil, fmt.Errorf("peer %d has invalid ip %q", i, host.Text())
			}
			port, ok := d.GetInt("port")
			if !ok || port <= 0 || port > 65535 {
				return nil, fmt.Errorf("peer %d has invalid port", i)
			}
			peers = append(peers, peer.New(ip, int(port)))
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("peers is a %s", v.Kind())
	}
}

// parseScrape decodes a scrape reply and picks the entry for infoHash. A
// reply holding a single entry under another key is accepted as well, since
// some trackers key it by hex or ignore the requested hash.
func parseScrape(body []byte, infoHash [20]byte) (*ScrapeResult, error) {
	d, err := bencode.DecodeDict(body)
	if err != nil {
		return nil, &InvalidResponseError{Op: "scrape", Reason: "not a bencoded dictionary", Err: err}
	}
	files, ok := d.GetDict("files")
	if !ok {
		return nil, &InvalidResponseError{Op: "scrape", Reason: "missing files"}
	}

	r := &ScrapeResult{Success: true}
	entry, ok := files.Get(string(infoHash[:]))
	if !ok {
		if files.Len() != 1 {
			return r, nil
		}
		entry = files.Entries()[0].Value
	}
	stats, ok := entry.(*bencode.Dict)
	if !ok {
		return nil, &InvalidResponseError{Op: "scrape", Reason: "file entry is not a dictionary"}
	}

	for _, e := range stats.Entries() {
		switch e.Key {
		case "complete":
			r.Complete, err = intField(e.Value, e.Key)
		case "incomplete":
			r.Incomplete, err = intField(e.Value, e.Key)
		case "downloaded":
			r.Downloaded, err = intField(e.Value, e.Key)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "parseScrape",
				"key":      e.Key,
			}).Debug("Ignoring unknown scrape key")
		}
		if err != nil {
			return nil, &InvalidResponseError{Op: "scrape", Reason: e.Key, Err: err}
		}
	}
	return r, nil
}

func intField(v bencode.Value, key string) (int, error) {
	i, ok := v.(bencode.Integer)
	if !ok {
		return 0, fmt.Errorf("%s is a %s", key, v.Kind())
	}
	if i < 0 {
		return 0, fmt.Errorf("%s is negative", key)
	}
	return int(i), nil
}

func secondsField(v bencode.Value, key string) (time.Duration, error) {
	n, err := intField(v, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
