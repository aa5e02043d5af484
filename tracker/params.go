package tracker

import (
	"time"

	"github.com/opd-ai/peerdht/peer"
)

// Event is the announce event reported to the tracker.
type Event uint8

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams describes one announce request.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64

	SupportCrypto bool
	RequireCrypto bool
	// IP is sent only when set.
	IP    string
	Event Event
}

func (p *AnnounceParams) validate() error {
	switch {
	case p.InfoHash == [20]byte{}:
		return &ArgumentError{Name: "InfoHash", Reason: "must not be empty"}
	case p.Port <= 0 || p.Port > 65535:
		return &ArgumentError{Name: "Port", Reason: "must be between 1 and 65535"}
	case p.Uploaded < 0 || p.Downloaded < 0 || p.Left < 0:
		return &ArgumentError{Name: "bytes", Reason: "transfer counters must not be negative"}
	case p.Event > EventCompleted:
		return &ArgumentError{Name: "Event", Reason: "unknown event"}
	}
	return nil
}

// ScrapeParams describes one scrape request.
type ScrapeParams struct {
	InfoHash [20]byte
}

// AnnounceResult is the outcome of an announce. Success is false when the
// tracker could not be contacted, replied with something unusable, or
// reported a failure reason.
type AnnounceResult struct {
	Success bool
	Err     error

	Peers       []peer.Peer
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int
	Incomplete  int
	Downloaded  int
	TrackerID   string

	FailureReason  string
	WarningMessage string
}

// ScrapeResult is the outcome of a scrape.
type ScrapeResult struct {
	Success bool
	Err     error

	Complete   int
	Incomplete int
	Downloaded int
}
