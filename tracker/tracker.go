package tracker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdht/limits"
	"github.com/opd-ai/peerdht/metrics"
	"github.com/opd-ai/peerdht/scheduler"
)

// DefaultTimeout is the deadline of a single tracker request.
const DefaultTimeout = 10 * time.Second

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "peerdht/1.0"

const (
	msgOffline         = "The tracker could not be contacted"
	msgInvalidResponse = "The tracker returned an invalid or incomplete response"
)

// Status is the health of a tracker as seen by its last request.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusOk
	StatusOffline
	StatusInvalidResponse
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusOffline:
		return "offline"
	case StatusInvalidResponse:
		return "invalid-response"
	default:
		return "unknown"
	}
}

// Stats is the last swarm statistics reported by a tracker.
type Stats struct {
	Complete    int
	Incomplete  int
	Downloaded  int
	Interval    time.Duration
	MinInterval time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tracker) { t.client = c }
}

// WithTimeout replaces the per-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(t *Tracker) { t.userAgent = ua }
}

// WithMaxResponseSize bounds the accepted response body.
func WithMaxResponseSize(size datasize.ByteSize) Option {
	return func(t *Tracker) { t.maxResponse = int64(size.Bytes()) }
}

// WithMetrics records request outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker is an HTTP tracker client. Requests run on their own goroutine
// and complete on the scheduler, where the tracker's status is updated and
// the caller's callback runs.
type Tracker struct {
	announceURL string
	scrapeURL   string
	canScrape   bool
	key         string

	sched       *scheduler.Scheduler
	client      *http.Client
	timeout     time.Duration
	userAgent   string
	maxResponse int64
	metrics     *metrics.Metrics

	mu             sync.RWMutex
	status         Status
	failureMessage string
	warningMessage string
	trackerID      string
	stats          Stats
}

// New creates a client for announceURL whose completions run on sched.
func New(announceURL string, sched *scheduler.Scheduler, opts ...Option) (*Tracker, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, &ArgumentError{Name: "announceURL", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ArgumentError{Name: "announceURL", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if sched == nil {
		return nil, &ArgumentError{Name: "sched", Reason: "must not be nil"}
	}

	key := make([]byte, 8)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate tracker key: %w", err)
	}

	t := &Tracker{
		announceURL: announceURL,
		key:         escapeBytes(key),
		sched:       sched,
		client:      http.DefaultClient,
		timeout:     DefaultTimeout,
		userAgent:   DefaultUserAgent,
		maxResponse: limits.MaxTrackerResponse,
	}
	t.scrapeURL, t.canScrape = deriveScrapeURL(announceURL)
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// URL returns the announce URL.
func (t *Tracker) URL() string { return t.announceURL }

// ScrapeURL returns the derived scrape URL, or "" if CanScrape is false.
func (t *Tracker) ScrapeURL() string { return t.scrapeURL }

// CanScrape reports whether the announce URL follows the scrape convention.
func (t *Tracker) CanScrape() bool { return t.canScrape }

// Key returns the per-session key sent with announces, already escaped.
func (t *Tracker) Key() string { return t.key }

// Status returns the outcome of the last request.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// FailureMessage returns the human-readable failure of the last request.
func (t *Tracker) FailureMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failureMessage
}

// WarningMessage returns the warning sent with the last announce reply.
func (t *Tracker) WarningMessage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.warningMessage
}

// TrackerID returns the tracker id supplied by the tracker, if any.
func (t *Tracker) TrackerID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.trackerID
}

// Stats returns the last swarm statistics.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// Announce sends an announce. done runs on the scheduler once the request
// completes; trackers that cannot be reached are reported through the
// result and the tracker status, not through the returned error.
func (t *Tracker) Announce(params AnnounceParams, done func(*AnnounceResult)) error {
	if err := params.validate(); err != nil {
		return err
	}
	if t.sched.Closed() {
		return scheduler.ErrClosed
	}
	reqURL := t.buildAnnounceURL(&params)

	go func() {
		body, err := t.fetch("announce", reqURL)
		var result *AnnounceResult
		if err == nil {
			result, err = parseAnnounce(body)
		}
		if err != nil {
			result = &AnnounceResult{Err: err}
		}
		t.complete("announce", func() {
			t.applyAnnounce(result)
			if done != nil {
				done(result)
			}
		})
	}()
	return nil
}

// Scrape requests swarm statistics for one info-hash.
func (t *Tracker) Scrape(params ScrapeParams, done func(*ScrapeResult)) error {
	if params.InfoHash == [20]byte{} {
		return &ArgumentError{Name: "InfoHash", Reason: "must not be empty"}
	}
	if !t.canScrape {
		return &ArgumentError{Name: "announceURL", Reason: "tracker does not support scrape"}
	}
	if t.sched.Closed() {
		return scheduler.ErrClosed
	}
	reqURL := newQueryBuilder(t.scrapeURL, nil).add("info_hash", escapeBytes(params.InfoHash[:])).String()

	go func() {
		body, err := t.fetch("scrape", reqURL)
		var result *ScrapeResult
		if err == nil {
			result, err = parseScrape(body, params.InfoHash)
		}
		if err != nil {
			result = &ScrapeResult{Err: err}
		}
		t.complete("scrape", func() {
			t.applyScrape(result)
			if done != nil {
				done(result)
			}
		})
	}()
	return nil
}

// AnnounceWait is Announce for callers outside the scheduler. It blocks
// until the request completes or ctx is done.
func (t *Tracker) AnnounceWait(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	results := make(chan *AnnounceResult, 1)
	if err := t.Announce(params, func(r *AnnounceResult) { results <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ScrapeWait is Scrape for callers outside the scheduler.
func (t *Tracker) ScrapeWait(ctx context.Context, params ScrapeParams) (*ScrapeResult, error) {
	results := make(chan *ScrapeResult, 1)
	if err := t.Scrape(params, func(r *ScrapeResult) { results <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildAnnounceURL appends the announce parameters in the order trackers
// conventionally expect them.
func (t *Tracker) buildAnnounceURL(p *AnnounceParams) string {
	var existing []string
	if u, err := url.Parse(t.announceURL); err == nil {
		for k := range u.Query() {
			existing = append(existing, k)
		}
	}

	b := newQueryBuilder(t.announceURL, existing).
		add("info_hash", escapeBytes(p.InfoHash[:])).
		add("peer_id", escapeBytes(p.PeerID[:])).
		addInt("port", int64(p.Port)).
		addInt("uploaded", p.Uploaded).
		addInt("downloaded", p.Downloaded).
		addInt("left", p.Left).
		addInt("compact", 1).
		addInt("numwant", defaultNumWant)

	if p.SupportCrypto {
		b.addInt("supportcrypto", 1)
	}
	if p.RequireCrypto {
		b.addInt("requirecrypto", 1)
	}
	if !b.contains("key") {
		b.add("key", t.key)
	}
	if p.IP != "" {
		b.add("ip", url.QueryEscape(p.IP))
	}
	if p.Event != EventNone {
		b.add("event", p.Event.String())
	}
	if id := t.TrackerID(); id != "" {
		b.add("trackerid", escapeBytes([]byte(id)))
	}
	return b.String()
}

// fetch performs one GET with the tracker's deadline and size limit.
func (t *Tracker) fetch(op, reqURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{Op: op, URL: t.announceURL, Err: err}
	}
	req.Header.Set("User-Agent", t.userAgent)

	logrus.WithFields(logrus.Fields{
		"function": "Tracker.fetch",
		"op":       op,
		"url":      t.announceURL,
	}).Debug("Sending tracker request")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, URL: t.announceURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: op, URL: t.announceURL, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponse+1))
	if err != nil {
		return nil, &TransportError{Op: op, URL: t.announceURL, Err: err}
	}
	if err := limits.ValidateTrackerResponse(body, t.maxResponse); err != nil {
		return nil, &InvalidResponseError{Op: op, Reason: "body rejected", Err: err}
	}
	return body, nil
}

// complete posts a finished request back to the scheduler.
func (t *Tracker) complete(op string, action func()) {
	if err := t.sched.Post(action); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Tracker.complete",
			"op":       op,
			"url":      t.announceURL,
		}).Debug("Scheduler closed, dropping tracker reply")
	}
}

// applyAnnounce records an announce outcome. Runs on the scheduler.
func (t *Tracker) applyAnnounce(r *AnnounceResult) {
	t.mu.Lock()
	t.failureMessage = ""
	t.warningMessage = ""
	outcome := t.applyErrorLocked(r.Err)
	if r.Err == nil {
		t.status = StatusOk
		t.failureMessage = r.FailureReason
		t.warningMessage = r.WarningMessage
		if r.TrackerID != "" {
			t.trackerID = r.TrackerID
		}
		t.stats = Stats{
			Complete:    r.Complete,
			Incomplete:  r.Incomplete,
			Downloaded:  r.Downloaded,
			Interval:    r.Interval,
			MinInterval: r.MinInterval,
		}
		if r.FailureReason != "" {
			outcome = "failure"
		}
	}
	status := t.status
	message := t.failureMessage
	t.mu.Unlock()

	t.metrics.TrackerRequest("announce", outcome)
	t.logOutcome("announce", status, message, len(r.Peers))
}

// applyScrape records a scrape outcome. Runs on the scheduler.
func (t *Tracker) applyScrape(r *ScrapeResult) {
	t.mu.Lock()
	t.failureMessage = ""
	outcome := t.applyErrorLocked(r.Err)
	if r.Err == nil {
		t.status = StatusOk
		t.stats.Complete = r.Complete
		t.stats.Incomplete = r.Incomplete
		t.stats.Downloaded = r.Downloaded
	}
	status := t.status
	message := t.failureMessage
	t.mu.Unlock()

	t.metrics.TrackerRequest("scrape", outcome)
	t.logOutcome("scrape", status, message, 0)
}

func (t *Tracker) applyErrorLocked(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidResponse):
		t.status = StatusInvalidResponse
		t.failureMessage = msgInvalidResponse
		return "invalid_response"
	default:
		t.status = StatusOffline
		t.failureMessage = msgOffline
		return "offline"
	}
}

func (t *Tracker) logOutcome(op string, status Status, message string, peers int) {
	fields := logrus.Fields{
		"function": "Tracker." + op,
		"url":      t.announceURL,
		"status":   status.String(),
	}
	if status != StatusOk || message != "" {
		fields["message"] = message
		logrus.WithFields(fields).Warn("Tracker request failed")
		return
	}
	fields["peers"] = peers
	logrus.WithFields(fields).Debug("Tracker request finished")
}
