package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerdht/metrics"
	"github.com/opd-ai/peerdht/scheduler"
)

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New("tracker-test")
	t.Cleanup(s.Close)
	return s
}

func testParams() AnnounceParams {
	p := AnnounceParams{Port: 6881, Left: 1000}
	copy(p.InfoHash[:], "abcdefghijklmnopqrst")
	copy(p.PeerID[:], "-PD0100-123456789012")
	return p
}

// fakeTracker serves fixed bodies and records the request URLs it saw.
type fakeTracker struct {
	srv      *httptest.Server
	requests chan *http.Request
	body     func(r *http.Request) (int, []byte)
}

func newFakeTracker(t *testing.T, body func(r *http.Request) (int, []byte)) *fakeTracker {
	t.Helper()
	f := &fakeTracker{requests: make(chan *http.Request, 16), body: body}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests <- r
		status, b := f.body(r)
		w.WriteHeader(status)
		_, _ = w.Write(b)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func fixed(body []byte) func(*http.Request) (int, []byte) {
	return func(*http.Request) (int, []byte) { return http.StatusOK, body }
}

func queryKeys(rawQuery string) []string {
	var keys []string
	for _, kv := range strings.Split(rawQuery, "&") {
		keys = append(keys, strings.SplitN(kv, "=", 2)[0])
	}
	return keys
}

func TestNewValidatesURL(t *testing.T) {
	s := newScheduler(t)

	_, err := New("udp://tracker.example:80/announce", s)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = New("://bad", s)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = New("http://tracker.example/announce", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	tr, err := New("http://tracker.example/announce", s)
	require.NoError(t, err)
	assert.True(t, tr.CanScrape())
	assert.Equal(t, "http://tracker.example/scrape", tr.ScrapeURL())
	assert.Equal(t, StatusUnknown, tr.Status())
	assert.NotEmpty(t, tr.Key())

	other, err := New("http://tracker.example/announce", s)
	require.NoError(t, err)
	assert.NotEqual(t, tr.Key(), other.Key(), "keys are random per tracker")
}

func TestAnnounceCompactResponse(t *testing.T) {
	f := newFakeTracker(t, fixed(compactBody()))
	tr, err := New(f.srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)

	r, err := tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	require.NoError(t, r.Err)
	assert.True(t, r.Success)
	assert.Equal(t, 5, r.Complete)
	assert.Equal(t, 2, r.Incomplete)
	require.Len(t, r.Peers, 2)
	assert.Equal(t, "1.2.3.4:6881", r.Peers[0].String())
	assert.Equal(t, "10.0.0.1:80", r.Peers[1].String())

	assert.Equal(t, StatusOk, tr.Status())
	assert.Empty(t, tr.FailureMessage())
	assert.Equal(t, Stats{Complete: 5, Incomplete: 2}, tr.Stats())
}

func TestAnnounceQueryParameters(t *testing.T) {
	f := newFakeTracker(t, fixed([]byte("d5:peers0:e")))
	tr, err := New(f.srv.URL+"/announce?passkey=secret", newScheduler(t))
	require.NoError(t, err)

	p := testParams()
	p.InfoHash[0] = 0xff
	p.SupportCrypto = true
	p.IP = "10.1.2.3"
	p.Event = EventStarted
	_, err = tr.AnnounceWait(context.Background(), p)
	require.NoError(t, err)

	req := <-f.requests
	assert.Equal(t, "/announce", req.URL.Path)
	assert.Equal(t, []string{
		"passkey", "info_hash", "peer_id", "port", "uploaded", "downloaded", "left",
		"compact", "numwant", "supportcrypto", "key", "ip", "event",
	}, queryKeys(req.URL.RawQuery))

	q := req.URL.Query()
	assert.Equal(t, string(p.InfoHash[:]), q.Get("info_hash"))
	assert.Equal(t, "-PD0100-123456789012", q.Get("peer_id"))
	assert.Equal(t, "6881", q.Get("port"))
	assert.Equal(t, "1000", q.Get("left"))
	assert.Equal(t, "1", q.Get("compact"))
	assert.Equal(t, "100", q.Get("numwant"))
	assert.Equal(t, "started", q.Get("event"))
	assert.Equal(t, "secret", q.Get("passkey"))
	assert.Len(t, q.Get("key"), 8)
	assert.Equal(t, DefaultUserAgent, req.Header.Get("User-Agent"))
}

func TestAnnounceKeepsExistingKey(t *testing.T) {
	f := newFakeTracker(t, fixed([]byte("d5:peers0:e")))
	tr, err := New(f.srv.URL+"/announce?key=mine", newScheduler(t), WithUserAgent("custom/2"))
	require.NoError(t, err)

	_, err = tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)

	req := <-f.requests
	assert.Equal(t, []string{"mine"}, req.URL.Query()["key"])
	assert.Equal(t, "custom/2", req.Header.Get("User-Agent"))
	assert.NotContains(t, queryKeys(req.URL.RawQuery), "event")
}

func TestAnnounceRemembersTrackerID(t *testing.T) {
	f := newFakeTracker(t, fixed([]byte("d8:intervali60e5:peers0:10:tracker id3:xyze")))
	tr, err := New(f.srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)

	r, err := tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, r.Interval)
	assert.Equal(t, "xyz", tr.TrackerID())

	first := <-f.requests
	assert.Empty(t, first.URL.Query().Get("trackerid"))

	_, err = tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	second := <-f.requests
	assert.Equal(t, "xyz", second.URL.Query().Get("trackerid"))
}

func TestAnnounceFailureReason(t *testing.T) {
	f := newFakeTracker(t, fixed([]byte("d14:failure reason12:unregistered15:warning message3:oope")))
	tr, err := New(f.srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)

	r, err := tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.NoError(t, r.Err)
	assert.Equal(t, StatusOk, tr.Status())
	assert.Equal(t, "unregistered", tr.FailureMessage())
	assert.Equal(t, "oop", tr.WarningMessage())
}

func TestAnnounceInvalidResponse(t *testing.T) {
	f := newFakeTracker(t, fixed([]byte("d8:intervali60ee")))
	tr, err := New(f.srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)

	r, err := tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, ErrInvalidResponse)
	assert.Equal(t, StatusInvalidResponse, tr.Status())
	assert.Equal(t, msgInvalidResponse, tr.FailureMessage())
}

func TestAnnounceOffline(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		f := newFakeTracker(t, func(*http.Request) (int, []byte) {
			return http.StatusBadGateway, []byte("d5:peers0:e")
		})
		tr, err := New(f.srv.URL+"/announce", newScheduler(t))
		require.NoError(t, err)

		r, err := tr.AnnounceWait(context.Background(), testParams())
		require.NoError(t, err)
		assert.ErrorIs(t, r.Err, ErrTransport)
		assert.Equal(t, StatusOffline, tr.Status())
		assert.Equal(t, msgOffline, tr.FailureMessage())
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL + "/announce"
		srv.Close()

		tr, err := New(url, newScheduler(t))
		require.NoError(t, err)
		r, err := tr.AnnounceWait(context.Background(), testParams())
		require.NoError(t, err)
		assert.ErrorIs(t, r.Err, ErrTransport)
		assert.Equal(t, StatusOffline, tr.Status())
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		tr, err := New(srv.URL+"/announce", newScheduler(t), WithTimeout(50*time.Millisecond))
		require.NoError(t, err)
		start := time.Now()
		r, err := tr.AnnounceWait(context.Background(), testParams())
		require.NoError(t, err)
		assert.ErrorIs(t, r.Err, ErrTransport)
		assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, StatusOffline, tr.Status())
	})
}

func TestAnnounceRecoversAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	f := newFakeTracker(t, func(*http.Request) (int, []byte) {
		if fail.Load() {
			return http.StatusInternalServerError, nil
		}
		return http.StatusOK, compactBody()
	})
	tr, err := New(f.srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)

	_, err = tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	require.Equal(t, StatusOffline, tr.Status())
	<-f.requests

	fail.Store(false)
	r, err := tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, StatusOk, tr.Status())
	assert.Empty(t, tr.FailureMessage())
}

func TestMaxResponseSize(t *testing.T) {
	f := newFakeTracker(t, fixed(compactBody()))
	tr, err := New(f.srv.URL+"/announce", newScheduler(t), WithMaxResponseSize(16*datasize.B))
	require.NoError(t, err)

	r, err := tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Err, ErrInvalidResponse)
	assert.Equal(t, StatusInvalidResponse, tr.Status())
}

func TestAnnounceArgumentErrors(t *testing.T) {
	tr, err := New("http://tracker.example/announce", newScheduler(t))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(p *AnnounceParams)
	}{
		{"empty info hash", func(p *AnnounceParams) { p.InfoHash = [20]byte{} }},
		{"port zero", func(p *AnnounceParams) { p.Port = 0 }},
		{"port too large", func(p *AnnounceParams) { p.Port = 70000 }},
		{"negative left", func(p *AnnounceParams) { p.Left = -1 }},
		{"unknown event", func(p *AnnounceParams) { p.Event = Event(9) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			assert.ErrorIs(t, tr.Announce(p, nil), ErrInvalidArgument)
		})
	}
}

func TestAnnounceOnClosedScheduler(t *testing.T) {
	s := scheduler.New("closed")
	tr, err := New("http://tracker.example/announce", s)
	require.NoError(t, err)
	s.Close()

	assert.ErrorIs(t, tr.Announce(testParams(), nil), scheduler.ErrClosed)
}

func TestAnnounceCallbackRunsOnScheduler(t *testing.T) {
	f := newFakeTracker(t, fixed(compactBody()))
	s := newScheduler(t)
	tr, err := New(f.srv.URL+"/announce", s)
	require.NoError(t, err)

	// owned is only touched on the scheduler.
	owned := 0
	done := make(chan struct{})
	require.NoError(t, tr.Announce(testParams(), func(r *AnnounceResult) {
		owned++
		close(done)
	}))
	<-done

	var got int
	require.NoError(t, s.PostBlocking(func() { got = owned }))
	assert.Equal(t, 1, got)
}

func TestScrape(t *testing.T) {
	params := ScrapeParams{}
	copy(params.InfoHash[:], "abcdefghijklmnopqrst")
	body := []byte("d5:filesd20:abcdefghijklmnopqrstd8:completei3e10:downloadedi7e10:incompletei1eeee")

	f := newFakeTracker(t, fixed(body))
	tr, err := New(f.srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)

	r, err := tr.ScrapeWait(context.Background(), params)
	require.NoError(t, err)
	require.True(t, r.Success)
	assert.Equal(t, 3, r.Complete)
	assert.Equal(t, 1, r.Incomplete)
	assert.Equal(t, 7, r.Downloaded)
	assert.Equal(t, StatusOk, tr.Status())
	assert.Equal(t, 3, tr.Stats().Complete)

	req := <-f.requests
	assert.Equal(t, "/scrape", req.URL.Path)
	assert.Equal(t, "abcdefghijklmnopqrst", req.URL.Query().Get("info_hash"))
}

func TestScrapeUnsupported(t *testing.T) {
	tr, err := New("http://tracker.example/tracker.php", newScheduler(t))
	require.NoError(t, err)
	assert.False(t, tr.CanScrape())
	assert.Empty(t, tr.ScrapeURL())

	params := ScrapeParams{}
	params.InfoHash[0] = 1
	assert.ErrorIs(t, tr.Scrape(params, nil), ErrInvalidArgument)
	assert.ErrorIs(t, tr.Scrape(ScrapeParams{}, nil), ErrInvalidArgument)
}

func TestScrapeInvalidResponse(t *testing.T) {
	f := newFakeTracker(t, fixed([]byte("d8:intervali1ee")))
	tr, err := New(f.srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)

	params := ScrapeParams{}
	params.InfoHash[0] = 1
	r, err := tr.ScrapeWait(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.ErrorIs(t, r.Err, ErrInvalidResponse)
	assert.Equal(t, StatusInvalidResponse, tr.Status())
}

func TestTrackerMetrics(t *testing.T) {
	f := newFakeTracker(t, fixed(compactBody()))
	reg := prometheus.NewRegistry()
	tr, err := New(f.srv.URL+"/announce", newScheduler(t), WithMetrics(metrics.New(reg)))
	require.NoError(t, err)

	_, err = tr.AnnounceWait(context.Background(), testParams())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "peerdht_tracker_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["kind"] == "announce" && labels["outcome"] == "ok" {
				found = true
				assert.Equal(t, 1.0, m.GetCounter().GetValue())
			}
		}
	}
	assert.True(t, found)
}

func TestWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr, err := New(srv.URL+"/announce", newScheduler(t))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.AnnounceWait(ctx, testParams())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
