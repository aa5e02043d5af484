// Package tracker implements an HTTP BitTorrent tracker client.
//
// A Tracker builds announce and scrape requests, runs them with a fixed
// deadline and parses both the compact and the dictionary peer list forms.
// Completions are posted to a scheduler.Scheduler, so status updates and
// callbacks are serialized with the rest of the caller's state:
//
//	sched := scheduler.New("main")
//	tr, err := tracker.New("http://tracker.example/announce", sched)
//	if err != nil {
//		return err
//	}
//	err = tr.Announce(tracker.AnnounceParams{
//		InfoHash: ih,
//		PeerID:   id,
//		Port:     6881,
//		Event:    tracker.EventStarted,
//	}, func(r *tracker.AnnounceResult) {
//		// runs on sched
//	})
//
// A tracker that cannot be reached or returns an unusable reply does not
// produce an error from Announce. The result carries the error and the
// tracker's Status and FailureMessage describe it, since trackers are
// expected to be intermittently unavailable. No request is retried.
package tracker
