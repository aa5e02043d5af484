package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/peerdht"
	"github.com/opd-ai/peerdht/dht"
	"github.com/opd-ai/peerdht/peer"
	"github.com/opd-ai/peerdht/tracker"
)

var (
	announcePort     int
	announceTrackers []string
	announceNoDHT    bool
	announceWait     time.Duration
)

var announceCmd = &cobra.Command{
	Use:   "announce <info-hash>",
	Short: "Announce an info-hash and print the peers found",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnnounce,
}

func init() {
	announceCmd.Flags().IntVar(&announcePort, "port", 6881, "port peers should connect to")
	announceCmd.Flags().StringSliceVar(&announceTrackers, "tracker", nil, "tracker announce URL (overrides tracker.urls, repeatable)")
	announceCmd.Flags().BoolVar(&announceNoDHT, "no-dht", false, "only announce to trackers")
	announceCmd.Flags().DurationVar(&announceWait, "wait", 30*time.Second, "how long to collect peers")

	rootCmd.AddCommand(announceCmd)
}

func runAnnounce(cmd *cobra.Command, args []string) error {
	infoHash, err := dht.ParseID(args[0])
	if err != nil {
		return fmt.Errorf("invalid info-hash %q: %w", args[0], err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(announceTrackers) > 0 {
		cfg.Tracker.URLs = announceTrackers
	}

	node, err := peerdht.New(peerdht.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	defer node.Kill()

	var mu sync.Mutex
	seen := make(map[string]bool)
	node.OnPeers(func(source peerdht.Source, _ dht.ID, peers []peer.Peer) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range peers {
			if seen[p.String()] {
				continue
			}
			seen[p.String()] = true
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", source, p)
		}
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), announceWait)
	defer cancel()

	if announceNoDHT {
		err = announceTrackersOnly(ctx, cmd, node, infoHash)
	} else {
		err = announceEverywhere(ctx, node, infoHash)
	}
	if err != nil {
		return err
	}

	for _, tr := range node.Trackers() {
		printTrackerStatus(cmd, tr)
	}
	mu.Lock()
	fmt.Fprintf(cmd.OutOrStdout(), "%s peers found\n", humanize.Comma(int64(len(seen))))
	mu.Unlock()
	return nil
}

func announceEverywhere(ctx context.Context, node *peerdht.PeerDHT, infoHash dht.ID) error {
	if err := node.Start(); err != nil {
		return err
	}
	if err := waitReady(ctx, node); err != nil {
		return fmt.Errorf("DHT did not bootstrap: %w", err)
	}
	if err := node.Announce(infoHash, announcePort); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func announceTrackersOnly(ctx context.Context, cmd *cobra.Command, node *peerdht.PeerDHT, infoHash dht.ID) error {
	params := tracker.AnnounceParams{
		InfoHash: [20]byte(infoHash),
		PeerID:   node.PeerID(),
		Port:     announcePort,
		Event:    tracker.EventStarted,
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, tr := range node.Trackers() {
		tr := tr
		g.Go(func() error {
			result, err := tr.AnnounceWait(ctx, params)
			if err != nil {
				return err
			}
			for _, p := range result.Peers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", peerdht.SourceTracker, p)
			}
			return nil
		})
	}
	return g.Wait()
}

func printTrackerStatus(cmd *cobra.Command, tr *tracker.Tracker) {
	stats := tr.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "%s status=%s seeders=%s leechers=%s interval=%s\n",
		tr.URL(), tr.Status(),
		humanize.Comma(int64(stats.Complete)), humanize.Comma(int64(stats.Incomplete)),
		stats.Interval)
	if msg := tr.FailureMessage(); msg != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  failure: %s\n", msg)
	}
	if msg := tr.WarningMessage(); msg != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "  warning: %s\n", msg)
	}
}
