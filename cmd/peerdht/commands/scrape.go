package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/peerdht/dht"
	"github.com/opd-ai/peerdht/scheduler"
	"github.com/opd-ai/peerdht/tracker"
)

var scrapeTrackers []string

var scrapeCmd = &cobra.Command{
	Use:   "scrape <info-hash>",
	Short: "Query trackers for swarm statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runScrape,
}

func init() {
	scrapeCmd.Flags().StringSliceVar(&scrapeTrackers, "tracker", nil, "tracker announce URL (overrides tracker.urls, repeatable)")

	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, args []string) error {
	infoHash, err := dht.ParseID(args[0])
	if err != nil {
		return fmt.Errorf("invalid info-hash %q: %w", args[0], err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	urls := cfg.Tracker.URLs
	if len(scrapeTrackers) > 0 {
		urls = scrapeTrackers
	}
	if len(urls) == 0 {
		return fmt.Errorf("no trackers configured")
	}

	sched := scheduler.New("scrape")
	defer sched.Close()

	trackers := make([]*tracker.Tracker, 0, len(urls))
	for _, u := range urls {
		tr, err := tracker.New(u, sched, cfg.TrackerOptions()...)
		if err != nil {
			return err
		}
		trackers = append(trackers, tr)
	}

	results := make([]*tracker.ScrapeResult, len(trackers))
	g, ctx := errgroup.WithContext(cmd.Context())
	for i, tr := range trackers {
		i, tr := i, tr
		if !tr.CanScrape() {
			continue
		}
		g.Go(func() error {
			r, err := tr.ScrapeWait(ctx, tracker.ScrapeParams{InfoHash: [20]byte(infoHash)})
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, tr := range trackers {
		r := results[i]
		switch {
		case r == nil:
			fmt.Fprintf(cmd.OutOrStdout(), "%s scrape not supported\n", tr.URL())
		case !r.Success:
			fmt.Fprintf(cmd.OutOrStdout(), "%s status=%s error=%v\n", tr.URL(), tr.Status(), r.Err)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%s seeders=%s leechers=%s downloaded=%s\n", tr.ScrapeURL(),
				humanize.Comma(int64(r.Complete)), humanize.Comma(int64(r.Incomplete)),
				humanize.Comma(int64(r.Downloaded)))
		}
	}
	return nil
}
