package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/peerdht"
	"github.com/opd-ai/peerdht/config"
	"github.com/opd-ai/peerdht/dht"
	"github.com/opd-ai/peerdht/metrics"
	"github.com/opd-ai/peerdht/peer"
)

var (
	dhtListen        string
	dhtLookups       []string
	dhtAnnouncePort  int
	dhtStatsInterval time.Duration
	dhtUPnP          bool
)

var dhtCmd = &cobra.Command{
	Use:   "dht",
	Short: "Run a DHT node until interrupted",
	Long: `Run a DHT node. The routing table is loaded from and saved to the
configured nodes file. Optional info-hashes are looked up, or announced when
--announce-port is set, once the node has bootstrapped.`,
	RunE: runDHT,
}

func init() {
	dhtCmd.Flags().StringVar(&dhtListen, "listen", "", "UDP listen address (overrides dht.listen)")
	dhtCmd.Flags().StringSliceVar(&dhtLookups, "lookup", nil, "info-hash to look up (hex, repeatable)")
	dhtCmd.Flags().IntVar(&dhtAnnouncePort, "announce-port", 0, "announce looked up info-hashes on this port")
	dhtCmd.Flags().BoolVar(&dhtUPnP, "upnp", false, "map the listen port on the local gateway (overrides dht.upnp)")
	dhtCmd.Flags().DurationVar(&dhtStatsInterval, "stats-interval", time.Minute, "how often to print routing statistics")

	rootCmd.AddCommand(dhtCmd)
}

func runDHT(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dhtListen != "" {
		cfg.DHT.Listen = dhtListen
	}
	if cmd.Flags().Changed("upnp") {
		cfg.DHT.UPnP = dhtUPnP
	}
	infoHashes, err := parseInfoHashes(dhtLookups)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	options := peerdht.OptionsFromConfig(cfg)
	registry := prometheus.NewRegistry()
	if cfg.Metrics.Listen != "" {
		options.Metrics = metrics.New(registry)
	}

	node, err := peerdht.New(options)
	if err != nil {
		return err
	}
	defer node.Kill()

	node.OnPeers(func(source peerdht.Source, infoHash dht.ID, peers []peer.Peer) {
		for _, p := range peers {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", infoHash, source, p)
		}
	})

	if err := node.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg, registry) })
	}
	g.Go(func() error {
		if err := waitReady(ctx, node); err != nil {
			return err
		}
		for _, ih := range infoHashes {
			var err error
			if dhtAnnouncePort > 0 {
				err = node.Announce(ih, dhtAnnouncePort)
			} else {
				err = node.GetPeers(ih)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error { return printStats(ctx, cmd, node) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(ctx context.Context, cfg *config.Config, registry *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveMetrics",
		"address":  cfg.Metrics.Listen,
	}).Info("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func printStats(ctx context.Context, cmd *cobra.Command, node *peerdht.PeerDHT) error {
	if dhtStatsInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(dhtStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := node.Engine().Stats()
			if err != nil {
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state=%s nodes=%d pending=%d in=%s out=%s stored=%d\n",
				stats.State, stats.Nodes, stats.PendingQueries,
				humanize.Bytes(uint64(stats.BytesIn)), humanize.Bytes(uint64(stats.BytesOut)),
				stats.StoredInfoHashes)
		}
	}
}

// waitReady blocks until the engine has bootstrapped.
func waitReady(ctx context.Context, node *peerdht.PeerDHT) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for node.Engine().State() != dht.Ready {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func parseInfoHashes(values []string) ([]dht.ID, error) {
	ids := make([]dht.ID, 0, len(values))
	for _, v := range values {
		id, err := dht.ParseID(v)
		if err != nil {
			return nil, fmt.Errorf("invalid info-hash %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
