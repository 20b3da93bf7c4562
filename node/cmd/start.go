package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LumeraProtocol/ledgernode/node/config"
	"github.com/LumeraProtocol/ledgernode/p2p"
	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
	"github.com/LumeraProtocol/ledgernode/pkg/errors"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

const metricsShutdownTimeout = 5 * time.Second

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ledger node overlay",
	Long: `Start the overlay using the configuration file. The node joins the network
through its bootstrap nodes (or its last snapshot) and serves until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Initialize logging
		logtrace.Setup("ledgernode", "dev", logtrace.ParseLevel(cfg.Log.Level))
		defer logtrace.Sync()

		// Create context with correlation ID for tracing
		ctx := logtrace.CtxWithCorrelationID(context.Background(), "ledgernode-start")
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		logtrace.Info(ctx, "Starting ledger node with configuration", logtrace.Fields{
			"config_file": cfgFile,
			"key_file":    cfg.KeyFilePath(),
			"port":        cfg.P2P.Port,
			"seed":        cfg.P2P.Seed,
		})

		if err := cfg.EnsureDirs(); err != nil {
			return err
		}
		kp, err := kademlia.LoadOrCreateKeypair(cfg.KeyFilePath())
		if err != nil {
			logtrace.Error(ctx, "Failed to load node key", logtrace.Fields{
				logtrace.FieldError: err.Error(),
			})
			return err
		}

		service, err := p2p.New(ctx, cfg.P2PServiceConfig(), kp)
		if err != nil {
			logtrace.Error(ctx, "Failed to initialize p2p service", logtrace.Fields{
				logtrace.FieldError: err.Error(),
			})
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return service.Run(gctx)
		})
		g.Go(func() error {
			return logEvents(gctx, service.Events())
		})
		if cfg.Metrics.ListenAddress != "" {
			g.Go(func() error {
				return serveMetrics(gctx, cfg.Metrics, service.Registry())
			})
		}

		if err := g.Wait(); err != nil {
			logtrace.Error(ctx, "Ledger node stopped with error", logtrace.Fields{
				logtrace.FieldError:      err.Error(),
				logtrace.FieldStackTrace: errors.Stack(err),
			})
			return err
		}
		logtrace.Info(ctx, "Ledger node stopped", logtrace.Fields{})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

// logEvents reports overlay notifications until ctx is done or the stream closes.
func logEvents(ctx context.Context, events <-chan kademlia.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			fields := logtrace.Fields{logtrace.FieldModule: "node", "event": e.Type.String()}
			if e.Peer != nil {
				fields[logtrace.FieldPeer] = e.Peer.String()
			}
			if e.Err != nil {
				fields["attempt"] = e.Attempt
				fields[logtrace.FieldError] = e.Err.Error()
			}
			logtrace.Info(ctx, "overlay event", fields)
		}
	}
}

// serveMetrics exposes the overlay registry on /metrics until ctx is done.
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logtrace.Info(ctx, "Serving metrics", logtrace.Fields{"address": cfg.ListenAddress})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
