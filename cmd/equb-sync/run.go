package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/devblac/equb-sync/internal/chain"
	"github.com/devblac/equb-sync/internal/config"
	"github.com/devblac/equb-sync/internal/health"
	"github.com/devblac/equb-sync/internal/metrics"
	"github.com/devblac/equb-sync/internal/reconcile"
	"github.com/devblac/equb-sync/internal/sink"
	"github.com/spf13/cobra"
)

// Sink rate limit: a burst of notifyBurst, then notifyRate per second.
const (
	notifyBurst = 20
	notifyRate  = 1
)

var (
	flagOnce    bool
	flagDryRun  bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Reconcile up to the confirmed head and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Do not send to sinks")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile contract events into the off-chain store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx, true)
		if err != nil {
			return err
		}
		defer e.Close()
		cfg, log := e.cfg, e.log

		routes, err := buildRoutes(cfg.Sinks)
		if err != nil {
			return err
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
			srv := &http.Server{Addr: flagMetrics, Handler: metricsMux(), ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer shutdown(srv)
		}

		sourceID := cfg.Chain.SourceID()
		scanner, err := chain.NewScanner(e.client, e.store, e.contract, chain.ScannerConfig{
			SourceID:      sourceID,
			StartBlock:    cfg.Chain.StartBlock,
			Confirmations: cfg.Global.Confirmations,
			BatchSize:     cfg.Global.BatchSize,
		})
		if err != nil {
			return err
		}

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(cfg.Chain.ID, e.client)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  e.store.Ping,
				RPCPing: rpcChecker.Ping,
				Cursor: func(ctx context.Context) (uint64, bool, error) {
					h, _, ok, err := e.store.GetCursor(ctx, sourceID)
					return h, ok, err
				},
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer shutdown(healthSrv)
		}

		notifier := reconcile.NewNotifier(routes, reconcile.NotifierOptions{
			Store:   e.store,
			Bucket:  reconcile.NewTokenBucket(notifyBurst, notifyRate),
			Metrics: mtr,
			Logger:  log,
			DryRun:  flagDryRun,
		})
		rec := reconcile.New(e.store, reconcile.Options{
			ChainID:        cfg.Chain.ID,
			MaxActiveEqubs: cfg.Global.MaxActiveEqubs,
			AutoImport:     cfg.Chain.AutoImport,
			Reader:         e.reader,
			Notifier:       notifier,
			Metrics:        mtr,
			Logger:         log,
		})
		dispatcher := reconcile.NewDispatcher(rec, log)
		defer dispatcher.Close()

		opts := reconcile.RunnerOptions{
			ChainID:      cfg.Chain.ID,
			PollInterval: cfg.Global.PollEvery(),
			Notifier:     notifier,
			Metrics:      mtr,
			Logger:       log,
		}
		if cfg.Chain.WSURL != "" && !flagOnce {
			ws, err := chain.NewRPCClient(ctx, cfg.Chain.WSURL)
			if err != nil {
				log.Warn("websocket dial failed, polling only", "err", err)
			} else {
				defer ws.Close()
				opts.Heads = ws
			}
		}
		runner := reconcile.NewRunner(scanner, dispatcher, opts)

		log.Info("reconciler started", "chain", cfg.Chain.ID, "contract", cfg.Chain.Contract, "source", sourceID,
			"confirmations", cfg.Global.Confirmations, "dry_run", flagDryRun)
		if flagOnce {
			if err := runner.Drain(ctx); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			return nil
		}
		return runner.Run(ctx)
	},
}

func buildRoutes(sinks []config.Sink) ([]reconcile.Route, error) {
	routes := make([]reconcile.Route, 0, len(sinks))
	for _, s := range sinks {
		var (
			sender sink.Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = sink.NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = sink.NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = sink.NewWebhookSender(s.URL, s.Method, s.Template, nil)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		routes = append(routes, reconcile.Route{ID: s.ID, Sender: sender, Wants: s.Wants})
	}
	return routes, nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = health.Shutdown(ctx, srv)
}
