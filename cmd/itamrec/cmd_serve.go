package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/itamrec/api"
	"github.com/yairfalse/itamrec/internal/daemon"
	"github.com/yairfalse/itamrec/policy"
	"github.com/yairfalse/itamrec/reconciler"
	"github.com/yairfalse/itamrec/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the query API, metrics endpoint and source watcher",
	Long: `Run itamrec as a long-lived service.

On start the latest dataset pair is reconciled once; a failure is logged
and the previous snapshot keeps being served. With watch.enabled the
source directories are watched and every burst of changes triggers a
reconcile of the latest pair.

With the default bolt storage driver the database file is locked while
serve runs, so the summary, records, history and reconcile commands fail
until it stops. Use the HTTP API instead, or the sqlite or postgres driver
to share the store.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.OTEL.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTEL.Endpoint,
		Insecure:       cfg.OTEL.Insecure,
		TracesEnabled:  cfg.OTEL.Traces.Enabled,
		SampleRate:     cfg.OTEL.Traces.Rate(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	reconcileMetrics, err := reconciler.NewMetrics(providers.Meter)
	if err != nil {
		return err
	}
	daemonMetrics, err := daemon.NewMetrics(providers.Meter)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, reconciler.WithMetrics(reconcileMetrics))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	scope, err := policy.LoadScopeEngine(ctx, cfg.Policy.Path)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(a.store, scope,
		api.WithEngine(a.engine),
		api.WithSources(a.itam, a.active),
	)

	d := daemon.NewDaemon(daemon.Config{
		APIAddr:     cfg.API.Addr,
		MetricsAddr: cfg.Metrics.Addr,
		Watch:       cfg.Watch.Enabled,
		WatchDirs:   watchDirs(cfg),
		Debounce:    cfg.Watch.Debounce,
	}, a.engine,
		daemon.WithAPI(apiServer),
		daemon.WithGatherer(providers.Registry),
		daemon.WithMetrics(daemonMetrics),
	)

	return d.Run(ctx)
}
