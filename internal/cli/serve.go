package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/audit"
	"github.com/reims/reims-ai/internal/config"
	"github.com/reims/reims-ai/internal/modelcache"
	"github.com/reims/reims-ai/internal/server"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the detection API over HTTP",
		Long:  "Serves the detection API. Detector, ensemble and impact settings are reloaded when the configuration file changes; model cache and listener settings require a restart.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !cmd.Flags().Changed("addr") {
				addr = a.cfg.Server.Addr
			}

			eng, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			srvCfg := server.Config{
				Addr:             addr,
				MetricsAddr:      a.cfg.Metrics.Addr,
				DetectRatePerMin: a.cfg.Server.DetectRatePerMin,
			}
			srv, err := server.NewServer(srvCfg, eng.pipeline, eng.cache,
				server.WithLogger(a.logger.Named("server")),
				server.WithAudit(a.audit),
			)
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reims-ai listening on %s\n", addr)

			go a.watchConfig(ctx, srv, eng.cache)

			var runErr error
			select {
			case <-ctx.Done():
				a.logger.Info("shutdown signal received")
			case runErr = <-srv.Errors():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (default server.addr)")
	return cmd
}

// watchConfig rebuilds the pipeline whenever the configuration file changes.
// An invalid change is logged and the running pipeline kept.
func (a *app) watchConfig(ctx context.Context, srv *server.Server, cache *modelcache.Cache) {
	changes := a.mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-changes:
			if err := a.applyConfig(ctx, &cfg, srv, cache); err != nil {
				a.logger.Warn("configuration change rejected", zap.Error(err))
			}
		}
	}
}

func (a *app) applyConfig(ctx context.Context, cfg *config.Config, srv *server.Server, cache *modelcache.Cache) error {
	if errs := cfg.Validate(); len(errs) > 0 {
		return errs[0]
	}
	p, err := buildPipeline(cfg, cache, a.logger)
	if err != nil {
		return err
	}
	srv.SetPipeline(p)
	a.logger.Info("configuration reloaded", zap.Strings("detectors", kindNames(p)))
	return a.audit.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
		WithMetadata("path", a.configPath).
		WithDescription("Pipeline rebuilt from changed configuration"))
}
