package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reims/reims-ai/internal/audit"
	"github.com/reims/reims-ai/internal/config"
	"github.com/reims/reims-ai/internal/server"
)

// Package cli implements the reims-ai command line.
//
// Commands:
//   detect           run the ensemble over one or more series (file or stdin)
//   serve            run the HTTP API with hot configuration reload
//   cache list       show cached models
//   cache invalidate deactivate cached models by scope and type
//   cache prune      delete inactive and expired models
//   config validate  check a configuration file
//
// Every command loads configuration through config.ConfigManager (file,
// REIMS_* environment, defaults) and logs through the audit package.

// skipValidation marks commands that report validation problems themselves.
const skipValidation = "reims.io/skip-validation"

type app struct {
	configPath string
	logLevel   string

	mgr    config.ConfigManager
	cfg    *config.Config
	logger *zap.Logger
	audit  audit.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdin, os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(in io.Reader, out, errOut io.Writer) *cobra.Command {
	return newRootCommand(in, out, errOut)
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{
		logger: zap.NewNop(),
		audit:  audit.NopLogger{},
		stdin:  in,
		stdout: out,
		stderr: errOut,
	}

	cmd := &cobra.Command{
		Use:           "reims-ai",
		Short:         "Anomaly detection ensemble for financial account series",
		Long:          "reims-ai runs statistical, seasonal and model-based detectors over account series, combines them by weighted consensus and scores the financial impact of each finding.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       server.Version,
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultConfigPath, "path to the configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		newDetectCmd(a),
		newServeCmd(a),
		newCacheCmd(a),
		newConfigCmd(a),
	)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.init(cmd.Context(), cmd.Annotations[skipValidation] == "")
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return a.close()
	}

	cmd.SetErrPrefix("reims-ai: ")
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	return cmd
}

// init loads configuration and builds the loggers.
func (a *app) init(ctx context.Context, validate bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load %s: %w", a.configPath, err)
	}
	a.mgr = mgr
	a.cfg = mgr.Get(ctx)
	if lvl := strings.TrimSpace(a.logLevel); lvl != "" {
		a.cfg.Logging.Level = strings.ToLower(lvl)
	}
	if !validate {
		return nil
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}

	logCfg := loggingConfig(a.cfg)
	logger, err := audit.NewAppLogger(logCfg, a.stderr)
	if err != nil {
		return err
	}
	trail, err := audit.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	a.logger = logger
	a.audit = trail
	_ = a.audit.LogConfigLoaded(ctx, a.configPath)
	return nil
}

func (a *app) close() error {
	err := a.audit.Close()
	// Sync on a terminal stderr fails on some platforms; nothing to recover.
	_ = a.logger.Sync()
	return err
}

func loggingConfig(cfg *config.Config) *audit.Config {
	lc := audit.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Format = cfg.Logging.Format
	lc.AppLogPath = cfg.Logging.File
	lc.AuditLogPath = cfg.Logging.AuditFile
	lc.MaxSize = cfg.Logging.MaxSizeMB
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	return lc
}
