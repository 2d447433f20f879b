// Command walletd runs the device-local wallet: the SQLite-backed balance
// cache, the reward claim controller, the ledger reconciler, and the HTTP
// facade the app talks to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kolayodeme/matchpoints/internal/ads"
	"github.com/kolayodeme/matchpoints/internal/ledgerclient"
	"github.com/kolayodeme/matchpoints/internal/observability"
	"github.com/kolayodeme/matchpoints/internal/reconcile"
	"github.com/kolayodeme/matchpoints/internal/rewards"
	"github.com/kolayodeme/matchpoints/internal/store/cachestore"
	"github.com/kolayodeme/matchpoints/internal/walletapi"
	"github.com/kolayodeme/matchpoints/pkg/eventbus"
	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

const (
	flagListenAddr     = "listen-addr"
	flagCachePath      = "cache-path"
	flagAllowedOrigins = "allowed-origins"
	flagLedgerURL      = "ledger-url"
	flagLedgerToken    = "ledger-token"
	flagUserID         = "user-id"
	flagSimulateAds    = "simulate-ads"
	flagCooldown       = "cooldown"
	flagSyncInterval   = "sync-interval"
	envPrefix          = "WALLETD"

	defaultCachePath = "/tmp/matchpoints-wallet.db"
)

type runtimeConfig struct {
	ListenAddr     string
	CachePath      string
	AllowedOrigins []string
	LedgerURL      string
	LedgerToken    string
	UserID         string
	SimulateAds    bool
	Cooldown       time.Duration
	SyncInterval   time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "walletd",
		Short:         "Device-local credit wallet daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWallet(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagCachePath, defaultCachePath, "path of the SQLite wallet cache")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagLedgerURL, "", "base URL of the remote ledger API (empty disables sync)")
	cmd.Flags().String(flagLedgerToken, "", "bearer token for the remote ledger API")
	cmd.Flags().String(flagUserID, "", "ledger user id this wallet belongs to")
	cmd.Flags().Bool(flagSimulateAds, false, "use the simulated ad capability instead of a real SDK")
	cmd.Flags().Duration(flagCooldown, 0, "reward claim cooldown (default 1h)")
	cmd.Flags().Duration(flagSyncInterval, 0, "background reconciliation interval (default 15m)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagListenAddr, flagCachePath, flagAllowedOrigins, flagLedgerURL, flagLedgerToken, flagUserID, flagSimulateAds, flagCooldown, flagSyncInterval} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.CachePath = strings.TrimSpace(v.GetString(flagCachePath))
	cfg.AllowedOrigins = splitOrigins(v.GetString(flagAllowedOrigins))
	cfg.LedgerURL = strings.TrimSpace(v.GetString(flagLedgerURL))
	cfg.LedgerToken = strings.TrimSpace(v.GetString(flagLedgerToken))
	cfg.UserID = strings.TrimSpace(v.GetString(flagUserID))
	cfg.SimulateAds = v.GetBool(flagSimulateAds)
	cfg.Cooldown = v.GetDuration(flagCooldown)
	cfg.SyncInterval = v.GetDuration(flagSyncInterval)

	if cfg.CachePath == "" {
		return fmt.Errorf("cache path is required")
	}
	if cfg.LedgerURL != "" {
		if cfg.LedgerToken == "" {
			return fmt.Errorf("ledger token is required when a ledger url is set")
		}
		if cfg.UserID == "" {
			return fmt.Errorf("user id is required when a ledger url is set")
		}
	}
	return nil
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func runWallet(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := cachestore.Open(cfg.CachePath, logger)
	if err != nil {
		return fmt.Errorf("cache open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	cache, err := wallet.NewService(store, clock,
		wallet.WithOperationLogger(observability.NewOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("wallet init: %w", err)
	}

	bus := eventbus.New()
	metrics := observability.NewMetrics()
	unobserve := metrics.ObserveBus(bus)
	defer unobserve()

	var capability ads.Capability
	if cfg.SimulateAds {
		simulated := ads.NewSimulated(logger)
		if err := simulated.Initialize(ctx); err != nil {
			return fmt.Errorf("ad capability init: %w", err)
		}
		capability = simulated
	}

	controllerOptions := []rewards.Option{
		rewards.WithLogger(logger),
		rewards.WithRecorder(metrics),
	}
	if cfg.Cooldown > 0 {
		controllerOptions = append(controllerOptions, rewards.WithCooldown(cfg.Cooldown))
	}
	controller, err := rewards.NewController(cache, capability, bus, controllerOptions...)
	if err != nil {
		return fmt.Errorf("reward controller init: %w", err)
	}

	deps := walletapi.Deps{
		Cache:      cache,
		Controller: controller,
		Syncer:     offlineSyncer{},
		Bus:        bus,
		Metrics:    metrics,
		Logger:     logger,
	}

	if cfg.LedgerURL != "" {
		client, err := ledgerclient.New(cfg.LedgerURL, cfg.LedgerToken, ledgerclient.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("ledger client init: %w", err)
		}
		userID, err := wallet.NewUserID(cfg.UserID)
		if err != nil {
			return fmt.Errorf("user id: %w", err)
		}
		reconcilerOptions := []reconcile.Option{
			reconcile.WithLogger(logger),
			reconcile.WithRecorder(metrics),
		}
		if cfg.SyncInterval > 0 {
			reconcilerOptions = append(reconcilerOptions, reconcile.WithInterval(cfg.SyncInterval))
		}
		reconciler, err := reconcile.NewReconciler(cache, client, bus, userID, reconcilerOptions...)
		if err != nil {
			return fmt.Errorf("reconciler init: %w", err)
		}
		deps.Syncer = reconciler
		deps.Uploader = client
		go func() {
			if runErr := reconciler.Run(ctx); runErr != nil && ctx.Err() == nil {
				logger.Error("reconciler stopped", zap.Error(runErr))
			}
		}()
	} else {
		logger.Info("no ledger configured, running offline")
	}

	return walletapi.Run(ctx, walletapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	}, deps)
}

// offlineSyncer keeps the sync endpoint alive when no remote ledger is
// configured; every pass reports nothing to do.
type offlineSyncer struct{}

func (offlineSyncer) SyncOnce(ctx context.Context) (reconcile.Report, error) {
	return reconcile.Report{}, nil
}
