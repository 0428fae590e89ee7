package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Marketen/participation-indexer/internal/adapters"
	"github.com/Marketen/participation-indexer/internal/adapters/memory"
	"github.com/Marketen/participation-indexer/internal/adapters/postgres"
	"github.com/Marketen/participation-indexer/internal/api"
	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
	"github.com/Marketen/participation-indexer/internal/application/services"
	"github.com/Marketen/participation-indexer/internal/config"
	"github.com/Marketen/participation-indexer/internal/logger"
)

var (
	// verbosityFlag overrides LOG_LEVEL.
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (debug, info, warn, error); defaults to LOG_LEVEL",
	}

	fromEpochFlag = &cli.Uint64Flag{
		Name:  "from-epoch",
		Usage: "First epoch to backfill; overrides FROM_EPOCH",
	}

	maxEpochFlag = &cli.Uint64Flag{
		Name:  "max-epoch",
		Usage: "Last epoch to backfill, then exit; overrides MAX_EPOCH",
	}

	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "Address the query API listens on; overrides API_LISTEN_ADDR",
	}
)

func main() {
	app := cli.App{
		Name:  "participation-indexer",
		Usage: "indexes beacon chain attestations and serves participation rates",
		Flags: []cli.Flag{verbosityFlag},
		Commands: []*cli.Command{
			{
				Name:   "index",
				Usage:  "backfill epochs and ingest live attestations",
				Flags:  []cli.Flag{fromEpochFlag, maxEpochFlag},
				Action: runIndex,
			},
			{
				Name:   "api",
				Usage:  "serve participation queries over HTTP",
				Flags:  []cli.Flag{listenFlag},
				Action: runAPI,
			},
		},
	}

	app.Before = func(c *cli.Context) error {
		if c.IsSet(verbosityFlag.Name) {
			logger.SetLevel(logger.ParseLevel(c.String(verbosityFlag.Name)))
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("participation-indexer failed: %v", err)
		os.Exit(1)
	}
}

func runIndex(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.IsSet(fromEpochFlag.Name) {
		cfg.FromEpoch = domain.Epoch(c.Uint64(fromEpochFlag.Name))
	}
	if c.IsSet(maxEpochFlag.Name) {
		e := domain.Epoch(c.Uint64(maxEpochFlag.Name))
		cfg.MaxEpoch = &e
	}
	if cfg.Bounded() && *cfg.MaxEpoch < cfg.FromEpoch {
		return fmt.Errorf("max epoch %d is lower than from epoch %d", *cfg.MaxEpoch, cfg.FromEpoch)
	}

	logger.Info("Starting participation-indexer")
	logger.Info("Beacon node URL: %s", cfg.BeaconNodeURL)
	logger.Info("Store backend: %s", cfg.StoreBackend)
	if cfg.Bounded() {
		logger.Info("Backfill epochs %d..%d", cfg.FromEpoch, *cfg.MaxEpoch)
	} else {
		logger.Info("Backfill from epoch %d, poll interval %s", cfg.FromEpoch, cfg.PollInterval)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	beaconAdapter, err := adapters.NewBeaconHTTPAdapter(ctx, cfg.BeaconNodeURL)
	if err != nil {
		return fmt.Errorf("create beacon HTTP adapter: %w", err)
	}

	store, ping, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver := services.NewCommitteeResolver(beaconAdapter, store.Committees)
	driver := services.NewBackfillDriver(beaconAdapter, store, resolver, cfg.PollInterval)

	g, gctx := errgroup.WithContext(ctx)
	// runCtx ends every component once a bounded backfill is done.
	runCtx, finish := context.WithCancel(gctx)
	defer finish()

	g.Go(func() error {
		from := cfg.FromEpoch
		if err := driver.Run(runCtx, &from, cfg.MaxEpoch); err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		if cfg.Bounded() {
			logger.Info("Backfill reached epoch %d, stopping", *cfg.MaxEpoch)
			finish()
		}
		return nil
	})

	if cfg.LiveIngestion {
		live := services.NewLiveIngester(beaconAdapter, store.Attestations, resolver, cfg.LiveWorkers, cfg.LiveQueueSize)
		g.Go(func() error {
			err := live.Run(runCtx)
			stats := live.Stats()
			logger.Info("Live ingestion done: %d received, %d processed, %d failed, %d stream errors",
				stats.Received, stats.Processed, stats.Failed, stats.StreamErrors)
			return err
		})
	}

	if cfg.MetricsListenAddr != "" {
		controller := api.NewController(services.NewParticipation(store.Epochs, store.Validators), ping)
		serve(runCtx, g, cfg.MetricsListenAddr, controller.NewRouter())
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Warn("Shutting down...")
	return nil
}

func runAPI(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.IsSet(listenFlag.Name) {
		cfg.APIListenAddr = c.String(listenFlag.Name)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	controller := api.NewController(services.NewParticipation(store.Epochs, store.Validators), ping)

	g, gctx := errgroup.WithContext(ctx)
	serve(gctx, g, cfg.APIListenAddr, controller.NewRouter())
	return g.Wait()
}

// serve runs an HTTP server in g until ctx ends.
func serve(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server on %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// openStore builds the configured repository backend. ping checks the backend is
// reachable; closeStore releases it.
func openStore(
	ctx context.Context,
	cfg *config.Config,
) (store ports.Store, ping func(context.Context) error, closeStore func(), err error) {
	if cfg.StoreBackend == config.StoreBackendMemory {
		logger.Warn("Using in-memory store; nothing is persisted")
		return memory.New().Repositories(), nil, func() {}, nil
	}

	client, err := postgres.New(ctx, cfg.PostgresURL, postgres.DefaultPoolConfig(cfg.DBMaxConns))
	if err != nil {
		return ports.Store{}, nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return client.Store(), client.Pool.Ping, client.Close, nil
}
