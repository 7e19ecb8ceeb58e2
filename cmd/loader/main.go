package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kazantaxi/dwh/pkg/loader"
	"github.com/kazantaxi/dwh/pkg/logger"
	"github.com/kazantaxi/dwh/pkg/marts"
	"github.com/kazantaxi/dwh/pkg/metrics"
	"github.com/kazantaxi/dwh/pkg/server"
	"github.com/kazantaxi/dwh/pkg/source"
	"github.com/kazantaxi/dwh/pkg/warehouse"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Warehouse database configuration
	dwhHostFlag := flag.String("dwh-host", "localhost", "warehouse Postgres host (or set DWH_DB_HOST env var)")
	dwhPortFlag := flag.String("dwh-port", "5432", "warehouse Postgres port (or set DWH_DB_PORT env var)")
	dwhDatabaseFlag := flag.String("dwh-database", "", "warehouse database name (or set DWH_DB_NAME env var)")
	dwhUsernameFlag := flag.String("dwh-username", "", "warehouse username (or set DWH_DB_USER env var)")
	dwhPasswordFlag := flag.String("dwh-password", "", "warehouse password (or set DWH_DB_PASSWORD env var)")
	dwhSSLModeFlag := flag.String("dwh-sslmode", "disable", "warehouse sslmode (or set DWH_DB_SSLMODE env var)")

	// Operational source database configuration
	srcHostFlag := flag.String("source-host", "localhost", "source Postgres host (or set SOURCE_DB_HOST env var)")
	srcPortFlag := flag.String("source-port", "5432", "source Postgres port (or set SOURCE_DB_PORT env var)")
	srcDatabaseFlag := flag.String("source-database", "", "source database name (or set SOURCE_DB_NAME env var)")
	srcUsernameFlag := flag.String("source-username", "", "source username (or set SOURCE_DB_USER env var)")
	srcPasswordFlag := flag.String("source-password", "", "source password (or set SOURCE_DB_PASSWORD env var)")
	srcSSLModeFlag := flag.String("source-sslmode", "disable", "source sslmode (or set SOURCE_DB_SSLMODE env var)")

	// File drop configuration
	dropDirFlag := flag.String("drop-dir", "./drop", "directory holding waybills/ and payments/ uploads (or set DROP_DIR env var)")

	// Run configuration
	runIntervalFlag := flag.Duration("run-interval", 15*time.Minute, "pause between periodic load runs")
	waybillLookbackFlag := flag.Duration("waybill-lookback", 12*time.Hour, "extraction lookback behind the watermark for waybill files")
	rideLookbackFlag := flag.Duration("ride-lookback", 2*time.Hour, "extraction lookback behind the watermark for rides and movement")
	runOnceFlag := flag.Bool("run-once", false, "execute a single load run and exit")
	listenAddrFlag := flag.String("listen-addr", ":8080", "ops HTTP server listen address (or set LISTEN_ADDR env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "run warehouse schema migrations using goose and exit")
	migrateStatusFlag := flag.Bool("migrate-status", false, "show warehouse migration status and exit")

	flag.Parse()

	// Local development reads credentials from .env.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	overrideFromEnv := map[string]*string{
		"DWH_DB_HOST":        dwhHostFlag,
		"DWH_DB_PORT":        dwhPortFlag,
		"DWH_DB_NAME":        dwhDatabaseFlag,
		"DWH_DB_USER":        dwhUsernameFlag,
		"DWH_DB_PASSWORD":    dwhPasswordFlag,
		"DWH_DB_SSLMODE":     dwhSSLModeFlag,
		"SOURCE_DB_HOST":     srcHostFlag,
		"SOURCE_DB_PORT":     srcPortFlag,
		"SOURCE_DB_NAME":     srcDatabaseFlag,
		"SOURCE_DB_USER":     srcUsernameFlag,
		"SOURCE_DB_PASSWORD": srcPasswordFlag,
		"SOURCE_DB_SSLMODE":  srcSSLModeFlag,
		"DROP_DIR":           dropDirFlag,
		"LISTEN_ADDR":        listenAddrFlag,
	}
	for env, target := range overrideFromEnv {
		if v := os.Getenv(env); v != "" {
			*target = v
		}
	}

	dwhCfg := warehouse.Config{
		Host:     *dwhHostFlag,
		Port:     *dwhPortFlag,
		Database: *dwhDatabaseFlag,
		Username: *dwhUsernameFlag,
		Password: *dwhPasswordFlag,
		SSLMode:  *dwhSSLModeFlag,
	}

	if *migrateFlag {
		return warehouse.Migrate(context.Background(), log, dwhCfg)
	}
	if *migrateStatusFlag {
		return warehouse.MigrationStatus(context.Background(), log, dwhCfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dwhPool, err := warehouse.NewPool(ctx, log, dwhCfg)
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer dwhPool.Close()

	srcPool, err := warehouse.NewPool(ctx, log, warehouse.Config{
		Host:     *srcHostFlag,
		Port:     *srcPortFlag,
		Database: *srcDatabaseFlag,
		Username: *srcUsernameFlag,
		Password: *srcPasswordFlag,
		SSLMode:  *srcSSLModeFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to source: %w", err)
	}
	defer srcPool.Close()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ldr, err := loader.New(loader.Config{
		Logger:          log,
		Source:          source.NewOpDB(log, srcPool),
		Drop:            source.NewFileDrop(log, *dropDirFlag),
		Facts:           warehouse.NewFactStore(log, dwhPool),
		Cars:            warehouse.NewDimensionStore(log, dwhPool, warehouse.Cars),
		Drivers:         warehouse.NewDimensionStore(log, dwhPool, warehouse.Drivers),
		Clients:         warehouse.NewDimensionStore(log, dwhPool, warehouse.Clients),
		RunLog:          warehouse.NewBatchLog(log, dwhPool),
		Marts:           marts.NewRefresher(log, dwhPool),
		RunInterval:     *runIntervalFlag,
		WaybillLookback: *waybillLookbackFlag,
		RideLookback:    *rideLookbackFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create loader: %w", err)
	}

	if *runOnceFlag {
		return ldr.RunOnce(ctx)
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		ListenAddr: *listenAddrFlag,
		VersionInfo: server.VersionInfo{
			Version: version,
			Commit:  commit,
			Date:    date,
		},
	}, ldr)
	if err != nil {
		return fmt.Errorf("failed to create ops server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ldr.Start(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
