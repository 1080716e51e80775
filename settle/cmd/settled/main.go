package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/chain"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/ledger"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/listing"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/metrics"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/pg"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/server"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/settlement"
	"github.com/usenari-hub/zero-to-one-tool-sub000/settle/pkg/sweeper"
	"github.com/usenari-hub/zero-to-one-tool-sub000/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultHTTPAddr    = "0.0.0.0:8080"
	defaultMetricsAddr = ""
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	httpAddrFlag := flag.String("http-addr", defaultHTTPAddr, "address to listen on for the HTTP API (or set HTTP_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address for a standalone prometheus endpoint; empty serves /metrics on the API listener")
	databaseURLFlag := flag.String("database-url", "", "PostgreSQL connection string (or set DATABASE_URL env var)")
	migrateFlag := flag.Bool("migrate", true, "run database migrations on startup")
	sweepIntervalFlag := flag.Duration("sweep-interval", sweeper.DefaultInterval, "how often to expire overdue chains")
	chainTTLFlag := flag.Duration("chain-ttl", chain.DefaultChainTTL, "lifetime of an unsold referral chain")
	contactLockTTLFlag := flag.Duration("contact-lock-ttl", chain.DefaultContactLockTTL, "lifetime of a contact lock")
	charityAccountFlag := flag.String("charity-account", settlement.DefaultCharityAccountID, "ledger account credited with unclaimed degree slices")

	flag.Parse()

	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("HTTP_ADDR"); env != "" {
		*httpAddrFlag = env
	}
	if env := os.Getenv("METRICS_ADDR"); env != "" {
		*metricsAddrFlag = env
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		*databaseURLFlag = env
	}
	if *databaseURLFlag == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *migrateFlag {
		if err := pg.Migrate(log, *databaseURLFlag); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	pool, err := pg.Connect(ctx, pg.Config{Logger: log, URL: *databaseURLFlag})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	listings, err := listing.NewStore(listing.StoreConfig{Logger: log, DB: pool})
	if err != nil {
		return err
	}
	chains, err := chain.NewStore(chain.StoreConfig{
		Logger:         log,
		DB:             pool,
		ChainTTL:       *chainTTLFlag,
		ContactLockTTL: *contactLockTTLFlag,
	})
	if err != nil {
		return err
	}
	ledgerStore, err := ledger.NewStore(ledger.StoreConfig{Logger: log, DB: pool})
	if err != nil {
		return err
	}
	engine, err := settlement.NewEngine(settlement.EngineConfig{
		Logger:           log,
		DB:               pool,
		Ledger:           ledgerStore,
		CharityAccountID: *charityAccountFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:   log,
		Addr:     *httpAddrFlag,
		DB:       pool,
		Listings: listings,
		Chains:   chains,
		Ledger:   ledgerStore,
		Engine:   engine,
		Version:  version,
	})
	if err != nil {
		return err
	}

	sweep, err := sweeper.New(sweeper.Config{
		Logger:   log,
		Chains:   chains,
		Interval: *sweepIntervalFlag,
	})
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// Standalone metrics listener for deployments that keep /metrics off
	// the public API address.
	if *metricsAddrFlag != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	startTime := time.Now()
	log.Info("settled starting", "version", version, "commit", commit, "http_addr", *httpAddrFlag)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return sweep.Run(gctx) })

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("settled stopped", "uptime", time.Since(startTime).String())
	return nil
}
