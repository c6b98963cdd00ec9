package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"topacc.org/internal/autopay"
	"topacc.org/internal/config"
	"topacc.org/internal/keeper"
	"topacc.org/internal/obs"
	"topacc.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

// The standalone keeper daemon. It shares the Postgres store with the API
// and sweeps due authorizations on its own cadence; the store enforces every
// charge invariant, so running it next to an in-process keeper is safe.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.PGDSN == "" {
		log.Fatal("keeper requires pg_dsn: the daemon shares the durable store with the API")
	}
	payoutMode, err := cfg.PayoutPolicy()
	if err != nil {
		log.Fatalf("payout policy: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.PGDSN, pg.WithPayoutMode(payoutMode), pg.WithStream(autopay.NewStream()))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	k := keeper.New(store,
		keeper.WithSweepInterval(cfg.Keeper.SweepInterval),
		keeper.WithBatchSize(cfg.Keeper.BatchSize),
		keeper.WithRate(cfg.Keeper.RatePerSecond, cfg.Keeper.Burst),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Println("Shutting down...")
		cancel()
	}()

	log.Printf("Starting topacc-keeper %s (sweep every %s)", version, cfg.Keeper.SweepInterval)
	if err := k.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("keeper: %v", err)
	}
	log.Println("Stopped")
}
