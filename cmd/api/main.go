package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"topacc.org/internal/autopay"
	"topacc.org/internal/config"
	"topacc.org/internal/httpapi"
	"topacc.org/internal/keeper"
	"topacc.org/internal/obs"
	"topacc.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	payoutMode, err := cfg.PayoutPolicy()
	if err != nil {
		log.Fatalf("payout policy: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	stream := autopay.NewStream()

	var (
		engine autopay.Engine
		probe  httpapi.ReadyProbe
		store  *pg.Store
	)
	if cfg.PGDSN != "" {
		store, err = pg.Open(cfg.PGDSN, pg.WithStream(stream), pg.WithPayoutMode(payoutMode))
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		engine = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Printf("no pg_dsn configured, running with the in-memory engine")
		engine = autopay.NewInMemory(
			autopay.WithStream(stream),
			autopay.WithPayoutMode(payoutMode),
		)
	}

	api := httpapi.New(engine, probe, version,
		httpapi.WithStream(stream),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	rootCtx, stopKeeper := context.WithCancel(context.Background())
	if cfg.Keeper.Enabled {
		k := keeper.New(engine,
			keeper.WithSweepInterval(cfg.Keeper.SweepInterval),
			keeper.WithBatchSize(cfg.Keeper.BatchSize),
			keeper.WithRate(cfg.Keeper.RatePerSecond, cfg.Keeper.Burst),
		)
		go func() {
			if err := k.Run(rootCtx); err != nil && err != context.Canceled {
				log.Printf("keeper stopped: %v", err)
			}
		}()
		log.Printf("in-process keeper enabled (sweep every %s)", cfg.Keeper.SweepInterval)
	}

	log.Printf("Starting topacc-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopKeeper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
