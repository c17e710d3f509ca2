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

	"voteauth.org/internal/authmethods"
	"voteauth.org/internal/config"
	"voteauth.org/internal/httpapi"
	"voteauth.org/internal/khmac"
	"voteauth.org/internal/messenger"
	"voteauth.org/internal/obs"
	"voteauth.org/internal/pipeline"
	"voteauth.org/internal/store/pg"
	"voteauth.org/internal/tally"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("VOTEAUTH_CONFIG"), "Path to YAML config")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Postgres.DSN == "" {
		log.Fatal("missing DSN: set postgres.dsn or VOTEAUTH_PG_DSN")
	}

	store, err := pg.Open(cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	signer := khmac.New(cfg.Auth.SharedSecret)
	registry := authmethods.NewRegistry(&authmethods.Deps{
		Store:     store,
		Pipeline:  pipeline.NewEngine(store.Lists(), store.Attempts()),
		Signer:    signer,
		Sender:    messenger.LogSender{},
		MailFrom:  cfg.Mail.From,
		LinkBase:  cfg.Mail.LinkBase,
		Providers: cfg.Auth.OIDCProviders,
	})

	api := httpapi.New(httpapi.Options{
		Store:        store,
		Registry:     registry,
		Signer:       signer,
		TokenMaxAge:  cfg.Auth.TokenMaxAge,
		ReadyProbe:   httpapi.ReadyProbe{DB: store.DB()},
		Version:      version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateBurst:    cfg.Server.RateBurst,
		RatePerSec:   cfg.Server.RatePerSec,
	})

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	if cfg.Tally.BaseURL != "" {
		loop := tally.NewLoop(store, tally.NewClient(cfg.Tally.BaseURL, cfg.Tally.Timeout, signer))
		go loop.Run(loopCtx, cfg.Tally.Interval)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting voteauth-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
