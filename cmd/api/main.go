package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"healthex.org/internal/grants"
	"healthex.org/internal/httpapi"
	"healthex.org/internal/identity"
	"healthex.org/internal/market"
	"healthex.org/internal/obs"
	"healthex.org/internal/records"
	"healthex.org/internal/store/pg"
	"healthex.org/internal/stream"
	"healthex.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	probe := httpapi.ReadyProbe{}
	deps, store, err := buildDeps()
	if err != nil {
		log.Fatalf("wire services: %v", err)
	}
	if store != nil {
		probe.DB = store.DB()
	}

	// The escrow account must exist before the first request is funded.
	if _, err := deps.Credits.CreateAccount(context.Background(), market.CustodyAccount, 0); err != nil && !errors.Is(err, token.ErrAlreadyExists) {
		log.Fatalf("bootstrap custody account: %v", err)
	}

	api := httpapi.New(probe, version, deps)

	addr := os.Getenv("HEALTHEX_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting healthex-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}

// buildDeps wires Postgres-backed services when HEALTHEX_PG_DSN is set and
// falls back to the in-memory stack otherwise.
func buildDeps() (httpapi.Deps, *pg.Store, error) {
	evts := stream.New()

	if dsn := os.Getenv("HEALTHEX_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			return httpapi.Deps{}, nil, err
		}
		return httpapi.Deps{
			Registry: store.Identity(),
			Records:  store.Records(),
			Grants:   store.Grants(),
			Credits:  store.Credits(),
			Market:   store.Market(),
			Stream:   evts,
		}, store, nil
	}

	registry := identity.NewInMemory()
	catalog := records.NewInMemory(registry)
	credits := token.NewInMemory()
	return httpapi.Deps{
		Registry: registry,
		Records:  catalog,
		Grants:   grants.NewInMemory(catalog),
		Credits:  credits,
		Market:   market.NewInMemory(token.NewFunds(credits), catalog),
		Stream:   evts,
	}, nil, nil
}
