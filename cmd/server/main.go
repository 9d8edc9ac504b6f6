package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	httpapi "github.com/example/ride-dispatch/internal/http"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN)
	}

	srv, err := httpapi.NewServerFromEnv(cfg)
	if err != nil {
		log.Fatalf("wiring: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// background offer expiry
	go srv.Matching.Run(ctx)

	hs := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		log.Printf("ride-dispatch listening on %s", cfg.HTTPAddr)
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if srv.Kafka != nil {
		_ = srv.Kafka.Close()
	}
}

func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		log.Printf("migration glob error: %v", err)
		return
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			log.Printf("migration read error: %v", err)
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			log.Printf("migration exec error (%s): %v", f, err)
		} else {
			log.Printf("migration applied: %s", filepath.Base(f))
		}
	}
}
