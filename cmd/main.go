// khidma-dispatch-service
//
// Matches service jobs with nearby technicians. Exposes a REST API used by
// the Gateway to implement:
//   - createJob       — open a job and start the tiered technician search
//   - acceptJob       — first technician to accept wins
//   - price flow      — propose / confirm / reject / counter-offer
//   - complete + rate — close out finished work
//   - presence        — technician location and online status
//
// Unmatched jobs are retried automatically by the hourly sweep.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"khidma/dispatch-service/internal/config"
	"khidma/dispatch-service/internal/db"
	"khidma/dispatch-service/internal/geo"
	"khidma/dispatch-service/internal/httpapi"
	"khidma/dispatch-service/internal/job"
	"khidma/dispatch-service/internal/notify"
	"khidma/dispatch-service/internal/retry"
	"khidma/dispatch-service/internal/search"
	"khidma/dispatch-service/internal/store"
)

const version = "1.0.0"

func main() {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[dispatch-service] Config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	log.Println("[dispatch-service] Connecting to PostgreSQL…")
	pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[dispatch-service] PostgreSQL: %v", err)
	}
	defer pool.Close()
	log.Println("[dispatch-service] PostgreSQL connected ✓")

	// ── Redis ────────────────────────────────────────────────────────────────
	log.Println("[dispatch-service] Connecting to Redis…")
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("[dispatch-service] Redis: %v", err)
	}
	defer rdb.Close()
	log.Println("[dispatch-service] Redis connected ✓")

	// ── Services ─────────────────────────────────────────────────────────────
	jobStore := store.NewPostgres(pool)
	notifier := notify.NewService(pool, rdb)
	lookup := geo.NewRedisLookup(rdb)
	presence := geo.NewPresence(pool, rdb)

	manager := search.NewManager(jobStore, lookup, notifier, nil, 0)
	jobs := job.NewService(jobStore, manager, notifier)

	scheduler := retry.New(jobStore, manager, time.Duration(cfg.RetryIntervalHours)*time.Hour)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("[dispatch-service] Retry scheduler: %v", err)
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods(http.MethodGet)
	httpapi.NewHandler(jobs, presence, notifier).RegisterRoutes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[dispatch-service] v%s listening on :%s", version, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[dispatch-service] HTTP server error: %v", err)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[dispatch-service] Shutting down…")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[dispatch-service] Shutdown error: %v", err)
	}
	scheduler.Stop()
	manager.Close()
	log.Println("[dispatch-service] Stopped.")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": "dispatch-service",
		"version": version,
	})
}
