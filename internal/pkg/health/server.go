package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fliqwatch/fliqwatch/internal/pkg/models"
)

// Status is the watcher state reported on /health.
type Status struct {
	State          string    `json:"state"`
	Cycles         int64     `json:"cycles"`
	LastCycleAt    time.Time `json:"last_cycle_at,omitempty"`
	TrackedMarkets int       `json:"tracked_markets"`
}

// StatusFunc reports the current watcher status.
type StatusFunc func(ctx context.Context) (Status, error)

// MarketsFunc lists the markets in the seen store.
type MarketsFunc func(ctx context.Context) ([]models.Market, error)

// Run starts the health/metrics HTTP server in the background and shuts it
// down when ctx is cancelled.
func Run(ctx context.Context, addr, service string, status StatusFunc, markets MarketsFunc, readHeaderTimeout time.Duration) {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "pong")
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		st, err := status(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read status: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			slog.Error("Health server: failed to encode status", "error", err)
		}
	})

	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		list, err := markets(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to list markets: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(list); err != nil {
			slog.Error("Health server: failed to encode markets", "error", err)
		}
	})

	mux.Handle("/metrics", promhttp.Handler())

	if readHeaderTimeout <= 0 {
		slog.Error("read_header_timeout must be specified in config")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("Health server listening", "service", service, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health server error", "service", service, "error", err)
		}
	}()
}

// AddrFor builds the listen address for a port.
func AddrFor(port int) string {
	if port <= 0 {
		slog.Error("port must be greater than 0")
		os.Exit(1)
	}
	return fmt.Sprintf(":%d", port)
}
