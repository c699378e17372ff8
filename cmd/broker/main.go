// Command broker runs the WebRTC signaling matcher: bridges register an
// SDP offer and wait, clients request one and relay back an SDP answer.
// It never sees circuit traffic, only the SDP handshake.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wisptor/wisp-core/broker"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9070", "listen address")
	sweepInterval := flag.Duration("sweep-interval", 30*time.Second, "stale-registration sweep interval")
	maxAge := flag.Duration("max-age", 5*time.Minute, "maximum age of an unmatched registration")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	srv := broker.NewServer(logger)

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/stats", handleStats(srv))

	httpSrv := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.RunSweeper(ctx, *sweepInterval, *maxAge)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("broker listening", "addr", *addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "broker: %v\n", err)
		os.Exit(1)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleStats(srv *broker.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		available, tracked := srv.State.Stats()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{
			"available": available,
			"tracked":   tracked,
		})
	}
}
