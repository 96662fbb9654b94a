package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"worldsync.gg/internal/relayd"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to relayd.yaml (defaults apply when empty)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		mapName    = flag.String("map", "", "map served by this relay (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[relayd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := relayd.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*addr) != "" {
		cfg.Addr = strings.TrimSpace(*addr)
	}
	if strings.TrimSpace(*mapName) != "" {
		cfg.Map = strings.TrimSpace(*mapName)
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("WORLDSYNC_RELAY_SECRET")
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := relayd.NewServer(cfg, logger)
	defer srv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := srv.Stats()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP worldsync_relay_clients Current number of connected clients.\n")
		fmt.Fprintf(rw, "# TYPE worldsync_relay_clients gauge\n")
		fmt.Fprintf(rw, "worldsync_relay_clients{map=%q} %d\n", cfg.Map, m.Clients)

		fmt.Fprintf(rw, "# HELP worldsync_relay_frames_total Total frames accepted from clients.\n")
		fmt.Fprintf(rw, "# TYPE worldsync_relay_frames_total counter\n")
		fmt.Fprintf(rw, "worldsync_relay_frames_total{map=%q} %d\n", cfg.Map, m.FramesTotal)

		fmt.Fprintf(rw, "# HELP worldsync_relay_broadcast_drops_total Frames dropped on saturated client queues.\n")
		fmt.Fprintf(rw, "# TYPE worldsync_relay_broadcast_drops_total counter\n")
		fmt.Fprintf(rw, "worldsync_relay_broadcast_drops_total{map=%q} %d\n", cfg.Map, m.DropsTotal)
	})
	mux.HandleFunc("/v1/ws", srv.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s map=%s siblings=%d", cfg.Addr, cfg.Map, len(cfg.Siblings))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
