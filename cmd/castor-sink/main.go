package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	addr := flag.String("addr", envOr("SRT_ADDR", ":6000"), "SRT listen address")
	allow := flag.String("allow", "", "Comma separated stream keys to accept (default all)")
	every := flag.Duration("report", 5*time.Second, "Health report interval (0 disables)")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var keys []string
	if *allow != "" {
		keys = strings.Split(*allow, ",")
	}
	srv := NewServer(*addr, keys, nil)
	slog.Info("castor-sink starting", "version", version, "srt", *addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	if *every > 0 {
		g.Go(func() error {
			t := time.NewTicker(*every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
				}
				for key, r := range srv.Reports() {
					slog.Info("stream health", "stream_key", key,
						"bytes", r.Bytes, "packets", r.Packets,
						"discontinuities", r.Discontinuities, "invalid", r.Invalid)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
