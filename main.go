package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"parlor/server/internal/chatroom"
	"parlor/server/internal/clock"
	"parlor/server/internal/diag"
	"parlor/server/internal/host"
	"parlor/server/internal/room"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	configPath := flag.String("config", "", "Path to the chat room JSON configuration")
	space := flag.String("space", "/chat", "Chat resource path (when -config is not given)")
	nicknames := flag.String("nicknames", "", "Comma-separated nickname pool (when -config is not given)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(*configPath, *space, *nicknames)
	if err != nil {
		slog.Error("load configuration", "err", err)
		os.Exit(1)
	}

	slog.Info("starting server", "version", Version, "addr", *addr, "space", cfg.Space)

	h := host.New(clock.System(), diag.Slog(slog.Default()))
	plugin, err := chatroom.Load(h, cfg)
	if err != nil {
		slog.Error("load chat room plugin", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go runMetrics(ctx, plugin.Room(), 30*time.Second)

	slog.Info("listening", "addr", *addr)
	if err := h.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	plugin.Unload()
	slog.Info("server stopped")
}

// loadConfig reads the plugin configuration from a JSON file, or builds a
// minimal one from flags when no file is given.
func loadConfig(path, space, nicknames string) (chatroom.Config, error) {
	if path == "" {
		cfg := chatroom.Config{Space: space}
		if nicknames != "" {
			cfg.Nicknames = strings.Split(nicknames, ",")
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return chatroom.Config{}, fmt.Errorf("read configuration: %w", err)
	}
	var cfg chatroom.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return chatroom.Config{}, fmt.Errorf("parse configuration: %w", err)
	}
	return cfg, nil
}

// runMetrics logs room stats every interval until ctx is canceled.
func runMetrics(ctx context.Context, rm *room.Room, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := rm.Stats()
			if st.Sessions > 0 || st.Tells > 0 {
				slog.Debug("room stats",
					"sessions", st.Sessions,
					"tells", st.Tells,
					"questions", st.Questions,
					"awards", st.Awards,
					"penalties", st.Penalties)
			}
		}
	}
}
