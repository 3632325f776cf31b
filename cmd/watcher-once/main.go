// watcher-once runs one fetch-detect-dispatch-persist cycle and exits.
// Suitable for cron or CI schedules instead of the long-running watcher.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fliqwatch/fliqwatch/internal/pkg/config"
	"github.com/fliqwatch/fliqwatch/internal/pkg/fliq"
	"github.com/fliqwatch/fliqwatch/internal/pkg/logging"
	"github.com/fliqwatch/fliqwatch/internal/pkg/storage"
	"github.com/fliqwatch/fliqwatch/internal/watcher"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.SetupLogger("fliq-watcher-once")

	store, err := storage.Open(&cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open seen store: %v", err)
	}
	defer store.Close()

	client := fliq.NewClient(&cfg.Fliq)

	var notifier watcher.Notifier
	if cfg.Telegram.BotToken != "" {
		tn, err := watcher.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			log.Fatalf("Failed to create telegram notifier: %v", err)
		}
		notifier = tn
	} else {
		slog.Info("Telegram disabled; no token/chat id")
		notifier = watcher.NewLogNotifier()
	}

	removed := watcher.NewRemovedLog(cfg.Watcher.RemovedLogPath)
	w := watcher.New(&cfg.Watcher, client, store, notifier, removed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := w.RunOnce(ctx); err != nil {
		log.Fatalf("Run failed: %v", err)
	}
}
