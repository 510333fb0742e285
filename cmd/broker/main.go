package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/reverseproxy/internal/broker"
)

func main() {
	configPath := flag.String("config", "configs/broker.yaml", "path to broker configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := broker.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	server := broker.NewServer(cfg, nil, nil)
	slog.Info("broker starting")
	if err := server.Run(); err != nil {
		slog.Error("broker server exited with error", "err", err)
		os.Exit(1)
	}
}
