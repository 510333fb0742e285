package main

import (
	"log/slog"
	"os"

	"github.com/reverseproxy/internal/agent"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := agent.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
