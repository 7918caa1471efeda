package main

import (
	"log/slog"
	"os"

	"github.com/twoyi/twoyi-server/cmd/twoyi-server/commands"
)

func main() {
	// Structured text logging on stdout; the embedding app captures it.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
