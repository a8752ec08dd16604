package main

import (
	"log/slog"
	"os"

	"github.com/footron/build-manager/cmd/build-manager/commands"
)

func main() {
	// Initialize structured logger with text format for readability
	commands.LogLevel.Set(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
