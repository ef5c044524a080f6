package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/imgsearch/cmd/imgsearch/commands"
)

func main() {
	// Results go to stdout; logs stay on stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: commands.LogLevel,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
