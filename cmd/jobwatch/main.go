// jobwatch follows transcription job progress over a WebSocket session and
// exposes the tracked jobs over a small HTTP API.
package main

import (
	"log/slog"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
