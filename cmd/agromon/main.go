package main

import (
	"os"

	"agromon/internal/logger"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		logger.Logger.Error().Err(err).Msg("agromon exited")
		os.Exit(1)
	}
}
