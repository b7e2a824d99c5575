package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/loykin/simctl"
)

const defaultConfigFile = "simctl.toml"

// loadConfig reads path, falling back to simctl.toml in the working
// directory when it exists.
func loadConfig(path string) (*simctl.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	return simctl.LoadConfig(path)
}

func closeQuietly(log *slog.Logger, name string, c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn("Close failed", "resource", name, "error", err)
	}
}
