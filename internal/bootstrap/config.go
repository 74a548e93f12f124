package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"momentum_trader/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Journal.Path != "" {
		if err := checkWritableDir(filepath.Dir(cfg.Journal.Path)); err != nil {
			return fmt.Errorf("journal.path: %w", err)
		}
	}
	if cfg.Telemetry.MetricsTextfile != "" {
		if err := checkWritableDir(filepath.Dir(cfg.Telemetry.MetricsTextfile)); err != nil {
			return fmt.Errorf("telemetry.metrics_textfile: %w", err)
		}
	}
	return nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory not found: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", dir)
	}

	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return fmt.Errorf("directory not writable: %s: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
