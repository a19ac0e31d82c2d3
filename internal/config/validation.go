package config

import "fmt"

// Validate checks a loaded Config for values that would fail later at
// the TCP listener, the logging setup, or export construction, so the
// caller gets one clear error up front instead of a confusing failure
// mid-startup.
func Validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}

	switch cfg.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG, INFO, WARN, ERROR, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled is true")
	}

	seen := make(map[string]struct{}, len(cfg.Exports))
	for _, e := range cfg.Exports {
		if e.Name == "" {
			return fmt.Errorf("export name is required")
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("duplicate export name %q", e.Name)
		}
		seen[e.Name] = struct{}{}

		switch e.Driver {
		case "raw", "sharded", "distributed":
		default:
			return fmt.Errorf("export %q: driver must be raw, sharded, or distributed, got %q", e.Name, e.Driver)
		}
		if e.Backend == "" {
			return fmt.Errorf("export %q: backend is required", e.Name)
		}
	}

	return nil
}
