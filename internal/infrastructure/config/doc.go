// Package config handles loading and validating Lightwire Core configuration.
//
// This package manages:
//   - Loading configuration from TOML files
//   - Overriding with environment variables (LIGHTWIRE_*) and CLI flags
//   - Validation of required fields
//   - Default value handling
//   - Hot-reload gating via RestartRequired
//
// Security Considerations:
//   - Sensitive values (MQTT credentials, InfluxDB tokens) should be set via
//     environment variables rather than the config file
//   - The config file should have restricted permissions (0600)
//
// Performance Characteristics:
//   - Configuration is loaded once at startup and again on SIGHUP
//   - No runtime overhead after load
//
// Usage:
//
//	cfg, err := config.Load("configs/lightwire.toml", flags)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.ArtNet.Port)
package config
