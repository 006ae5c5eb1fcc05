// Package config handles loading and validating Kumo Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields and polling ranges
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (cloud credentials, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - A JWT secret is mandatory; the service refuses to start without one
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Polling.ScanInterval)
package config
