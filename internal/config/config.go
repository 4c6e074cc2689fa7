package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	DatabaseURL       string
	TemporalAddress   string
	HTTPListenAddr    string
	MetricsListenAddr string
	LogLevel          string

	// InternalIPs are addresses redacted from persisted command output.
	InternalIPs []string

	TemporalTLSCert       string
	TemporalTLSKey        string
	TemporalTLSCACert     string
	TemporalTLSServerName string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		TemporalAddress:       getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		HTTPListenAddr:        getEnv("HTTP_LISTEN_ADDR", ":8090"),
		MetricsListenAddr:     getEnv("METRICS_LISTEN_ADDR", ":9090"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		TemporalTLSCert:       getEnv("TEMPORAL_TLS_CERT", ""),
		TemporalTLSKey:        getEnv("TEMPORAL_TLS_KEY", ""),
		TemporalTLSCACert:     getEnv("TEMPORAL_TLS_CA_CERT", ""),
		TemporalTLSServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),
	}

	if raw := getEnv("INTERNAL_IPS", ""); raw != "" {
		for _, ip := range strings.Split(raw, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				cfg.InternalIPs = append(cfg.InternalIPs, ip)
			}
		}
	}

	return cfg, nil
}

// Validate checks that the fields the given service requires are set.
// service is "core-api" or "worker".
func (c *Config) Validate(service string) error {
	var missing []string

	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.TemporalAddress == "" {
		missing = append(missing, "TEMPORAL_ADDRESS")
	}
	if service == "core-api" && c.HTTPListenAddr == "" {
		missing = append(missing, "HTTP_LISTEN_ADDR")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if (c.TemporalTLSCert == "") != (c.TemporalTLSKey == "") {
		return fmt.Errorf("TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set or both be empty")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
