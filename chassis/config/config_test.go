package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Worker.Queues.Main != "practicas" || cfg.Worker.Queues.Retry != "retry.practicas" || cfg.Worker.Queues.DLQ != "practicas.dlq" {
		t.Fatalf("unexpected queue names: %+v", cfg.Worker.Queues)
	}
	if cfg.Worker.RetryDelay != 5*time.Second {
		t.Fatalf("retry delay = %v", cfg.Worker.RetryDelay)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(lookupFrom(map[string]string{
		"CLOUDAMQP_URL":        "amqp://u:p@rabbit:5672/%2f",
		"DATABASE_URL":         "postgresql://x@db/y",
		"MAX_CONCURRENT_TASKS": "12",
		"MAX_RETRIES":          "0",
		"LOG_LEVEL":            "debug",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Broker.URL != "amqp://u:p@rabbit:5672/%2f" {
		t.Fatalf("broker url = %q", cfg.Broker.URL)
	}
	if cfg.Storage.DSN != "postgresql://x@db/y" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Worker.MaxConcurrency != 12 || cfg.Worker.MaxRetries != 0 {
		t.Fatalf("concurrency=%d retries=%d", cfg.Worker.MaxConcurrency, cfg.Worker.MaxRetries)
	}
	if cfg.Worker.LogLevel != "debug" || cfg.Checker.LogLevel != "debug" {
		t.Fatalf("log level not propagated")
	}
}

func TestApplyEnvRejectsMalformedInt(t *testing.T) {
	cfg := Default()
	if err := cfg.applyEnv(lookupFrom(map[string]string{"MAX_RETRIES": "three"})); err == nil {
		t.Fatalf("expected error for malformed MAX_RETRIES")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"zero concurrency", func(c *AppConfig) { c.Worker.MaxConcurrency = 0 }},
		{"negative retries", func(c *AppConfig) { c.Worker.MaxRetries = -1 }},
		{"empty broker", func(c *AppConfig) { c.Broker.URL = "" }},
		{"bad format", func(c *AppConfig) { c.RPC.Format = "xml" }},
		{"zero timeout", func(c *AppConfig) { c.RPC.Timeout = 0 }},
		{"bad relay mode", func(c *AppConfig) { c.Relay.Mode = "mirror" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestReadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	body := []byte(`
worker:
  maxConcurrency: 8
  retryDelay: 10s
rpc:
  format: json
  timeout: 20m
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CFG_PATH", path)
	t.Setenv("MAX_CONCURRENT_TASKS", "")
	cfg, err := Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Worker.MaxConcurrency != 8 {
		t.Fatalf("maxConcurrency = %d", cfg.Worker.MaxConcurrency)
	}
	if cfg.Worker.RetryDelay != 10*time.Second || cfg.RPC.Timeout != 20*time.Minute {
		t.Fatalf("durations: %v %v", cfg.Worker.RetryDelay, cfg.RPC.Timeout)
	}
	if cfg.RPC.Format != "json" {
		t.Fatalf("format = %q", cfg.RPC.Format)
	}
	if cfg.Worker.Queues.Main != "practicas" {
		t.Fatalf("defaults lost: %q", cfg.Worker.Queues.Main)
	}
}
