package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueMaxConcurrency != 5 || cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected queue defaults: %+v", cfg)
	}
	if cfg.BackoffInitial != time.Second || cfg.BackoffMax != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %s %s", cfg.BackoffInitial, cfg.BackoffMax)
	}
	if len(cfg.SupportedCurrencies) != 8 || cfg.BaseCurrency != "MYR" {
		t.Fatalf("unexpected currencies: %v base=%s", cfg.SupportedCurrencies, cfg.BaseCurrency)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_MAX_CONCURRENCY", "2")
	t.Setenv("SUPPORTED_CURRENCIES", "MYR,USD")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.QueueMaxConcurrency != 2 {
		t.Fatalf("expected concurrency 2 got %d", cfg.QueueMaxConcurrency)
	}
	if len(cfg.SupportedCurrencies) != 2 || cfg.SupportedCurrencies[1] != "USD" {
		t.Fatalf("unexpected currencies: %v", cfg.SupportedCurrencies)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("QUEUE_MAX_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDefaultIgnoresEnvironment(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "9")
	if got := Default().MaxAttempts; got != 3 {
		t.Fatalf("expected default attempts 3 got %d", got)
	}
}
