package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "test-secret")

	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.Sync.ResyncInterval != 5*time.Minute {
		t.Errorf("Expected 5m resync, got %v", cfg.Sync.ResyncInterval)
	}
	if cfg.Upstream.ReconnectDelay != 5*time.Second {
		t.Errorf("Expected 5s reconnect delay, got %v", cfg.Upstream.ReconnectDelay)
	}
	if cfg.Gateway.HeartbeatInterval != 30*time.Second {
		t.Errorf("Expected 30s heartbeat, got %v", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.SweepInterval != time.Second {
		t.Errorf("Expected 1s sweep, got %v", cfg.Gateway.SweepInterval)
	}
	if cfg.Storage.Driver != "redis" {
		t.Errorf("Expected redis driver, got %s", cfg.Storage.Driver)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "test-secret")
	t.Setenv("APP_PORT", ":9999")
	t.Setenv("SYNC_SETTLE_DELAY", "250ms")
	t.Setenv("UPSTREAM_MODE", "simulated")

	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.App.Port != ":9999" {
		t.Errorf("Expected port override, got %s", cfg.App.Port)
	}
	if cfg.Sync.SettleDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms settle delay, got %v", cfg.Sync.SettleDelay)
	}
	if cfg.Upstream.Mode != "simulated" {
		t.Errorf("Expected simulated mode, got %s", cfg.Upstream.Mode)
	}
}

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	if _, err := load(viper.New()); err == nil {
		t.Error("Expected error when auth secret is missing")
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("AUTH_SECRET", "test-secret")
	t.Setenv("STORAGE_DRIVER", "sqlite")

	if _, err := load(viper.New()); err == nil {
		t.Error("Expected error for unknown storage driver")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(LoggerConfig{Level: "debug", Encoding: "console", Output: "stderr"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "gateway.log")
	logger, err := NewLogger(LoggerConfig{Level: "info", Encoding: "json", Output: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	logger.Info("hello")

	if _, err := NewLogger(LoggerConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}
