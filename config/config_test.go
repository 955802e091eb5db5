package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `histflow:
  name: "TestApp"
  version: "1.0"
download:
  dir: "/tmp/testdata"
  rate_limit:
    max_calls: 50
    period: 10s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Histflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Histflow.Name)
	}
	if cfg.Download.Dir != "/tmp/testdata" {
		t.Errorf("unexpected download dir: %s", cfg.Download.Dir)
	}
	if cfg.Download.RateLimit.MaxCalls != 50 || cfg.Download.RateLimit.Period != 10*time.Second {
		t.Errorf("unexpected rate limit: %+v", cfg.Download.RateLimit)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `histflow:
  name: "TestApp"
  version: "1.0"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Download.RateLimit.MaxCalls != 100 || cfg.Download.RateLimit.Period != 30*time.Second {
		t.Errorf("default rate limit not applied: %+v", cfg.Download.RateLimit)
	}
	if cfg.Download.Candles.Timeframe != "1m" {
		t.Errorf("default timeframe not applied: %s", cfg.Download.Candles.Timeframe)
	}
	if cfg.Download.Trades.PageLimit != 1000 {
		t.Errorf("default trade page limit not applied: %d", cfg.Download.Trades.PageLimit)
	}
	if cfg.Download.Dir == "" {
		t.Error("default download dir not applied")
	}
}

func TestLoadConfigRejectsBadRateLimit(t *testing.T) {
	path := writeTempConfig(t, `histflow:
  name: "TestApp"
download:
  rate_limit:
    max_calls: -1
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadConfigRequiresS3Bucket(t *testing.T) {
	t.Setenv("S3_BUCKET", "")
	path := writeTempConfig(t, `histflow:
  name: "TestApp"
storage:
  s3:
    enabled: true
    region: "us-east-1"
`)

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for missing bucket")
	}
}
