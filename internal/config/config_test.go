package config_test

import (
	"testing"
	"time"

	"pumpup-backend/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store != config.StoreSQLite {
		t.Errorf("expected sqlite store, got %q", cfg.Store)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %q", cfg.Port)
	}
	if cfg.StartingBalance != 10000 {
		t.Errorf("expected starting balance 10000, got %d", cfg.StartingBalance)
	}
	if cfg.JWTTTL != 24*time.Hour {
		t.Errorf("expected 24h token ttl, got %s", cfg.JWTTTL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE", "Redis")
	t.Setenv("REDIS_URL", "cache:6379")
	t.Setenv("MAX_STAKE", "500")
	t.Setenv("RATE_LIMIT", "true")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != config.StoreRedis {
		t.Errorf("expected redis store, got %q", cfg.Store)
	}
	if cfg.MaxStake != 500 {
		t.Errorf("expected max stake 500, got %d", cfg.MaxStake)
	}
	if !cfg.UsesRedis() {
		t.Error("redis store should require a redis connection")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]config.Config{
		"unknown store":  {Store: "mongo", MaxStake: 1, JWTTTL: time.Hour},
		"postgres dsn":   {Store: "postgres", MaxStake: 1, JWTTTL: time.Hour},
		"max stake":      {Store: "sqlite", SQLitePath: "x.db", MaxStake: 0, JWTTTL: time.Hour},
		"negative start": {Store: "sqlite", SQLitePath: "x.db", MaxStake: 1, StartingBalance: -1, JWTTTL: time.Hour},
	}

	for name, cfg := range cases {
		cfg := cfg
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
