package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/teerpro/result-engine/internal/config"
	"github.com/teerpro/result-engine/internal/draw"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "env: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Server.Port != "8080" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Triggers) != 8 {
		t.Fatalf("expected 8 default triggers, got %d", len(cfg.Triggers))
	}
	night := cfg.Triggers[7]
	if night.Game != draw.Night || night.Round != draw.SecondRound || night.At.String() != "00:15" {
		t.Errorf("unexpected night SR trigger %+v", night)
	}
	if night.Location.String() != config.DefaultTimezone {
		t.Errorf("expected %s, got %s", config.DefaultTimezone, night.Location)
	}
	urls, _ := cfg.SourceURLs()
	if urls[draw.Shillong] == "" {
		t.Error("expected a default shillong source url")
	}
	if _, ok := urls[draw.Night]; ok {
		t.Error("night game has no default source")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: postgres
source:
  timeout: 3s
triggers:
  - game: juwai
    round: fr
    time: "13:50"
    timezone: UTC
`)
	t.Setenv("DATABASE_URL", "postgres://localhost/teer")
	t.Setenv("SETTLEMENT_WORKERS", "3")
	t.Setenv("PUBLISH_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.PostgresURL != "postgres://localhost/teer" {
		t.Errorf("expected DATABASE_URL to apply, got %q", cfg.Store.PostgresURL)
	}
	if cfg.Settlement.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Settlement.Workers)
	}
	if cfg.Source.Timeout != 3*time.Second {
		t.Errorf("expected 3s timeout, got %s", cfg.Source.Timeout)
	}
	if len(cfg.Publish.KafkaBrokers) != 2 {
		t.Errorf("expected 2 brokers, got %v", cfg.Publish.KafkaBrokers)
	}
	if len(cfg.Triggers) != 1 || cfg.Triggers[0].Round != draw.FirstRound || cfg.Triggers[0].Location != time.UTC {
		t.Errorf("unexpected triggers %+v", cfg.Triggers)
	}
}

func TestLoad_RejectsBadBackend(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "store:\n  backend: sqlite\n")); err == nil {
		t.Error("expected unknown backend to fail")
	}
	if _, err := config.Load(writeConfig(t, "store:\n  backend: mongo\n")); err == nil {
		t.Error("expected mongo without uri to fail")
	}
}

func row(kv ...string) map[string]interface{} {
	m := make(map[string]interface{})
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func TestParseTriggers_Rejects(t *testing.T) {
	tests := []struct {
		name string
		rows []interface{}
		want string
	}{
		{"unknown field", []interface{}{row("game", "juwai", "round", "FR", "time", "13:50", "minute", "5")}, "minute"},
		{"unknown game", []interface{}{row("game", "bingo", "round", "FR", "time", "13:50")}, "unknown game"},
		{"unknown round", []interface{}{row("game", "juwai", "round", "TR", "time", "13:50")}, "unknown round"},
		{"bad time", []interface{}{row("game", "juwai", "round", "FR", "time", "25:00")}, "HH:MM"},
		{"bad zone", []interface{}{row("game", "juwai", "round", "FR", "time", "13:50", "timezone", "Mars/Olympus")}, "timezone"},
		{"duplicate", []interface{}{
			row("game", "juwai", "round", "FR", "time", "13:50"),
			row("game", "Juwai", "round", "fr", "time", "14:00"),
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseTriggers(tt.rows, "")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseTriggers_DefaultZone(t *testing.T) {
	triggers, err := config.ParseTriggers([]interface{}{row("game", "night", "round", "SR", "time", "00:15")}, "UTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if triggers[0].Location != time.UTC {
		t.Errorf("expected UTC, got %s", triggers[0].Location)
	}
}

func TestLoad_Mirrors(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
source:
  mirrors:
    Night: https://mirror.example/night
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	mirrors, err := cfg.MirrorURLs()
	if err != nil || mirrors[draw.Night] != "https://mirror.example/night" {
		t.Errorf("expected a night mirror, got %v err=%v", mirrors, err)
	}

	if _, err := config.Load(writeConfig(t, "source:\n  mirrors:\n    bingo: https://x\n")); err == nil {
		t.Error("expected an unknown mirror game to fail")
	}
}
