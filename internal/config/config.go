// Package config loads service configuration from config.yaml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
	"github.com/teerpro/result-engine/internal/source"
)

// DefaultTimezone is the zone the published draw times are quoted in.
const DefaultTimezone = "Asia/Kolkata"

// Config holds all configuration for the service.
type Config struct {
	Env        string           `mapstructure:"env"`
	LogLevel   string           `mapstructure:"log_level"`
	Timezone   string           `mapstructure:"timezone"`
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Publish    PublishConfig    `mapstructure:"publish"`
	Source     SourceConfig     `mapstructure:"source"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	JWT        JWTConfig        `mapstructure:"jwt"`

	// Triggers is decoded separately and strictly; see ParseTriggers.
	Triggers []model.Trigger `mapstructure:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"` // memory, postgres or mongo
	PostgresURL   string        `mapstructure:"postgres_url"`
	MongoURI      string        `mapstructure:"mongo_uri"`
	MongoDatabase string        `mapstructure:"mongo_database"`
	RedisURL      string        `mapstructure:"redis_url"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// PublishConfig configures the event sinks beyond the local hub.
type PublishConfig struct {
	RedisChannel string   `mapstructure:"redis_channel"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// SourceConfig configures the result page scraper.
type SourceConfig struct {
	URLs       map[string]string `mapstructure:"urls"`
	Mirrors    map[string]string `mapstructure:"mirrors"` // tried when the primary page has nothing
	FRSelector string            `mapstructure:"fr_selector"`
	SRSelector string            `mapstructure:"sr_selector"`
	UserAgent  string            `mapstructure:"user_agent"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	RateLimit  float64           `mapstructure:"rate_limit"`
	Burst      int               `mapstructure:"burst"`
}

// SettlementConfig bounds settlement concurrency.
type SettlementConfig struct {
	Workers int `mapstructure:"workers"`
}

// JWTConfig holds the shared token secret.
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// TriggerConfig is one raw trigger table row.
type TriggerConfig struct {
	Game     string `mapstructure:"game"`
	Round    string `mapstructure:"round"`
	Time     string `mapstructure:"time"`
	Timezone string `mapstructure:"timezone"`
}

// DefaultTriggers is the published draw schedule.
var DefaultTriggers = []TriggerConfig{
	{Game: "shillong", Round: "FR", Time: "15:35"},
	{Game: "shillong", Round: "SR", Time: "16:35"},
	{Game: "khanapara", Round: "FR", Time: "15:50"},
	{Game: "khanapara", Round: "SR", Time: "16:20"},
	{Game: "juwai", Round: "FR", Time: "13:50"},
	{Game: "juwai", Round: "SR", Time: "14:35"},
	{Game: "night", Round: "FR", Time: "23:15"},
	{Game: "night", Round: "SR", Time: "00:15"},
}

// Load reads config.yaml (from path, or ./ and ./config when path is
// empty) and applies environment overrides such as STORE_BACKEND or
// SOURCE_TIMEOUT. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// Conventional names used by deployment tooling.
	v.BindEnv("store.postgres_url", "STORE_POSTGRES_URL", "DATABASE_URL")
	v.BindEnv("store.redis_url", "STORE_REDIS_URL", "REDIS_URL")
	v.BindEnv("jwt.secret", "JWT_SECRET")
	v.BindEnv("server.port", "SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	triggers, err := ParseTriggers(v.Get("triggers"), cfg.Timezone)
	if err != nil {
		return nil, err
	}
	cfg.Triggers = triggers

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("timezone", DefaultTimezone)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.mongo_uri", "")
	v.SetDefault("store.mongo_database", "teer")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", 5*time.Minute)

	v.SetDefault("publish.redis_channel", "teer_events")
	v.SetDefault("publish.kafka_brokers", []string{})
	v.SetDefault("publish.kafka_topic", "teer.events")

	urls := make(map[string]string, len(source.DefaultURLs))
	for g, u := range source.DefaultURLs {
		urls[string(g)] = u
	}
	v.SetDefault("source.urls", urls)
	v.SetDefault("source.mirrors", map[string]string{})
	v.SetDefault("source.fr_selector", ".fr-result")
	v.SetDefault("source.sr_selector", ".sr-result")
	v.SetDefault("source.user_agent", "")
	v.SetDefault("source.timeout", 15*time.Second)
	v.SetDefault("source.rate_limit", 1.0)
	v.SetDefault("source.burst", 4)

	v.SetDefault("settlement.workers", 8)
	v.SetDefault("jwt.secret", "")

	rows := make([]map[string]interface{}, len(DefaultTriggers))
	for i, t := range DefaultTriggers {
		rows[i] = map[string]interface{}{"game": t.Game, "round": t.Round, "time": t.Time}
	}
	v.SetDefault("triggers", rows)
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return errors.New("config: store.postgres_url is required for the postgres backend")
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			return errors.New("config: store.mongo_uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if _, err := c.SourceURLs(); err != nil {
		return err
	}
	if _, err := c.MirrorURLs(); err != nil {
		return err
	}
	return nil
}

// SourceURLs returns the scraper URL table keyed by game.
func (c *Config) SourceURLs() (map[draw.Game]string, error) {
	return gameTable("source.urls", c.Source.URLs)
}

// MirrorURLs returns the fallback page table keyed by game. It is empty
// unless mirrors are configured.
func (c *Config) MirrorURLs() (map[draw.Game]string, error) {
	return gameTable("source.mirrors", c.Source.Mirrors)
}

func gameTable(key string, raw map[string]string) (map[draw.Game]string, error) {
	out := make(map[draw.Game]string, len(raw))
	for name, u := range raw {
		g, err := draw.ParseGame(name)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
		out[g] = u
	}
	return out, nil
}

// Location returns the default draw time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ParseTriggers strictly decodes a raw trigger table. Unknown fields,
// games or rounds, malformed times, unknown zones and duplicate
// (game, round) rows are all rejected. Rows without a timezone use
// defaultTZ.
func ParseTriggers(raw interface{}, defaultTZ string) ([]model.Trigger, error) {
	var rows []TriggerConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &rows,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: triggers: %w", err)
	}
	if defaultTZ == "" {
		defaultTZ = DefaultTimezone
	}

	seen := make(map[string]bool, len(rows))
	triggers := make([]model.Trigger, 0, len(rows))
	for i, row := range rows {
		game, err := draw.ParseGame(row.Game)
		if err != nil {
			return nil, fmt.Errorf("config: triggers[%d]: %w", i, err)
		}
		round, err := draw.ParseRound(row.Round)
		if err != nil {
			return nil, fmt.Errorf("config: triggers[%d]: %w", i, err)
		}
		at, err := draw.ParseClock(row.Time)
		if err != nil {
			return nil, fmt.Errorf("config: triggers[%d]: %w", i, err)
		}
		tz := row.Timezone
		if tz == "" {
			tz = defaultTZ
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("config: triggers[%d]: timezone %q: %w", i, tz, err)
		}

		key := string(game) + "/" + string(round)
		if seen[key] {
			return nil, fmt.Errorf("config: triggers[%d]: duplicate trigger for %s", i, key)
		}
		seen[key] = true

		triggers = append(triggers, model.Trigger{Game: game, Round: round, At: at, Location: loc})
	}
	return triggers, nil
}
