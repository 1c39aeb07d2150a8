// Package config loads the service configuration from a YAML file with
// environment variable overrides. Environment variables are prefixed with
// ROUNDTABLE_ and win over file values so deployments can keep secrets out of
// the config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/roundtable/bidding"
	"goa.design/roundtable/memory"
)

type (
	// Config is the full service configuration.
	Config struct {
		Server       Server         `yaml:"server"`
		Store        StoreConfig    `yaml:"store"`
		Auth         Auth           `yaml:"auth"`
		Push         Push           `yaml:"push"`
		Orchestrator Orchestrator   `yaml:"orchestrator"`
		Bidding      bidding.Config `yaml:"bidding"`
		Memory       memory.Config  `yaml:"memory"`
		Providers    Providers      `yaml:"providers"`
	}

	// Server holds the HTTP listener settings.
	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		Environment string `yaml:"environment"`
		Debug       bool   `yaml:"debug"`
	}

	// StoreConfig selects and configures the conversation store backend.
	StoreConfig struct {
		// Backend is "memory", "redis" or "mongo".
		Backend  string        `yaml:"backend"`
		RedisURL string        `yaml:"redis_url"`
		MongoURI string        `yaml:"mongo_uri"`
		MongoDB  string        `yaml:"mongo_db"`
		TTL      time.Duration `yaml:"ttl"`
	}

	// Auth configures caller verification and WebSocket tickets.
	Auth struct {
		// VerifyURL is the external token verification endpoint. Empty
		// disables external verification.
		VerifyURL string `yaml:"verify_url"`
		// LocalSecret enables the HS256 fallback verifier.
		LocalSecret string `yaml:"local_secret"`
		AllowLocal  bool   `yaml:"allow_local"`
		// TicketTTL bounds the ticket redemption window.
		TicketTTL time.Duration `yaml:"ticket_ttl"`
	}

	// Push configures the APNs client. Empty KeyFile disables push.
	Push struct {
		KeyFile string `yaml:"key_file"`
		KeyID   string `yaml:"key_id"`
		TeamID  string `yaml:"team_id"`
		Topic   string `yaml:"topic"`
	}

	// Orchestrator holds the turn loop tuning knobs.
	Orchestrator struct {
		BidTimeout          time.Duration `yaml:"bid_timeout"`
		ResponseTimeout     time.Duration `yaml:"response_timeout"`
		TurnDelay           time.Duration `yaml:"turn_delay"`
		TokenBudget         int           `yaml:"token_budget"`
		MinBidsRequired     int           `yaml:"min_bids_required"`
		MaxConsecutiveSkips int           `yaml:"max_consecutive_skips"`
	}

	// Providers maps provider names to their credentials.
	Providers map[string]Provider

	// Provider holds one backend's credentials.
	Provider struct {
		APIKey string `yaml:"api_key"`
		// BaseURL overrides the provider endpoint (Groq-style
		// OpenAI-compatible backends).
		BaseURL string `yaml:"base_url"`
	}
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
)

// Default returns the development configuration.
func Default() Config {
	return Config{
		Server: Server{
			Host:        "localhost",
			Port:        8080,
			Environment: "development",
		},
		Store:   StoreConfig{Backend: StoreMemory},
		Auth:    Auth{AllowLocal: true, LocalSecret: "dev-secret", TicketTTL: 30 * time.Second},
		Memory:  memory.DefaultConfig(),
		Bidding: bidding.DefaultConfig(),
	}
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. An empty path skips the file and loads defaults
// plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return errors.New("config: redis backend requires redis_url")
		}
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return errors.New("config: mongo backend requires mongo_uri")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Auth.VerifyURL == "" && !c.Auth.AllowLocal {
		return errors.New("config: no verifier configured")
	}
	if c.Auth.VerifyURL == "" && c.Auth.AllowLocal && c.Auth.LocalSecret == "" {
		return errors.New("config: local auth requires local_secret")
	}
	if c.Push.KeyFile != "" {
		if c.Push.KeyID == "" || c.Push.TeamID == "" || c.Push.Topic == "" {
			return errors.New("config: push requires key_id, team_id and topic")
		}
	}
	return nil
}

// PushEnabled reports whether an APNs client should be constructed.
func (c Config) PushEnabled() bool { return c.Push.KeyFile != "" }

func applyEnv(cfg *Config) {
	envString(&cfg.Server.Host, "ROUNDTABLE_HOST")
	envInt(&cfg.Server.Port, "ROUNDTABLE_PORT")
	envString(&cfg.Server.Environment, "ROUNDTABLE_ENV")
	envBool(&cfg.Server.Debug, "ROUNDTABLE_DEBUG")

	envString(&cfg.Store.Backend, "ROUNDTABLE_STORE")
	envString(&cfg.Store.RedisURL, "ROUNDTABLE_REDIS_URL")
	envString(&cfg.Store.MongoURI, "ROUNDTABLE_MONGO_URI")
	envString(&cfg.Store.MongoDB, "ROUNDTABLE_MONGO_DB")

	envString(&cfg.Auth.VerifyURL, "ROUNDTABLE_AUTH_VERIFY_URL")
	envString(&cfg.Auth.LocalSecret, "ROUNDTABLE_AUTH_LOCAL_SECRET")
	envBool(&cfg.Auth.AllowLocal, "ROUNDTABLE_AUTH_ALLOW_LOCAL")

	envString(&cfg.Push.KeyFile, "ROUNDTABLE_APNS_KEY_FILE")
	envString(&cfg.Push.KeyID, "ROUNDTABLE_APNS_KEY_ID")
	envString(&cfg.Push.TeamID, "ROUNDTABLE_APNS_TEAM_ID")
	envString(&cfg.Push.Topic, "ROUNDTABLE_APNS_TOPIC")

	for name, p := range cfg.Providers {
		envString(&p.APIKey, "ROUNDTABLE_"+envKey(name)+"_API_KEY")
		cfg.Providers[name] = p
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
