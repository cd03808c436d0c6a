package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/park285/chess-escrow/internal/escrow"
	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	HTTPAddr   string `yaml:"http_addr"`
	EventsAddr string `yaml:"events_addr"`

	FeeBps            uint64 `yaml:"fee_bps"`
	MaxMoveHistory    int    `yaml:"max_move_history"`
	VerifyOutcomes    bool   `yaml:"verify_outcomes"`
	EventStreamMaxLen int64  `yaml:"event_stream_maxlen"`

	ArbiterInterval time.Duration `yaml:"arbiter_interval"`
	ArbiterKeyFile  string        `yaml:"arbiter_key_file"`

	MessagesDir    string   `yaml:"messages_dir"`
	AdminToken     string   `yaml:"admin_token"`
	RateLimitRPS   int      `yaml:"rate_limit_rps"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTPAddr:          ":8080",
		EventsAddr:        ":8081",
		FeeBps:            escrow.DefaultFeeBps,
		MaxMoveHistory:    escrow.DefaultMaxMoveHistory,
		EventStreamMaxLen: 100_000,
		ArbiterInterval:   5 * time.Second,
		RateLimitRPS:      50,
	}
}

// Load applies defaults, then the YAML file named by ESCROW_CONFIG, then environment variables.
func Load() (*AppConfig, error) {
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("ESCROW_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("REDIS_URL", &c.RedisURL)
	str("DATABASE_URL", &c.DatabaseURL)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("EVENTS_ADDR", &c.EventsAddr)
	str("ARBITER_KEY_FILE", &c.ArbiterKeyFile)
	str("MESSAGES_DIR", &c.MessagesDir)
	str("ADMIN_TOKEN", &c.AdminToken)

	if v := strings.TrimSpace(os.Getenv("TRUSTED_PROXIES")); v != "" {
		c.TrustedProxies = c.TrustedProxies[:0]
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.TrustedProxies = append(c.TrustedProxies, p)
			}
		}
	}

	if v := strings.TrimSpace(os.Getenv("FEE_BPS")); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("FEE_BPS: %w", err)
		}
		c.FeeBps = n
	}
	if v := strings.TrimSpace(os.Getenv("MAX_MOVE_HISTORY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_MOVE_HISTORY: %w", err)
		}
		c.MaxMoveHistory = n
	}
	if v := strings.TrimSpace(os.Getenv("EVENT_STREAM_MAXLEN")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("EVENT_STREAM_MAXLEN: %w", err)
		}
		c.EventStreamMaxLen = n
	}
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = n
	}
	if v := strings.TrimSpace(os.Getenv("VERIFY_OUTCOMES")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VERIFY_OUTCOMES: %w", err)
		}
		c.VerifyOutcomes = b
	}
	if v := strings.TrimSpace(os.Getenv("ARBITER_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ARBITER_INTERVAL: %w", err)
		}
		c.ArbiterInterval = d
	}
	return nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	if err := (escrow.FeeSchedule{RateBps: c.FeeBps}).Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxMoveHistory <= 0 {
		errs = append(errs, errors.New("max_move_history must be positive"))
	}
	if c.EventStreamMaxLen < 0 {
		errs = append(errs, errors.New("event_stream_maxlen must not be negative"))
	}
	if c.ArbiterInterval < 0 {
		errs = append(errs, errors.New("arbiter_interval must not be negative"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("rate_limit_rps must not be negative"))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	return errors.Join(errs...)
}

// Fees is the fee schedule the engine runs with.
func (c *AppConfig) Fees() escrow.FeeSchedule { return escrow.FeeSchedule{RateBps: c.FeeBps} }
