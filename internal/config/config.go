package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig holds everything the watcher needs. Values come from an optional
// YAML file (LIVESYNC_CONFIG) with environment variables taking precedence.
type AppConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	WSBaseURL  string `yaml:"ws_base_url"`
	Credential string `yaml:"credential"`

	SessionID string `yaml:"session_id"`
	Mode      string `yaml:"mode"`         // participant | spectator
	Side      string `yaml:"side"`         // white | black (participant only)
	AutoQueen bool   `yaml:"auto_queen"`   // promote staged premoves to queen

	RedisURL string `yaml:"redis_url"` // optional, enables the finished-game archive

	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	MsgOverrideDir string `yaml:"msg_override_dir"`
}

func defaults() *AppConfig {
	return &AppConfig{
		Mode:           "spectator",
		Side:           "white",
		AutoQueen:      true,
		ReconnectDelay: 2 * time.Second,
		PollInterval:   3 * time.Second,
	}
}

// Load reads the optional YAML file, then applies env overrides and
// validates the result.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("LIVESYNC_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.APIBaseURL == "" {
		return nil, errors.New("API_BASE_URL is required")
	}
	if cfg.WSBaseURL == "" {
		return nil, errors.New("WS_BASE_URL is required")
	}
	if cfg.SessionID == "" {
		return nil, errors.New("SESSION_ID is required")
	}
	switch cfg.Mode {
	case "participant", "spectator":
	default:
		return nil, fmt.Errorf("invalid mode %q", cfg.Mode)
	}
	switch cfg.Side {
	case "white", "black":
	default:
		return nil, fmt.Errorf("invalid side %q", cfg.Side)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	setString(&cfg.APIBaseURL, "API_BASE_URL")
	setString(&cfg.WSBaseURL, "WS_BASE_URL")
	setString(&cfg.Credential, "SYNC_CREDENTIAL")
	setString(&cfg.SessionID, "SESSION_ID")
	setString(&cfg.Mode, "SYNC_MODE")
	setString(&cfg.Side, "PLAYER_SIDE")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.MsgOverrideDir, "MSG_OVERRIDE_DIR")

	if v := strings.TrimSpace(os.Getenv("AUTO_QUEEN")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoQueen = b
		}
	}
	setDuration(&cfg.ReconnectDelay, "RECONNECT_DELAY")
	setDuration(&cfg.PollInterval, "POLL_INTERVAL")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
