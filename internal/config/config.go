// Package config loads fieldsync configuration from file, environment,
// and defaults, in that order of increasing precedence for the
// environment and decreasing for defaults.
//
// Every key is overridable with a FIELDSYNC_ environment variable, e.g.
// FIELDSYNC_AGENT_LISTEN_ADDR.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	// StorePath is the SQLite database holding the queue and cache.
	StorePath string `mapstructure:"store_path"`

	// BaseURL is the origin replayed operations and cache fetches are
	// resolved against.
	BaseURL string `mapstructure:"base_url"`

	// AgentListenAddr is the agent's control server bind address.
	AgentListenAddr string `mapstructure:"agent_listen_addr"`

	// AgentURL is where clients find the agent (host:port).
	AgentURL string `mapstructure:"agent_url"`

	// ProbeURL is the connectivity probe target; empty derives
	// BaseURL + "/healthz".
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// ManifestPath points at the cache manifest YAML; empty disables
	// generation pre-population.
	ManifestPath string `mapstructure:"manifest_path"`

	OfflinePage string `mapstructure:"offline_page"`
	APIPrefix   string `mapstructure:"api_prefix"`

	// CSRFTokenFile holds the anti-forgery token attached to replayed
	// requests; empty sends no token.
	CSRFTokenFile string `mapstructure:"csrf_token_file"`

	AttemptLimit int           `mapstructure:"attempt_limit"`
	EntryDelay   time.Duration `mapstructure:"entry_delay"`
	Debounce     time.Duration `mapstructure:"debounce"`

	// LogFile enables rotating file logging for the agent; empty logs
	// to stderr only.
	LogFile string `mapstructure:"log_file"`
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	v.SetDefault("store_path", filepath.Join(home, ".fieldsync", "fieldsync.db"))
	v.SetDefault("base_url", "http://localhost:8000")
	v.SetDefault("agent_listen_addr", ":8377")
	v.SetDefault("agent_url", "localhost:8377")
	v.SetDefault("probe_url", "")
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("manifest_path", "")
	v.SetDefault("offline_page", "/offline/")
	v.SetDefault("api_prefix", "/api/")
	v.SetDefault("csrf_token_file", "")
	v.SetDefault("attempt_limit", 5)
	v.SetDefault("entry_delay", 150*time.Millisecond)
	v.SetDefault("debounce", 500*time.Millisecond)
	v.SetDefault("log_file", "")
}

// Load reads configuration. path may name an explicit config file; when
// empty the usual locations are searched ($PWD, ~/.fieldsync). A missing
// config file is fine; defaults and environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.ProbeURL == "" {
		cfg.ProbeURL = strings.TrimRight(cfg.BaseURL, "/") + "/healthz"
	}
	return &cfg, nil
}
