package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		TLS     struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
		// BlobDir holds uploaded attachment bytes referenced by file id.
		BlobDir string `yaml:"blob_dir"`
	} `yaml:"storage"`
	Provider struct {
		APIKey       string `yaml:"api_key"`
		BaseURL      string `yaml:"base_url"`
		Referer      string `yaml:"referer"`
		DefaultModel string `yaml:"default_model"`
		TimeoutSecs  int    `yaml:"timeout_seconds"`
	} `yaml:"provider"`
	Security struct {
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
		} `yaml:"cors"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		APIKeys struct {
			Backend  []string `yaml:"backend"`
			Frontend []string `yaml:"frontend"`
			Admin    []string `yaml:"admin"`
		} `yaml:"api_keys"`
	} `yaml:"security"`
	Quota struct {
		AnonymousDaily int `yaml:"anonymous_daily"`
		FreeDaily      int `yaml:"free_daily"`
		Models         []struct {
			Name  string `yaml:"name"`
			Daily int    `yaml:"daily"`
		} `yaml:"models"`
	} `yaml:"quota"`
	Sweeper struct {
		Enabled      bool   `yaml:"enabled"`
		Cron         string `yaml:"cron"`
		Staleness    string `yaml:"staleness"`
		PresenceIdle string `yaml:"presence_idle"`
	} `yaml:"sweeper"`
	Coord struct {
		Workers     int `yaml:"workers"`
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"coord"`
	Session struct {
		CheckpointInterval string `yaml:"checkpoint_interval"`
	} `yaml:"session"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// EffectiveConfigResult is the merged view of flags, env and config file
// used by the running server.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Staleness returns the parsed streaming-staleness threshold with a
// 5-minute default.
func (c *Config) Staleness() time.Duration {
	if d, err := time.ParseDuration(c.Sweeper.Staleness); err == nil && d > 0 {
		return d
	}
	return 5 * time.Minute
}

// PresenceIdle returns the parsed presence idle threshold with the
// 30-minute default.
func (c *Config) PresenceIdle() time.Duration {
	if d, err := time.ParseDuration(c.Sweeper.PresenceIdle); err == nil && d > 0 {
		return d
	}
	return 30 * time.Minute
}

// CheckpointInterval returns the parsed streaming checkpoint flush
// interval with a 1-second default.
func (c *Config) CheckpointInterval() time.Duration {
	if d, err := time.ParseDuration(c.Session.CheckpointInterval); err == nil && d > 0 {
		return d
	}
	return time.Second
}

// ModelDaily returns the per-model daily ceiling, 0 meaning no sub-limit.
func (c *Config) ModelDaily(model string) int {
	for _, m := range c.Quota.Models {
		if m.Name == model {
			return m.Daily
		}
	}
	return 0
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("R3CHAT_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("R3CHAT_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("R3CHAT_BLOB_DIR"); v != "" {
		envUsed = true
		cfg.Storage.BlobDir = v
	}
	if v := os.Getenv("R3CHAT_PROVIDER_API_KEY"); v != "" {
		envUsed = true
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("R3CHAT_PROVIDER_BASE_URL"); v != "" {
		envUsed = true
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("R3CHAT_CORS_ORIGINS"); v != "" {
		envUsed = true
		cfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("R3CHAT_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("R3CHAT_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("R3CHAT_API_BACKEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Backend = parseList(v)
	}
	if v := os.Getenv("R3CHAT_API_FRONTEND_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Frontend = parseList(v)
	}
	if v := os.Getenv("R3CHAT_API_ADMIN_KEYS"); v != "" {
		envUsed = true
		cfg.Security.APIKeys.Admin = parseList(v)
	}
	if v := os.Getenv("R3CHAT_QUOTA_ANON_DAILY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Quota.AnonymousDaily = n
		}
	}
	if v := os.Getenv("R3CHAT_QUOTA_FREE_DAILY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Quota.FreeDaily = n
		}
	}
	if c := os.Getenv("R3CHAT_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("R3CHAT_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	return envUsed
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided
// value and the env var `R3CHAT_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("R3CHAT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
