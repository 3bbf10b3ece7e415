// Package config loads the manager configuration from a JSON or YAML file with an MCPM_
// environment overlay.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/go-mcp-manager"
	"github.com/MegaGrindStone/go-mcp-manager/manager"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "MCPM_"

// Config is the complete manager configuration.
type Config struct {
	Addr     string `koanf:"addr"`
	LogLevel string `koanf:"log-level"`

	RequestTimeout     time.Duration `koanf:"request-timeout"`
	HTTPTimeout        time.Duration `koanf:"http-timeout"`
	SSEConnectTimeout  time.Duration `koanf:"sse-connect-timeout"`
	SSEEndpointWait    time.Duration `koanf:"sse-endpoint-wait"`
	ProcessGrace       time.Duration `koanf:"process-grace"`
	ProcessKillTimeout time.Duration `koanf:"process-kill-timeout"`
	Concurrency        int           `koanf:"concurrency"`

	CORSOrigins []string `koanf:"cors-origins"`

	// Servers are connected at startup, keyed by session id.
	Servers map[string]manager.ServerConfig `koanf:"servers"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Addr:               "127.0.0.1:3100",
		LogLevel:           "info",
		RequestTimeout:     30 * time.Second,
		HTTPTimeout:        10 * time.Second,
		SSEConnectTimeout:  5 * time.Second,
		SSEEndpointWait:    2 * time.Second,
		ProcessGrace:       100 * time.Millisecond,
		ProcessKillTimeout: 2 * time.Second,
		Concurrency:        8,
		CORSOrigins:        []string{"*"},
	}
}

// Load reads the file at path, when path is not empty, then the MCPM_ environment, on top of
// Default. Later sources win.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("error loading environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	ext := filepath.Ext(path)

	var parser koanf.Parser
	switch ext {
	case ".json":
		parser = json.Parser()
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		parser = yaml.Parser()
	}

	if err := k.Load(file.Provider(path), parser); err != nil {
		if ext != "" {
			return fmt.Errorf("error parsing config file: %w", err)
		}
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return fmt.Errorf("config file must be JSON or YAML: %w", err)
		}
	}
	return nil
}

// envKey turns MCPM_REQUEST_TIMEOUT into request-timeout. Comma separated origins become a
// list.
func envKey(key, value string) (string, any) {
	configKey := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, EnvPrefix), "_", "-"))
	if configKey == "cors-origins" {
		return configKey, strings.Split(value, ",")
	}
	return configKey, value
}

// Validate checks that every predeclared server describes a usable transport.
func (c Config) Validate() error {
	for _, id := range c.ServerIDs() {
		if _, err := c.Servers[id].Descriptor(); err != nil {
			return fmt.Errorf("server %s: %w", id, err)
		}
	}
	return nil
}

// ServerIDs returns the ids of the predeclared servers, sorted.
func (c Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ManagerOptions translates the timeouts into manager options.
func (c Config) ManagerOptions(logger *slog.Logger) []manager.Option {
	opts := []manager.Option{
		manager.WithProcessTimeouts(c.ProcessGrace, c.ProcessKillTimeout),
		manager.WithHTTPTimeout(c.HTTPTimeout),
		manager.WithSSETimeouts(c.SSEConnectTimeout, c.SSEEndpointWait),
		manager.WithConcurrency(c.Concurrency),
	}
	if logger != nil {
		opts = append(opts, manager.WithLogger(logger))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, manager.WithSessionOptions(mcp.WithRequestTimeout(c.RequestTimeout)))
	}
	return opts
}

// Origins returns the allowed CORS origins with blanks removed.
func (c Config) Origins() []string {
	origins := slices.DeleteFunc(slices.Clone(c.CORSOrigins), func(o string) bool {
		return strings.TrimSpace(o) == ""
	})
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}
