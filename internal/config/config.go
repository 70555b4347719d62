package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/loykin/procmux/internal/logger"
	"github.com/loykin/procmux/internal/process"
	"github.com/spf13/viper"
)

const (
	DefaultListen   = "127.0.0.1:7070"
	DefaultBasePath = "/api"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Tuning    Overrides     `toml:"tuning" mapstructure:"tuning"`
	Pool      PoolConfig    `toml:"pool" mapstructure:"pool"`
	Log       logger.Config `toml:"log" mapstructure:"log"`
	History   HistoryConfig `toml:"history" mapstructure:"history"`
	Server    ServerConfig  `toml:"server" mapstructure:"server"`
	Processes []ProcConfig  `toml:"processes" mapstructure:"processes"`
}

type PoolConfig struct {
	// Threads bounds the number of processors; <= 0 means runtime.NumCPU().
	Threads int `toml:"threads" mapstructure:"threads"`
	// Backend is auto, epoll or poll.
	Backend string `toml:"backend" mapstructure:"backend"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// DSN selects the sink: sqlite://path, postgres://..., clickhouse://...
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	Metrics  bool      `toml:"metrics" mapstructure:"metrics"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS on the introspection server.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
	// Dir holds tls.crt/tls.key; with AutoGenerate a self-signed pair is created there.
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"` // 1.2 or 1.3 (default)
}

type ProcConfig struct {
	Name    string             `toml:"name" mapstructure:"name"`
	Command string             `toml:"command" mapstructure:"command"`
	WorkDir string             `toml:"workdir" mapstructure:"workdir"`
	Log     *logger.FileConfig `toml:"log" mapstructure:"log"`
}

// Config is the resolved configuration used by the CLI and the embedding API.
type Config struct {
	Tuning    *Tuning
	Pool      PoolConfig
	Log       logger.Config
	History   HistoryConfig
	Server    ServerConfig
	Processes []process.Spec
}

// Default returns the configuration used when no file is given.
// Tuning comes from the environment only.
func Default() *Config {
	c := &Config{Tuning: SharedTuning()}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Pool.Threads <= 0 {
		c.Pool.Threads = runtime.NumCPU()
	}
	if c.Pool.Backend == "" {
		c.Pool.Backend = "auto"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
}

// Load reads a TOML config file. Tuning values from the file are overridden
// by PROCMUX_* environment variables and resolved once into Config.Tuning.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	specs, err := buildSpecs(fc)
	if err != nil {
		return nil, err
	}
	c := &Config{
		Tuning:    ResolveTuning(fc.Tuning.Merge(OverridesFromEnv())),
		Pool:      fc.Pool,
		Log:       fc.Log,
		History:   fc.History,
		Server:    fc.Server,
		Processes: specs,
	}
	c.applyDefaults()
	switch strings.ToLower(c.Pool.Backend) {
	case "auto", "epoll", "poll":
	default:
		return nil, fmt.Errorf("unknown pool backend %q", c.Pool.Backend)
	}
	if c.History.Enabled && c.History.DSN == "" {
		return nil, fmt.Errorf("history enabled but no dsn configured")
	}
	return c, nil
}

// LoadSpecsFromTOML parses only the [[processes]] entries of a config file.
func LoadSpecsFromTOML(path string) ([]process.Spec, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return c.Processes, nil
}

func buildSpecs(fc FileConfig) ([]process.Spec, error) {
	result := make([]process.Spec, 0, len(fc.Processes))
	seen := make(map[string]struct{}, len(fc.Processes))
	for _, pc := range fc.Processes {
		s := process.Spec{
			Name:    pc.Name,
			Command: pc.Command,
			WorkDir: pc.WorkDir,
			Log:     mergeOutput(fc.Log.Output, pc.Log),
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate process name %s", s.Name)
		}
		seen[s.Name] = struct{}{}
		result = append(result, s)
	}
	return result, nil
}

// mergeOutput starts from the top-level capture settings and applies the
// per-process overrides that are set.
func mergeOutput(base logger.FileConfig, override *logger.FileConfig) logger.FileConfig {
	out := base
	if override == nil {
		return out
	}
	if override.Dir != "" {
		out.Dir = override.Dir
	}
	if override.StdoutPath != "" {
		out.StdoutPath = override.StdoutPath
	}
	if override.StderrPath != "" {
		out.StderrPath = override.StderrPath
	}
	if override.MaxSizeMB != 0 {
		out.MaxSizeMB = override.MaxSizeMB
	}
	if override.MaxBackups != 0 {
		out.MaxBackups = override.MaxBackups
	}
	if override.MaxAgeDays != 0 {
		out.MaxAgeDays = override.MaxAgeDays
	}
	if override.Compress {
		out.Compress = true
	}
	return out
}
