package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/bobmatnyc/localops/internal/deployment"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	StateDir    string              `toml:"state_dir" mapstructure:"state_dir"`
	Env         []string            `toml:"env" mapstructure:"env"`
	EnvFiles    []string            `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv    bool                `toml:"use_os_env" mapstructure:"use_os_env"`
	Log         *LogConfig          `toml:"log" mapstructure:"log"`
	Server      *ServerConfig       `toml:"server" mapstructure:"server"`
	Metrics     *MetricsConfig      `toml:"metrics" mapstructure:"metrics"`
	History     *HistoryConfig      `toml:"history" mapstructure:"history"`
	Deployments []deployment.Config `toml:"deployments" mapstructure:"deployments"`
}

type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig names the event sink DSNs attached at startup.
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

// Config is the parsed and validated daemon configuration.
type Config struct {
	StateDir    string
	GlobalEnv   []string
	Log         LogConfig
	Server      *ServerConfig
	Metrics     *MetricsConfig
	History     *HistoryConfig
	Deployments []deployment.Config
}

// Load reads a TOML config file, merges global logging defaults into each
// deployment, resolves the global environment, and validates every
// deployment config.
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

	cfg := &Config{
		StateDir: fc.StateDir,
		Server:   fc.Server,
		Metrics:  fc.Metrics,
		History:  fc.History,
	}
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if fc.Log != nil {
		cfg.Log = *fc.Log
	}

	env, err := resolveGlobalEnv(fc)
	if err != nil {
		return nil, err
	}
	cfg.GlobalEnv = env

	seen := make(map[string]struct{}, len(fc.Deployments))
	for i := range fc.Deployments {
		dc := &fc.Deployments[i]
		applyLogDefaults(dc, fc.Log)
		if err := dc.Validate(); err != nil {
			return nil, fmt.Errorf("deployment %q: %w", dc.ID, err)
		}
		if _, dup := seen[dc.ID]; dup {
			return nil, fmt.Errorf("duplicate deployment id %q", dc.ID)
		}
		seen[dc.ID] = struct{}{}
	}
	cfg.Deployments = fc.Deployments
	return cfg, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".localops/state"
	}
	return filepath.Join(home, ".localops", "state")
}

// applyLogDefaults fills a deployment's log config from top-level defaults,
// keeping any per-deployment overrides.
func applyLogDefaults(dc *deployment.Config, top *LogConfig) {
	if top == nil {
		return
	}
	if dc.Log.Dir == "" {
		dc.Log.Dir = top.Dir
	}
	if dc.Log.MaxSizeMB == 0 {
		dc.Log.MaxSizeMB = top.MaxSizeMB
	}
	if dc.Log.MaxBackups == 0 {
		dc.Log.MaxBackups = top.MaxBackups
	}
	if dc.Log.MaxAgeDays == 0 {
		dc.Log.MaxAgeDays = top.MaxAgeDays
	}
	if top.Compress {
		dc.Log.Compress = true
	}
}

// resolveGlobalEnv merges env sources. Precedence: OS env (when enabled)
// provides the base; env_files apply next in order; the top-level env list
// overrides last.
func resolveGlobalEnv(fc FileConfig) ([]string, error) {
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, val := range pairs {
			m[k] = val
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, val := range m {
		out = append(out, k+"="+val)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			val := strings.TrimSpace(line[i+1:])
			m[k] = val
		}
	}
	return m, nil
}
