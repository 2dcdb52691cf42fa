// Package config reads the broker's environment-variable configuration
// surface and an optional YAML file that layers extra language-server
// registrations on top of the built-ins.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewright/lspbroker/internal/registry"
)

// Config is the broker's runtime configuration, assembled from the
// environment plus an optional registry-override file.
type Config struct {
	RootDir  string
	Timeout  time.Duration
	CacheTTL CacheTTLConfig

	EnableIdleMonitor    bool
	IdleThresholdSecs    int
	MaxRSSMB             float64
	MaxMemoryPercent     float64
	ResourceIntervalSecs int
	RestartGraceSecs     int
	MaxRestartAttempts   int
}

// CacheTTLConfig mirrors internal/cache.Config's fields, expressed in
// seconds (the unit the original system's environment variables use)
// rather than time.Duration, so this stays a plain serializable shape.
type CacheTTLConfig struct {
	DiagnosticsTTLSecs int
	HoverTTLSecs       int
	CompletionTTLSecs  int
	SymbolsTTLSecs     int
}

// FromEnv reads the broker's full environment-variable surface,
// applying the same defaults as original_source's config module.
func FromEnv() Config {
	cfg := Config{
		RootDir:              firstNonEmpty(os.Getenv("PROJECT_DIR"), os.Getenv("ROOT_DIR"), "."),
		Timeout:              durationSecondsEnv("LSP_TIMEOUT", 60*time.Second),
		EnableIdleMonitor:    boolEnv("LSP_ENABLE_IDLE_MONITOR", true),
		IdleThresholdSecs:    intEnv("LSP_IDLE_THRESHOLD_SECS", 900),
		MaxRSSMB:             floatEnv("LSP_MAX_RSS_MB", 1024.0),
		MaxMemoryPercent:     floatEnv("LSP_MAX_MEMORY_PERCENT", 10.0),
		ResourceIntervalSecs: intEnv("LSP_RESOURCE_INTERVAL_SECS", 30),
		RestartGraceSecs:     intEnv("LSP_RESTART_GRACE_SECS", 60),
		MaxRestartAttempts:   intEnv("LSP_MAX_RESTART_ATTEMPTS", 3),
		CacheTTL: CacheTTLConfig{
			DiagnosticsTTLSecs: 300,
			HoverTTLSecs:       60,
			CompletionTTLSecs:  30,
			SymbolsTTLSecs:     600,
		},
	}
	return cfg
}

// RegistryOverride is the shape of the optional LSPBROKER_CONFIG YAML
// file: a list of additional or replacement server configs, layered on
// top of the registry's built-ins via registry.Register (last wins).
type RegistryOverride struct {
	Servers []ServerOverride `yaml:"servers"`
}

// ServerOverride is one YAML-configured server entry.
type ServerOverride struct {
	Language       string   `yaml:"language"`
	ServerCommand  string   `yaml:"server_command"`
	Args           []string `yaml:"args"`
	ProjectMarkers []string `yaml:"project_markers"`
	FileExtensions []string `yaml:"file_extensions"`
	InitOptions    any      `yaml:"init_options"`
}

// ApplyRegistryOverride reads the file at LSPBROKER_CONFIG, if set, and
// layers its server entries into reg. Absent or unset is not an error:
// the registry's built-ins are used as-is.
func ApplyRegistryOverride(reg *registry.Registry) error {
	path := os.Getenv("LSPBROKER_CONFIG")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var override RegistryOverride
	if err := yaml.Unmarshal(data, &override); err != nil {
		return err
	}

	for _, s := range override.Servers {
		var initOptions json.RawMessage
		if s.InitOptions != nil {
			raw, err := yamlValueToJSON(s.InitOptions)
			if err != nil {
				return err
			}
			initOptions = raw
		}
		reg.Register(&registry.ServerConfig{
			Language:       registry.Language(s.Language),
			ServerCommand:  s.ServerCommand,
			Args:           s.Args,
			ProjectMarkers: s.ProjectMarkers,
			FileExtensions: s.FileExtensions,
			InitOptions:    initOptions,
		})
	}
	return nil
}

func yamlValueToJSON(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolEnv(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func intEnv(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func floatEnv(name string, def float64) float64 {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return parsed
}

func durationSecondsEnv(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
