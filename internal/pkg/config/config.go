package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// key segments: RELAY_AGENT__ENDPOINT sets agent.endpoint.
const EnvPrefix = "RELAY_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Agent     AgentConfig     `koanf:"agent"`
	Storage   StorageConfig   `koanf:"storage"`
	Turn      TurnConfig      `koanf:"turn"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port        int             `koanf:"port"`
	CORSOrigins []string        `koanf:"cors_origins"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig is a per-client token bucket. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// AgentConfig locates the hosted agent.
type AgentConfig struct {
	Endpoint   string        `koanf:"endpoint"` // project endpoint, e.g. https://<account>.services.ai.azure.com/api/projects/<project>
	AgentID    string        `koanf:"agent_id"`
	APIKey     string        `koanf:"api_key"`
	APIVersion string        `koanf:"api_version"`
	Timeout    time.Duration `koanf:"timeout"` // connect + response header timeout
}

type StorageConfig struct {
	Type string `koanf:"type"` // memory, sqlite, redis
	// Retention is how long an untouched record is kept by the memory and
	// sqlite stores. Redis uses its own key TTL.
	Retention time.Duration `koanf:"retention"`
	SQLite    SQLiteConfig  `koanf:"sqlite"`
	Redis     RedisConfig   `koanf:"redis"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	TTL      time.Duration `koanf:"ttl"`
}

type TurnConfig struct {
	StreamTimeout time.Duration `koanf:"stream_timeout"`
	ConsentTTL    time.Duration `koanf:"consent_ttl"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":             8000,
	"server.rate_limit.rps":   5.0,
	"server.rate_limit.burst": 20,
	"agent.timeout":           "120s",
	"storage.type":            "memory",
	"storage.retention":       "24h",
	"storage.sqlite.path":     "relay.db",
	"storage.redis.addr":      "localhost:6379",
	"storage.redis.ttl":       "24h",
	"turn.stream_timeout":     "10m",
	"turn.consent_ttl":        "1h",
	"telemetry.service_name":  "agent-relay",
}

// legacyEnv maps the environment names used by earlier deployments onto
// config keys. They apply only when the key is otherwise unset.
var legacyEnv = map[string]string{
	"PROJECT_ENDPOINT": "agent.endpoint",
	"AGENT_ID":         "agent.agent_id",
	"CORS_ORIGINS":     "server.cors_origins",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml from the working directory, then the environment.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile reads path (a missing file is not an error), then RELAY_ env
// overrides, then legacy env names, then defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	for name, key := range legacyEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" && !k.Exists(key) {
			k.Set(key, v)
		}
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Secrets may be written as ${VAR} in the file.
	cfg.Agent.APIKey = substituteEnvVars(cfg.Agent.APIKey)
	cfg.Agent.Endpoint = substituteEnvVars(cfg.Agent.Endpoint)
	cfg.Storage.Redis.Password = substituteEnvVars(cfg.Storage.Redis.Password)
	cfg.Server.CORSOrigins = splitOrigins(cfg.Server.CORSOrigins)

	return &cfg, nil
}

// splitOrigins flattens comma-separated entries and drops blanks.
func splitOrigins(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, o := range strings.Split(entry, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
