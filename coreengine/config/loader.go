package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/ratelimit"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KAREN_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// ServerConfig configures the network listeners.
type ServerConfig struct {
	HTTPAddr string `koanf:"http_addr"`
	GRPCAddr string `koanf:"grpc_addr"`
	// AllowedOrigins restricts WebSocket origins; empty allows all.
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TracingConfig configures the OTLP exporter. Empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Environment string  `koanf:"environment"`
	SampleRatio float64 `koanf:"sample_ratio"`
	Insecure    bool    `koanf:"insecure"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend    string `koanf:"backend"` // memory or sqlite
	SQLitePath string `koanf:"sqlite_path"`
}

// AuthUserConfig is one entry of the static auth directory.
type AuthUserConfig struct {
	Email    string   `koanf:"email"`
	Roles    []string `koanf:"roles"`
	TenantID string   `koanf:"tenant_id"`
	Token    string   `koanf:"token"`
	Disabled bool     `koanf:"disabled"`
}

// AuthConfig configures the built-in auth directory. AllowUnknown admits
// any user id with the base role.
type AuthConfig struct {
	AllowUnknown bool                      `koanf:"allow_unknown"`
	Users        map[string]AuthUserConfig `koanf:"users"`
}

// ServiceConfig is the full process configuration.
type ServiceConfig struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Tracing       TracingConfig       `koanf:"tracing"`
	Checkpoint    CheckpointConfig    `koanf:"checkpoint"`
	Auth          AuthConfig          `koanf:"auth"`
	RateLimit     ratelimit.Config    `koanf:"rate_limit"`
	Orchestration OrchestrationConfig `koanf:"orchestration"`
}

// DefaultServiceConfig returns a ServiceConfig with default values.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "karen-orchestrator",
			Environment: "development",
			SampleRatio: 0.25,
			Insecure:    true,
		},
		Checkpoint: CheckpointConfig{
			Backend:    "memory",
			SQLitePath: "karen-checkpoints.db",
		},
		Auth: AuthConfig{
			AllowUnknown: true,
		},
		RateLimit: ratelimit.Config{
			RequestsPerMinute: 120,
			RequestsPerHour:   3000,
		},
		Orchestration: DefaultOrchestrationConfig(),
	}
}

// Validate validates the service configuration.
func (c *ServiceConfig) Validate() error {
	switch c.Checkpoint.Backend {
	case "memory":
	case "sqlite":
		if c.Checkpoint.SQLitePath == "" {
			return fmt.Errorf("checkpoint.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %g", c.Tracing.SampleRatio)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.RequestsPerHour < 0 {
		return fmt.Errorf("rate_limit values must be non-negative")
	}
	return c.Orchestration.Validate()
}

// Load loads configuration from an optional YAML file, then overrides with
// KAREN_-prefixed environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (KAREN_SERVER_HTTP_ADDR -> server.http_addr)
//  2. YAML config file
//  3. Defaults
//
// An empty path skips the file. A path that does not exist is an error.
func Load(path string) (*ServiceConfig, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := DefaultServiceConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// multiWordSections are section names containing an underscore.
var multiWordSections = []string{"rate_limit"}

// envKey maps KAREN_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range multiWordSections {
		if rest, ok := strings.CutPrefix(lower, section+"_"); ok {
			return section + "." + rest
		}
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path %s is a directory", path)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
