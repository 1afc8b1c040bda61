// Package config loads agent definitions (YAML) and the service
// configuration (TOML). Both expand ${VAR} references from the environment
// before decoding.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/memory"
	"github.com/aixgo-dev/agentd/pkg/observability"
	"github.com/aixgo-dev/agentd/pkg/security"
	"github.com/aixgo-dev/agentd/pkg/sink"
)

// Environment variables consulted when the service config leaves a field empty.
const (
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIBaseURL = "OPENAI_BASE_URL"
	EnvLogLevel      = "AGENTD_LOG_LEVEL"
	EnvLogFormat     = "AGENTD_LOG_FORMAT"
)

var (
	// ErrInvalid wraps every decode or validation failure of a config file.
	ErrInvalid = errors.New("invalid configuration")

	envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// LoadDefinition reads, expands and validates an agent definition file.
func LoadDefinition(path string) (*agent.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent definition: %w", err)
	}
	a, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// ParseDefinition decodes an agent definition through the size and depth
// limited YAML parser, then applies defaults and validates it.
func ParseDefinition(data []byte) (*agent.Agent, error) {
	parser := security.NewSafeYAMLParser(security.DefaultYAMLLimits()).Strict()
	var a agent.Agent
	if err := parser.Unmarshal([]byte(ExpandEnv(string(data))), &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	a.ApplyDefaults()
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return &a, nil
}

// ExpandEnv replaces ${VAR} with the value of VAR. Unset variables expand to
// the empty string. A bare $ is left alone so prompts may contain prices.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// Service is the process-level configuration shared by every command.
type Service struct {
	Log     LogConfig                   `toml:"log"`
	Metrics MetricsConfig               `toml:"metrics"`
	Tracing observability.TracingConfig `toml:"tracing"`
	Audit   AuditConfig                 `toml:"audit"`
	Memory  memory.Config               `toml:"memory"`
	Sinks   []sink.Config               `toml:"sinks"`
	OpenAI  OpenAIConfig                `toml:"openai"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig enables the health and metrics server in daemon mode.
// An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// AuditConfig selects the JSON-lines audit log. An empty Path disables it.
type AuditConfig struct {
	Path string `toml:"path"`
}

type OpenAIConfig struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
}

// DefaultService returns the configuration used when no file is given.
func DefaultService() *Service {
	s := &Service{}
	s.applyDefaults()
	return s
}

// LoadService reads a TOML service config. An empty path yields
// DefaultService with environment fallbacks applied.
func LoadService(path string) (*Service, error) {
	if path == "" {
		return DefaultService(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	s, err := ParseService(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseService decodes TOML service config text.
func ParseService(text string) (*Service, error) {
	var s Service
	md, err := toml.Decode(ExpandEnv(text), &s)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing config: %w", ErrInvalid, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys: %s", ErrInvalid, strings.Join(keys, ", "))
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Service) applyDefaults() {
	if s.Log.Level == "" {
		s.Log.Level = envOr(EnvLogLevel, "info")
	}
	if s.Log.Format == "" {
		s.Log.Format = envOr(EnvLogFormat, "text")
	}
	if s.OpenAI.APIKey == "" {
		s.OpenAI.APIKey = os.Getenv(EnvOpenAIKey)
	}
	if s.OpenAI.BaseURL == "" {
		s.OpenAI.BaseURL = os.Getenv(EnvOpenAIBaseURL)
	}
	if s.Tracing.ServiceName == "" {
		s.Tracing.ServiceName = observability.DefaultServiceName
	}
}

// Validate checks the fields that would otherwise fail late at startup.
func (s *Service) Validate() error {
	switch strings.ToLower(s.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, s.Log.Level)
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, s.Log.Format)
	}
	switch s.Tracing.Exporter {
	case "", observability.ExporterNone, observability.ExporterStdout:
	case observability.ExporterOTLP:
		if s.Tracing.Endpoint == "" {
			return fmt.Errorf("%w: tracing.endpoint is required for the otlp exporter", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: tracing.exporter %q", ErrInvalid, s.Tracing.Exporter)
	}
	switch strings.ToLower(s.Memory.Backend) {
	case "", memory.BackendNone, memory.BackendFile, memory.BackendSQLite:
	case memory.BackendRedis:
		if s.Memory.RedisAddr == "" {
			return fmt.Errorf("%w: memory.redis_addr is required for the redis backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: memory.backend %q", ErrInvalid, s.Memory.Backend)
	}
	for i, sc := range s.Sinks {
		if err := validateSink(sc); err != nil {
			return fmt.Errorf("%w: sinks[%d]: %v", ErrInvalid, i, err)
		}
	}
	return nil
}

func validateSink(sc sink.Config) error {
	switch strings.ToLower(sc.Type) {
	case sink.TypeWebhook:
		if sc.URL == "" {
			return errors.New("url is required")
		}
	case sink.TypeFile:
		if sc.Path == "" {
			return errors.New("path is required")
		}
	case sink.TypeRedis:
		if sc.RedisAddr == "" {
			return errors.New("redis_addr is required")
		}
	default:
		return fmt.Errorf("unknown type %q", sc.Type)
	}
	return nil
}

// Secrets returns the credential values that must be scrubbed from logs,
// audit records and sink errors.
func (s *Service) Secrets() []string {
	out := []string{s.OpenAI.APIKey, s.Memory.RedisPassword}
	for _, sc := range s.Sinks {
		out = append(out, sc.Secret, sc.RedisPassword)
	}
	for _, v := range s.Tracing.Headers {
		out = append(out, v)
	}
	return out
}

// DefinitionSecrets returns trigger credentials and webhook secrets of every
// role in a.
func DefinitionSecrets(a *agent.Agent) []string {
	var out []string
	for _, r := range a.Roles {
		for _, tc := range r.Triggers {
			switch {
			case tc.Webhook != nil:
				out = append(out, tc.Webhook.Secret)
			case tc.Telegram != nil:
				out = append(out, tc.Telegram.Token)
			case tc.Discord != nil:
				out = append(out, tc.Discord.Token)
			case tc.Matrix != nil:
				out = append(out, tc.Matrix.AccessToken)
			}
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
