package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/agentd/pkg/security"
)

const (
	// DefaultMaxBodyBytes caps webhook request bodies (1 MiB).
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultRateLimitRPM is the webhook request rate when none is configured.
	DefaultRateLimitRPM = 60
	// DefaultDebounce collapses bursts of filesystem changes.
	DefaultDebounce = 500 * time.Millisecond
)

// Config is a discriminated union keyed by Type. Exactly one variant is set.
type Config struct {
	Type      Type
	Cron      *CronConfig
	FileWatch *FileWatchConfig
	Webhook   *WebhookConfig
	Telegram  *TelegramConfig
	Discord   *DiscordConfig
	Matrix    *MatrixConfig
}

// CronConfig fires Prompt whenever Schedule matches in Timezone.
type CronConfig struct {
	Schedule string `yaml:"schedule"`
	Timezone string `yaml:"timezone,omitempty"`
	Prompt   string `yaml:"prompt"`
}

// FileWatchConfig emits one event per debounced burst of changes under Paths.
type FileWatchConfig struct {
	Paths      []string      `yaml:"paths"`
	Extensions []string      `yaml:"extensions,omitempty"`
	Debounce   time.Duration `yaml:"debounce,omitempty"`
	Recursive  bool          `yaml:"recursive,omitempty"`
	Prompt     string        `yaml:"prompt,omitempty"`
}

// WebhookConfig exposes an HMAC-authenticated HTTP endpoint.
type WebhookConfig struct {
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port"`
	Path           string `yaml:"path"`
	Secret         string `yaml:"secret,omitempty"`
	InsecureNoAuth bool   `yaml:"insecure_no_auth,omitempty"`
	RateLimitRPM   int    `yaml:"rate_limit_rpm,omitempty"`
	RateLimitBurst int    `yaml:"rate_limit_burst,omitempty"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes,omitempty"`
}

// TelegramConfig long-polls the Bot API. AllowedUsers holds numeric user IDs.
type TelegramConfig struct {
	Token        string  `yaml:"token"`
	AllowedUsers []int64 `yaml:"allowed_users,omitempty"`
	AllowedChats []int64 `yaml:"allowed_chats,omitempty"`
	AllowAll     bool    `yaml:"allow_all,omitempty"`
	PollTimeout  int     `yaml:"poll_timeout,omitempty"`
}

// DiscordConfig listens on the Discord gateway.
type DiscordConfig struct {
	Token           string   `yaml:"token"`
	AllowedUsers    []string `yaml:"allowed_users,omitempty"`
	AllowedChannels []string `yaml:"allowed_channels,omitempty"`
	AllowAll        bool     `yaml:"allow_all,omitempty"`
	CommandPrefix   string   `yaml:"command_prefix,omitempty"`
}

// MatrixConfig syncs a Matrix account.
type MatrixConfig struct {
	Homeserver    string   `yaml:"homeserver"`
	UserID        string   `yaml:"user_id"`
	AccessToken   string   `yaml:"access_token"`
	AllowedUsers  []string `yaml:"allowed_users,omitempty"`
	AllowedRooms  []string `yaml:"allowed_rooms,omitempty"`
	AllowAll      bool     `yaml:"allow_all,omitempty"`
	CommandPrefix string   `yaml:"command_prefix,omitempty"`
}

// UnmarshalYAML decodes the variant selected by the "type" key.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Type Type `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	if head.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidConfig)
	}

	*c = Config{Type: head.Type}
	switch head.Type {
	case TypeCron:
		c.Cron = &CronConfig{}
		return node.Decode(c.Cron)
	case TypeFileWatch:
		c.FileWatch = &FileWatchConfig{}
		return node.Decode(c.FileWatch)
	case TypeWebhook:
		c.Webhook = &WebhookConfig{}
		if err := node.Decode(c.Webhook); err != nil {
			return err
		}
		return c.Webhook.ApplyDefaults()
	case TypeTelegram:
		c.Telegram = &TelegramConfig{}
		return node.Decode(c.Telegram)
	case TypeDiscord:
		c.Discord = &DiscordConfig{}
		return node.Decode(c.Discord)
	case TypeMatrix:
		c.Matrix = &MatrixConfig{}
		return node.Decode(c.Matrix)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}

// MarshalYAML writes the active variant with its type key.
func (c Config) MarshalYAML() (any, error) {
	var body any
	switch c.Type {
	case TypeCron:
		body = c.Cron
	case TypeFileWatch:
		body = c.FileWatch
	case TypeWebhook:
		body = c.Webhook
	case TypeTelegram:
		body = c.Telegram
	case TypeDiscord:
		body = c.Discord
	case TypeMatrix:
		body = c.Matrix
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}

	var node yaml.Node
	if err := node.Encode(body); err != nil {
		return nil, err
	}
	typeKey := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"}
	typeVal := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(c.Type)}
	node.Content = append([]*yaml.Node{typeKey, typeVal}, node.Content...)
	return &node, nil
}

// Validate checks that the active variant matches Type and is well formed.
func (c *Config) Validate() error {
	var err error
	switch c.Type {
	case TypeCron:
		if c.Cron == nil {
			return variantMissing(c.Type)
		}
		err = c.Cron.validate()
	case TypeFileWatch:
		if c.FileWatch == nil {
			return variantMissing(c.Type)
		}
		err = c.FileWatch.validate()
	case TypeWebhook:
		if c.Webhook == nil {
			return variantMissing(c.Type)
		}
		err = c.Webhook.validate()
	case TypeTelegram:
		if c.Telegram == nil {
			return variantMissing(c.Type)
		}
		err = c.Telegram.validate()
	case TypeDiscord:
		if c.Discord == nil {
			return variantMissing(c.Type)
		}
		err = c.Discord.validate()
	case TypeMatrix:
		if c.Matrix == nil {
			return variantMissing(c.Type)
		}
		err = c.Matrix.validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.Type, err)
	}
	return nil
}

// Describe summarizes the config for operators. Secrets and tokens are masked.
func (c *Config) Describe() string {
	switch {
	case c.Cron != nil:
		tz := c.Cron.Timezone
		if tz == "" {
			tz = "Local"
		}
		return fmt.Sprintf("cron %q (%s)", c.Cron.Schedule, tz)
	case c.FileWatch != nil:
		return fmt.Sprintf("file_watch %s debounce=%s", strings.Join(c.FileWatch.Paths, ","), c.FileWatch.debounce())
	case c.Webhook != nil:
		auth := "hmac secret=" + security.MaskSecret(c.Webhook.Secret)
		if c.Webhook.InsecureNoAuth {
			auth = "UNAUTHENTICATED"
		}
		return fmt.Sprintf("webhook :%d%s %s rpm=%d", c.Webhook.Port, c.Webhook.Path, auth, c.Webhook.RateLimitRPM)
	case c.Telegram != nil:
		return fmt.Sprintf("telegram users=%d chats=%d", len(c.Telegram.AllowedUsers), len(c.Telegram.AllowedChats))
	case c.Discord != nil:
		return fmt.Sprintf("discord users=%d channels=%d", len(c.Discord.AllowedUsers), len(c.Discord.AllowedChannels))
	case c.Matrix != nil:
		return fmt.Sprintf("matrix %s as %s rooms=%d", c.Matrix.Homeserver, c.Matrix.UserID, len(c.Matrix.AllowedRooms))
	}
	return string(c.Type)
}

func variantMissing(t Type) error {
	return fmt.Errorf("%w: %s settings missing", ErrInvalidConfig, t)
}

func (c *CronConfig) validate() error {
	if strings.TrimSpace(c.Schedule) == "" {
		return errors.New("schedule is required")
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if strings.TrimSpace(c.Prompt) == "" {
		return errors.New("prompt is required")
	}
	return nil
}

func (c *FileWatchConfig) validate() error {
	if len(c.Paths) == 0 {
		return errors.New("at least one path is required")
	}
	if c.Debounce < 0 {
		return errors.New("debounce must not be negative")
	}
	return nil
}

func (c *FileWatchConfig) debounce() time.Duration {
	if c.Debounce > 0 {
		return c.Debounce
	}
	return DefaultDebounce
}

// NewWebhookConfig builds a webhook config with defaults and a fresh secret.
func NewWebhookConfig(port int, path string) (*WebhookConfig, error) {
	c := &WebhookConfig{Port: port, Path: path}
	if err := c.ApplyDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyDefaults fills defaults and generates a secret unless the operator
// explicitly opted out of authentication.
func (c *WebhookConfig) ApplyDefaults() error {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.RateLimitRPM == 0 {
		c.RateLimitRPM = DefaultRateLimitRPM
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Secret == "" && !c.InsecureNoAuth {
		secret, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		c.Secret = secret
	}
	return nil
}

func (c *WebhookConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return errors.New("max_body_bytes must not be negative")
	}
	if c.Secret == "" && !c.InsecureNoAuth {
		return errors.New("secret is required unless insecure_no_auth is set")
	}
	return nil
}

func (c *TelegramConfig) validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.PollTimeout < 0 {
		return errors.New("poll_timeout must not be negative")
	}
	return nil
}

func (c *DiscordConfig) validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

func (c *MatrixConfig) validate() error {
	if c.Homeserver == "" || c.UserID == "" || c.AccessToken == "" {
		return errors.New("homeserver, user_id and access_token are required")
	}
	return nil
}
