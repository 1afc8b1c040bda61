package trigger

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const triggersYAML = `
- type: cron
  schedule: "*/5 * * * *"
  timezone: Europe/Berlin
  prompt: check the queue
- type: file_watch
  paths: [./docs]
  extensions: [md, .txt]
  debounce: 250ms
  recursive: true
- type: webhook
  port: 8089
  path: /hooks/deploy
  rate_limit_rpm: 30
- type: webhook
  port: 8090
  path: /open
  insecure_no_auth: true
- type: telegram
  token: "123:abc"
  allowed_users: [42]
- type: discord
  token: discord-token
  allowed_channels: ["c1"]
  command_prefix: "!agent"
- type: matrix
  homeserver: https://matrix.example.org
  user_id: "@bot:example.org"
  access_token: syt_secret
  allowed_rooms: ["!room:example.org"]
`

func TestConfigDecodesEveryVariant(t *testing.T) {
	var cfgs []Config
	require.NoError(t, yaml.Unmarshal([]byte(triggersYAML), &cfgs))
	require.Len(t, cfgs, 7)

	assert.Equal(t, TypeCron, cfgs[0].Type)
	require.NotNil(t, cfgs[0].Cron)
	assert.Equal(t, "Europe/Berlin", cfgs[0].Cron.Timezone)
	assert.Nil(t, cfgs[0].Webhook)

	require.NotNil(t, cfgs[1].FileWatch)
	assert.Equal(t, 250*time.Millisecond, cfgs[1].FileWatch.Debounce)
	assert.True(t, cfgs[1].FileWatch.Recursive)

	hook := cfgs[2].Webhook
	require.NotNil(t, hook)
	assert.Equal(t, 30, hook.RateLimitRPM)
	assert.Equal(t, DefaultMaxBodyBytes, hook.MaxBodyBytes)
	assert.Len(t, hook.Secret, 64, "missing secret is generated")

	open := cfgs[3].Webhook
	require.NotNil(t, open)
	assert.Empty(t, open.Secret)
	assert.Equal(t, DefaultRateLimitRPM, open.RateLimitRPM)

	assert.Equal(t, []int64{42}, cfgs[4].Telegram.AllowedUsers)
	assert.Equal(t, "!agent", cfgs[5].Discord.CommandPrefix)
	assert.Equal(t, "@bot:example.org", cfgs[6].Matrix.UserID)

	for i := range cfgs {
		assert.NoError(t, cfgs[i].Validate(), "config %d", i)
	}
}

func TestConfigRejectsUnknownAndMissingType(t *testing.T) {
	var cfg Config
	err := yaml.Unmarshal([]byte("type: sms\nnumber: 1"), &cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))

	err = yaml.Unmarshal([]byte("schedule: '* * * * *'"), &cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad schedule", Config{Type: TypeCron, Cron: &CronConfig{Schedule: "every day", Prompt: "p"}}},
		{"bad timezone", Config{Type: TypeCron, Cron: &CronConfig{Schedule: "@hourly", Timezone: "Mars/Olympus", Prompt: "p"}}},
		{"cron without prompt", Config{Type: TypeCron, Cron: &CronConfig{Schedule: "@hourly"}}},
		{"no paths", Config{Type: TypeFileWatch, FileWatch: &FileWatchConfig{}}},
		{"relative webhook path", Config{Type: TypeWebhook, Webhook: &WebhookConfig{Path: "hooks", Secret: "s"}}},
		{"webhook without secret", Config{Type: TypeWebhook, Webhook: &WebhookConfig{Path: "/h"}}},
		{"webhook port", Config{Type: TypeWebhook, Webhook: &WebhookConfig{Port: 70000, Path: "/h", Secret: "s"}}},
		{"telegram token", Config{Type: TypeTelegram, Telegram: &TelegramConfig{}}},
		{"discord token", Config{Type: TypeDiscord, Discord: &DiscordConfig{}}},
		{"matrix fields", Config{Type: TypeMatrix, Matrix: &MatrixConfig{Homeserver: "https://m"}}},
		{"variant missing", Config{Type: TypeCron}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	unknown := Config{Type: "pager"}
	assert.True(t, errors.Is(unknown.Validate(), ErrUnknownType))
}

func TestGeneratedSecretsAreUnique(t *testing.T) {
	a, err := NewWebhookConfig(0, "/a")
	require.NoError(t, err)
	b, err := NewWebhookConfig(0, "/a")
	require.NoError(t, err)

	assert.NotEmpty(t, a.Secret)
	assert.NotEqual(t, a.Secret, b.Secret)
}

func TestDescribeMasksSecrets(t *testing.T) {
	hook, err := NewWebhookConfig(9000, "/h")
	require.NoError(t, err)
	cfg := Config{Type: TypeWebhook, Webhook: hook}

	desc := cfg.Describe()
	assert.Contains(t, desc, "/h")
	assert.NotContains(t, desc, hook.Secret)

	open := Config{Type: TypeWebhook, Webhook: &WebhookConfig{Port: 1, Path: "/o", InsecureNoAuth: true}}
	assert.Contains(t, open.Describe(), "UNAUTHENTICATED")

	tg := Config{Type: TypeTelegram, Telegram: &TelegramConfig{Token: "123:very-secret"}}
	assert.False(t, strings.Contains(tg.Describe(), "very-secret"))
}

func TestConfigMarshalRoundTripKeepsType(t *testing.T) {
	in := Config{Type: TypeCron, Cron: &CronConfig{Schedule: "@daily", Prompt: "report"}}
	data, err := yaml.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: cron")

	var out Config
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, in.Cron, out.Cron)
}
