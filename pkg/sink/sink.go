// Package sink fans completed run results out to external consumers.
//
// Dispatch is fire-and-forget for the caller: every sink receives the result,
// and a failing sink is logged without affecting the others or the caller.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentd/agent"
	"github.com/aixgo-dev/agentd/pkg/security"
)

// Sink types accepted by Config.Type.
const (
	TypeWebhook = "webhook"
	TypeFile    = "file"
	TypeRedis   = "redis"
)

// DefaultSendTimeout bounds one Dispatch across all sinks.
const DefaultSendTimeout = 30 * time.Second

// Sink delivers run results somewhere. Implementations must be safe for
// concurrent use.
type Sink interface {
	Name() string
	Send(ctx context.Context, p *Payload) error
	Close() error
}

// Payload is the document every sink writes.
type Payload struct {
	ID     string           `json:"id"`
	SentAt time.Time        `json:"sent_at"`
	Result *agent.RunResult `json:"result"`
}

// NewPayload wraps a result with a delivery ID.
func NewPayload(r *agent.RunResult) *Payload {
	return &Payload{ID: uuid.NewString(), SentAt: time.Now().UTC(), Result: r}
}

// Config describes one sink.
type Config struct {
	Type string `toml:"type"`

	// webhook
	URL        string            `toml:"url"`
	Secret     string            `toml:"secret"`
	Headers    map[string]string `toml:"headers"`
	MaxRetries int               `toml:"max_retries"`

	// AllowPrivate lets the webhook reach loopback and private addresses.
	AllowPrivate bool     `toml:"allow_private"`
	AllowedHosts []string `toml:"allowed_hosts"`

	// file
	Path string `toml:"path"`

	// redis
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	Stream        string `toml:"stream"`
	MaxLen        int64  `toml:"max_len"`
}

// Dispatcher sends each result to every configured sink in parallel.
// A nil *Dispatcher dispatches nothing.
type Dispatcher struct {
	sinks    []Sink
	timeout  time.Duration
	logger   *slog.Logger
	redactor *security.Redactor
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTimeout overrides DefaultSendTimeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithRedactor scrubs secrets from logged sink errors.
func WithRedactor(r *security.Redactor) Option {
	return func(d *Dispatcher) { d.redactor = r }
}

// NewDispatcher creates a dispatcher over sinks.
func NewDispatcher(sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		timeout: DefaultSendTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "sink")
	return d
}

// FromConfigs builds the sinks described by cfgs. Sinks opened before a
// failing one are closed.
func FromConfigs(cfgs []Config, opts ...Option) (*Dispatcher, error) {
	sinks := make([]Sink, 0, len(cfgs))
	redactor := security.NewRedactor()
	for i, cfg := range cfgs {
		s, err := open(cfg)
		if err != nil {
			for _, opened := range sinks {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("sink %d: %w", i, err)
		}
		redactor.Add(cfg.Secret, cfg.RedisPassword)
		sinks = append(sinks, s)
	}
	return NewDispatcher(sinks, append([]Option{WithRedactor(redactor)}, opts...)...), nil
}

func open(cfg Config) (Sink, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeWebhook:
		guard := security.NewEgressGuard(security.EgressPolicy{
			AllowedHosts: cfg.AllowedHosts,
			AllowPrivate: cfg.AllowPrivate,
		})
		if err := guard.ValidateURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("webhook sink: %w", err)
		}
		return NewWebhookSink(WebhookConfig{
			URL:        cfg.URL,
			Secret:     cfg.Secret,
			Headers:    cfg.Headers,
			MaxRetries: cfg.MaxRetries,
			Client:     guard.Client(defaultWebhookTimeout),
		})
	case TypeFile:
		return OpenFileSink(cfg.Path)
	case TypeRedis:
		return NewRedisSink(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.Stream,
			MaxLen:   cfg.MaxLen,
		})
	default:
		return nil, fmt.Errorf("unknown sink type: %q", cfg.Type)
	}
}

// Len returns the number of sinks.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.sinks)
}

// Dispatch delivers r to every sink and waits for all of them. Sink errors
// are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, r *agent.RunResult) {
	if d == nil || r == nil || len(d.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	p := NewPayload(r)
	var g errgroup.Group
	for _, s := range d.sinks {
		g.Go(func() error {
			if err := s.Send(ctx, p); err != nil {
				d.logger.Warn("sink delivery failed",
					"sink", s.Name(),
					"agent", r.AgentName,
					"payload_id", p.ID,
					"error", d.redactor.Redact(err.Error()))
				return nil
			}
			d.logger.Debug("sink delivered", "sink", s.Name(), "payload_id", p.ID)
			return nil
		})
	}
	_ = g.Wait()
}

// Close closes every sink.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
