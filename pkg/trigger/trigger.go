// Package trigger turns external stimuli into a uniform stream of Events.
//
// Each Source owns its own goroutine and reports events through a Callback.
// A Dispatcher builds one Source per Config and funnels their events through
// a single bounded queue into one consumer, so the user callback observes the
// events of one source in delivery order and is never entered concurrently.
package trigger

import (
	"errors"
	"log/slog"
	"maps"
	"time"
)

// Type identifies the kind of source that produced an event.
type Type string

const (
	TypeCron      Type = "cron"
	TypeFileWatch Type = "file_watch"
	TypeWebhook   Type = "webhook"
	TypeTelegram  Type = "telegram"
	TypeDiscord   Type = "discord"
	TypeMatrix    Type = "matrix"
)

var (
	// ErrUnknownType is returned for configs whose type has no source implementation.
	ErrUnknownType = errors.New("unknown trigger type")
	// ErrInvalidConfig wraps every validation failure of a trigger config.
	ErrInvalidConfig = errors.New("invalid trigger config")
)

// Event is a normalized unit of work produced by a Source.
// It is immutable once produced.
type Event struct {
	Prompt    string
	Type      Type
	Timestamp time.Time
	Metadata  map[string]any
}

// NewEvent stamps an event with the current time and copies metadata.
func NewEvent(t Type, prompt string, metadata map[string]any) Event {
	md := make(map[string]any, len(metadata))
	maps.Copy(md, metadata)
	return Event{
		Prompt:    prompt,
		Type:      t,
		Timestamp: time.Now().UTC(),
		Metadata:  md,
	}
}

// Callback receives events. Sources call it from their own goroutine.
type Callback func(Event)

// Source produces events on a goroutine it owns.
type Source interface {
	// Type returns the kind of events the source produces.
	Type() Type
	// Start begins producing events. Calling Start on a running source is a no-op.
	Start() error
	// Stop terminates the source and waits for its goroutine to exit.
	// In-flight callbacks complete first. Calling Stop twice is a no-op.
	Stop() error
	// Running reports whether the source goroutine is alive.
	Running() bool
}

// Observer receives notifications useful for metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	EventEmitted(t Type)
	WebhookRejected(path, reason string)
	CallbackPanicked(t Type)
}

type noopObserver struct{}

func (noopObserver) EventEmitted(Type)              {}
func (noopObserver) WebhookRejected(string, string) {}
func (noopObserver) CallbackPanicked(Type)          {}

// Option configures sources and the dispatcher.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	observer  Observer
	queueSize int
}

func buildOptions(opts []Option) options {
	o := options{
		logger:    slog.Default(),
		observer:  noopObserver{},
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used by sources and the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithQueueSize bounds the dispatcher queue.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}
