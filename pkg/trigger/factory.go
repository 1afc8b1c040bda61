package trigger

import "fmt"

// New builds the Source described by cfg. Webhook defaults, including a
// generated secret, are applied to a copy before validation, so a malformed
// or unknown trigger fails here and no goroutine is started.
func New(cfg Config, cb Callback, opts ...Option) (Source, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidConfig)
	}
	if cfg.Type == TypeWebhook && cfg.Webhook != nil {
		wc := *cfg.Webhook
		if err := wc.ApplyDefaults(); err != nil {
			return nil, err
		}
		cfg.Webhook = &wc
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case TypeCron:
		return NewCron(*cfg.Cron, cb, opts...)
	case TypeFileWatch:
		return NewFileWatch(*cfg.FileWatch, cb, opts...)
	case TypeWebhook:
		return NewWebhook(*cfg.Webhook, cb, opts...)
	case TypeTelegram:
		return NewTelegram(*cfg.Telegram, cb, opts...)
	case TypeDiscord:
		return NewDiscord(*cfg.Discord, cb, opts...)
	case TypeMatrix:
		return NewMatrix(*cfg.Matrix, cb, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}
