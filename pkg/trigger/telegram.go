package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/aixgo-dev/agentd/pkg/security"
)

const (
	defaultTelegramPollTimeout = 30
	telegramRetryDelay         = 3 * time.Second
)

// telegramBot is the part of *tgbotapi.BotAPI the source uses.
type telegramBot interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// Telegram long-polls the Bot API and turns allowed messages into events.
// Polling runs on the source's own goroutine with a cancellable HTTP client,
// so Stop interrupts an in-flight long poll and waits for it.
type Telegram struct {
	cfg        TelegramConfig
	cb         Callback
	filter     chatFilter[int64]
	redactor   *security.Redactor
	logger     *slog.Logger
	endpoint   string
	retryDelay time.Duration
	newBot     func(token, endpoint string, client tgbotapi.HTTPClient) (telegramBot, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	// next unacknowledged update ID, kept across restarts
	offset atomic.Int64
}

// NewTelegram builds a Telegram source. The bot connects on Start.
func NewTelegram(cfg TelegramConfig, cb Callback, opts ...Option) (*Telegram, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultTelegramPollTimeout
	}
	o := buildOptions(opts)
	t := &Telegram{
		cfg:        cfg,
		cb:         cb,
		filter:     newChatFilter(cfg.AllowedUsers, cfg.AllowedChats, cfg.AllowAll, ""),
		redactor:   security.NewRedactor(cfg.Token),
		logger:     o.logger.With("component", "trigger.telegram"),
		endpoint:   tgbotapi.APIEndpoint,
		retryDelay: telegramRetryDelay,
		newBot: func(token, endpoint string, client tgbotapi.HTTPClient) (telegramBot, error) {
			return tgbotapi.NewBotAPIWithClient(token, endpoint, client)
		},
	}
	libraryLog.register(cfg.Token, t.logger)
	if !cfg.AllowAll && len(cfg.AllowedUsers) == 0 {
		t.logger.Warn("no allowed_users configured, every message will be dropped")
	}
	return t, nil
}

func (t *Telegram) Type() Type { return TypeTelegram }

// Start authenticates the bot and begins long polling.
func (t *Telegram) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := contextClient{
		ctx:    ctx,
		client: &http.Client{Timeout: time.Duration(t.cfg.PollTimeout)*time.Second + 10*time.Second},
	}
	bot, err := t.newBot(t.cfg.Token, t.endpoint, client)
	if err != nil {
		cancel()
		// transport errors embed the request URL, which contains the token
		return errors.New("telegram: " + t.redactor.Redact(err.Error()))
	}

	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	go t.poll(ctx, bot, int(t.offset.Load()), done)
	t.logger.Info("telegram trigger started")
	return nil
}

// Stop cancels the long poll and waits for the polling goroutine, including a
// running callback. Updates fetched but not yet handled stay unacknowledged
// and are delivered again on the next Start.
func (t *Telegram) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return nil
	}
	t.cancel()
	<-t.done
	t.cancel, t.done = nil, nil
	t.logger.Info("telegram trigger stopped")
	return nil
}

func (t *Telegram) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Telegram) poll(ctx context.Context, bot telegramBot, offset int, done chan<- struct{}) {
	defer close(done)
	defer func() { t.offset.Store(int64(offset)) }()

	u := tgbotapi.NewUpdate(offset)
	u.Timeout = t.cfg.PollTimeout
	for {
		u.Offset = offset
		updates, err := bot.GetUpdates(u)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.Warn("failed to get updates, retrying",
				"error", t.redactor.Redact(err.Error()), "retry_in", t.retryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.retryDelay):
			}
			continue
		}
		for _, up := range updates {
			if ctx.Err() != nil {
				return
			}
			if up.UpdateID >= offset {
				offset = up.UpdateID + 1
			}
			t.handleUpdate(up)
		}
	}
}

func (t *Telegram) handleUpdate(u tgbotapi.Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !t.filter.allowed(msg.From.ID, msg.Chat.ID) {
		t.logger.Debug("dropping message from unauthorized sender", "user_id", msg.From.ID, "chat_id", msg.Chat.ID)
		return
	}
	prompt, ok := t.filter.prompt(msg.Text)
	if !ok {
		return
	}
	t.cb(NewEvent(TypeTelegram, prompt, map[string]any{
		"user_id":    msg.From.ID,
		"username":   msg.From.UserName,
		"chat_id":    msg.Chat.ID,
		"message_id": msg.MessageID,
	}))
}

// contextClient binds every Bot API request to the source's lifetime.
type contextClient struct {
	ctx    context.Context
	client *http.Client
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// libraryLog replaces the Bot API package logger, which writes request URLs
// (and with them the bot token) to stderr. Output goes to slog with every
// registered token scrubbed.
var libraryLog = &telegramLibraryLog{}

type telegramLibraryLog struct {
	once     sync.Once
	mu       sync.Mutex
	tokens   []string
	redactor *security.Redactor
	logger   *slog.Logger
}

func (l *telegramLibraryLog) register(token string, logger *slog.Logger) {
	l.once.Do(func() {
		_ = tgbotapi.SetLogger(l)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if !slices.Contains(l.tokens, token) {
		l.tokens = append(l.tokens, token)
		l.redactor = security.NewRedactor(l.tokens...)
	}
	l.logger = logger
}

func (l *telegramLibraryLog) Println(v ...any) {
	l.write(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (l *telegramLibraryLog) Printf(format string, v ...any) {
	l.write(strings.TrimSuffix(fmt.Sprintf(format, v...), "\n"))
}

func (l *telegramLibraryLog) write(msg string) {
	l.mu.Lock()
	redactor, logger := l.redactor, l.logger
	l.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("telegram library", "message", redactor.Redact(msg))
}
