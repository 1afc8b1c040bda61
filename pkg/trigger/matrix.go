package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aixgo-dev/agentd/pkg/security"
)

// Matrix syncs an account and turns allowed text messages into events.
// Messages sent before Start are ignored so a restart does not replay history.
type Matrix struct {
	cfg      MatrixConfig
	cb       Callback
	filter   chatFilter[string]
	self     id.UserID
	redactor *security.Redactor
	logger   *slog.Logger

	mu      sync.Mutex
	client  *mautrix.Client
	cancel  context.CancelFunc
	done    chan struct{}
	startMs int64
}

// NewMatrix builds a Matrix source. Syncing begins on Start.
func NewMatrix(cfg MatrixConfig, cb Callback, opts ...Option) (*Matrix, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	m := &Matrix{
		cfg:      cfg,
		cb:       cb,
		filter:   newChatFilter(cfg.AllowedUsers, cfg.AllowedRooms, cfg.AllowAll, cfg.CommandPrefix),
		self:     id.UserID(cfg.UserID),
		redactor: security.NewRedactor(cfg.AccessToken),
		logger:   o.logger.With("component", "trigger.matrix", "user_id", cfg.UserID),
	}
	if !cfg.AllowAll && len(cfg.AllowedUsers) == 0 {
		m.logger.Warn("no allowed_users configured, every message will be dropped")
	}
	return m, nil
}

func (m *Matrix) Type() Type { return TypeMatrix }

func (m *Matrix) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return nil
	}

	client, err := mautrix.NewClient(m.cfg.Homeserver, m.self, m.cfg.AccessToken)
	if err != nil {
		return errors.New("matrix: " + m.redactor.Redact(err.Error()))
	}
	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, m.handleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.startMs = time.Now().UnixMilli()
	go func() {
		defer close(done)
		if err := client.SyncWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("matrix sync stopped", "error", m.redactor.Redact(err.Error()))
		}
	}()

	m.client, m.cancel, m.done = client, cancel, done
	m.logger.Info("matrix trigger started", "homeserver", m.cfg.Homeserver)
	return nil
}

// Stop cancels the sync loop and waits for it, including a running callback.
func (m *Matrix) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.client, m.cancel, m.done = nil, nil, nil
	m.logger.Info("matrix trigger stopped")
	return nil
}

func (m *Matrix) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Matrix) handleEvent(_ context.Context, evt *event.Event) {
	if evt == nil || evt.Sender == m.self || evt.Timestamp < m.startMs {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	if !m.filter.allowed(evt.Sender.String(), evt.RoomID.String()) {
		m.logger.Debug("dropping message from unauthorized sender", "sender", evt.Sender.String(), "room_id", evt.RoomID.String())
		return
	}
	prompt, ok := m.filter.prompt(content.Body)
	if !ok {
		return
	}
	m.cb(NewEvent(TypeMatrix, prompt, map[string]any{
		"sender":   evt.Sender.String(),
		"room_id":  evt.RoomID.String(),
		"event_id": evt.ID.String(),
	}))
}
