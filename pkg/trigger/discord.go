package trigger

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/aixgo-dev/agentd/pkg/security"
)

// discordSession is the part of *discordgo.Session the source uses.
type discordSession interface {
	AddHandler(handler any) func()
	Open() error
	Close() error
}

// Discord listens on the gateway for messages from allowed users.
type Discord struct {
	cfg        DiscordConfig
	cb         Callback
	filter     chatFilter[string]
	redactor   *security.Redactor
	logger     *slog.Logger
	newSession func(token string) (discordSession, error)

	mu      sync.Mutex
	session discordSession
	remove  func()

	// handlers run on discordgo goroutines; Stop waits for them
	inflightMu sync.Mutex
	closing    bool
	inflight   sync.WaitGroup
}

// NewDiscord builds a Discord source. The gateway connects on Start.
func NewDiscord(cfg DiscordConfig, cb Callback, opts ...Option) (*Discord, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	d := &Discord{
		cfg:      cfg,
		cb:       cb,
		filter:   newChatFilter(cfg.AllowedUsers, cfg.AllowedChannels, cfg.AllowAll, cfg.CommandPrefix),
		redactor: security.NewRedactor(cfg.Token),
		logger:   o.logger.With("component", "trigger.discord"),
		newSession: func(token string) (discordSession, error) {
			s, err := discordgo.New("Bot " + token)
			if err != nil {
				return nil, err
			}
			s.Identify.Intents = discordgo.IntentsGuildMessages |
				discordgo.IntentsDirectMessages |
				discordgo.IntentsMessageContent
			return s, nil
		},
	}
	if !cfg.AllowAll && len(cfg.AllowedUsers) == 0 {
		d.logger.Warn("no allowed_users configured, every message will be dropped")
	}
	return d, nil
}

func (d *Discord) Type() Type { return TypeDiscord }

func (d *Discord) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session != nil {
		return nil
	}

	s, err := d.newSession(d.cfg.Token)
	if err != nil {
		return errors.New("discord: " + d.redactor.Redact(err.Error()))
	}
	d.inflightMu.Lock()
	d.closing = false
	d.inflightMu.Unlock()

	remove := s.AddHandler(d.onMessage)
	if err := s.Open(); err != nil {
		remove()
		return errors.New("discord: open gateway: " + d.redactor.Redact(err.Error()))
	}
	d.session, d.remove = s, remove
	d.logger.Info("discord trigger started")
	return nil
}

// Stop closes the gateway and waits for running message handlers.
func (d *Discord) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	d.remove()
	err := d.session.Close()

	d.inflightMu.Lock()
	d.closing = true
	d.inflightMu.Unlock()
	d.inflight.Wait()

	d.session, d.remove = nil, nil
	d.logger.Info("discord trigger stopped")
	return err
}

func (d *Discord) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

func (d *Discord) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	d.inflightMu.Lock()
	if d.closing {
		d.inflightMu.Unlock()
		return
	}
	d.inflight.Add(1)
	d.inflightMu.Unlock()
	defer d.inflight.Done()

	var selfID string
	if s != nil && s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	d.handleMessage(selfID, m)
}

func (d *Discord) handleMessage(selfID string, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == selfID || m.Author.Bot {
		return
	}
	if !d.filter.allowed(m.Author.ID, m.ChannelID) {
		d.logger.Debug("dropping message from unauthorized sender", "user_id", m.Author.ID, "channel_id", m.ChannelID)
		return
	}
	prompt, ok := d.filter.prompt(m.Content)
	if !ok {
		return
	}
	d.cb(NewEvent(TypeDiscord, prompt, map[string]any{
		"user_id":    m.Author.ID,
		"username":   m.Author.Username,
		"channel_id": m.ChannelID,
		"guild_id":   m.GuildID,
		"message_id": m.ID,
	}))
}
