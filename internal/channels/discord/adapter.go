// Package discord implements channels.Adapter against Discord's gateway via
// discordgo. discordgo's Session already handles gateway reconnection
// internally; this adapter's job is normalizing its events onto
// models.InboundEnvelope and enforcing the capability contract (typing
// indicators yes, streaming text deltas no — Discord has no incremental
// message-edit primitive cheap enough to call per token).
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lanehub/conductor/internal/channels"
	"github.com/lanehub/conductor/pkg/models"
)

// Config configures an Adapter.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Adapter is a Discord gateway-backed channels.Adapter.
type Adapter struct {
	cfg     Config
	inbound channels.InboundSender
	logger  *slog.Logger

	session *discordgo.Session

	mu          sync.RWMutex
	status      channels.Status
	seq         uint64
	sessionOpen bool
}

// New builds an Adapter. inbound receives every accepted message, already
// normalized to models.InboundEnvelope.
func New(cfg Config, inbound channels.InboundSender) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, inbound: inbound, logger: logger.With("adapter", "discord")}, nil
}

func (a *Adapter) ChannelID() models.ChannelID { return models.ChannelID("discord") }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{StreamingDeltas: false, TypingIndicator: true}
}

func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Start opens the gateway session and registers the inbound message
// handler. It blocks until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: build session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	a.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, s, m)
	})
	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.status = channels.Status{Connected: true, LastEvent: time.Now()}
		a.mu.Unlock()
		a.logger.Info("discord connected", "username", r.User.Username)
	})
	session.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		a.mu.Lock()
		a.status.Connected = false
		a.mu.Unlock()
		a.logger.Warn("discord disconnected")
	})

	if err := session.Open(); err != nil {
		a.mu.Lock()
		a.status = channels.Status{Connected: false, Error: err.Error()}
		a.mu.Unlock()
		return fmt.Errorf("discord: open session: %w", err)
	}
	a.mu.Lock()
	a.sessionOpen = true
	a.mu.Unlock()

	<-ctx.Done()
	return a.closeSession()
}

// Stop closes the gateway session if Start's own ctx cancellation hasn't
// already done so. Guarded against a double Close, which discordgo does
// not tolerate cleanly.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.closeSession()
}

func (a *Adapter) closeSession() error {
	a.mu.Lock()
	if a.session == nil || !a.sessionOpen {
		a.mu.Unlock()
		return nil
	}
	a.sessionOpen = false
	a.status.Connected = false
	session := a.session
	a.mu.Unlock()
	return session.Close()
}

func (a *Adapter) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	a.mu.Lock()
	a.status.LastEvent = time.Now()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	isGroup := m.GuildID != ""
	env := models.InboundEnvelope{
		ChannelID:   a.ChannelID(),
		SenderID:    m.Author.ID,
		ThreadID:    m.ChannelID,
		IsGroup:     isGroup,
		Kind:        models.EnvelopeMessage,
		Payload:     m.Content,
		ArrivalTime: messageTimestamp(m),
		ReceivedSeq: seq,
	}
	a.inbound(ctx, env)
}

func messageTimestamp(m *discordgo.MessageCreate) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return time.Now()
}

// Send delivers env to its channel (m.ThreadID carried as env.Recipient).
func (a *Adapter) Send(ctx context.Context, env models.OutboundEnvelope) error {
	switch env.Kind {
	case models.OutboundTypingOn:
		return a.session.ChannelTyping(env.Recipient)
	case models.OutboundTypingOff:
		return nil
	default:
		_, err := a.session.ChannelMessageSend(env.Recipient, env.Content)
		if err != nil {
			return fmt.Errorf("discord: send: %w", err)
		}
		return nil
	}
}
