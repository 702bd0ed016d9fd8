// Package telegram implements channels.Adapter against the Telegram Bot
// API. Long-polling only; Telegram has no incremental-edit-friendly
// streaming primitive cheap enough to use per token, so this adapter
// advertises no streaming-delta capability and only ever sends final
// content.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lanehub/conductor/internal/channels"
	"github.com/lanehub/conductor/pkg/models"
)

const maxMessageLen = 4000

// Config configures an Adapter.
type Config struct {
	Token     string
	AllowFrom []string // user IDs as strings; empty means allow all
	ParseMode string
	Logger    *slog.Logger
}

// Adapter is a long-polling Telegram bot.
type Adapter struct {
	cfg       Config
	allowFrom map[int64]struct{}
	inbound   channels.InboundSender
	logger    *slog.Logger

	bot *tgbotapi.BotAPI

	status channels.Status
	seq    uint64
}

// New builds an Adapter. inbound receives every accepted message, already
// normalized to models.InboundEnvelope.
func New(cfg Config, inbound channels.InboundSender) *Adapter {
	allowed := make(map[int64]struct{}, len(cfg.AllowFrom))
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed[id] = struct{}{}
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, allowFrom: allowed, inbound: inbound, logger: logger}
}

func (a *Adapter) ChannelID() models.ChannelID { return models.ChannelID("telegram") }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.Capabilities{StreamingDeltas: false, TypingIndicator: true}
}

func (a *Adapter) Status() channels.Status { return a.status }

// Start connects and polls for updates until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.cfg.Token)
	if err != nil {
		a.status = channels.Status{Connected: false, Error: err.Error()}
		return fmt.Errorf("telegram: connect: %w", err)
	}
	a.bot = bot
	a.status = channels.Status{Connected: true, LastEvent: time.Now()}
	a.logger.Info("telegram connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			a.status.Connected = false
			return nil
		case update, ok := <-updates:
			if !ok {
				a.status.Connected = false
				return nil
			}
			a.handleUpdate(ctx, update)
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Start's own ctx cancellation already calls StopReceivingUpdates;
	// calling it again here would panic, so Stop is a no-op.
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}
	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !a.isAllowed(userID) {
		a.logger.Warn("unauthorized telegram sender", "user_id", userID)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	a.status.LastEvent = time.Now()
	a.seq++
	env := models.InboundEnvelope{
		ChannelID:   a.ChannelID(),
		SenderID:    strconv.FormatInt(userID, 10),
		ThreadID:    strconv.FormatInt(chatID, 10),
		IsGroup:     update.Message.Chat.IsGroup() || update.Message.Chat.IsSuperGroup(),
		Kind:        models.EnvelopeMessage,
		Payload:     text,
		ArrivalTime: time.Unix(int64(update.Message.Date), 0),
		ReceivedSeq: a.seq,
	}
	a.inbound(ctx, env)
}

func (a *Adapter) isAllowed(userID int64) bool {
	if len(a.allowFrom) == 0 {
		return true
	}
	_, ok := a.allowFrom[userID]
	return ok
}

// Send delivers env.Content, chunked under Telegram's message length limit.
// Delta and typing envelopes are filtered out by channels.Registry before
// they reach an adapter that doesn't advertise support, but Send still
// handles a typing_on request directly since this adapter does support it.
func (a *Adapter) Send(ctx context.Context, env models.OutboundEnvelope) error {
	chatID, err := strconv.ParseInt(env.Recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid recipient %q: %w", env.Recipient, err)
	}

	switch env.Kind {
	case models.OutboundTypingOn:
		_, sendErr := a.bot.Send(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		return sendErr
	case models.OutboundTypingOff:
		return nil
	}

	return a.sendChunked(chatID, env.Content)
}

func (a *Adapter) sendChunked(chatID int64, text string) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			cutAt := strings.LastIndex(chunk[:maxMessageLen], "\n")
			if cutAt < maxMessageLen/2 {
				cutAt = maxMessageLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := a.sendOne(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendOne sends a single chunk, retrying as plain text if the configured
// parse mode fails to parse and backing off on rate limiting.
func (a *Adapter) sendOne(chatID int64, text string) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && a.cfg.ParseMode != "" {
			msg.ParseMode = a.cfg.ParseMode
		}

		_, err := a.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			time.Sleep(time.Duration(attempt+1) * 3 * time.Second)
			continue
		}
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			if _, err2 := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err2 == nil {
				return nil
			}
		}
		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	return fmt.Errorf("telegram: send failed after retries: %w", lastErr)
}
