// Package telegram connects the relay to Telegram via long polling.
// The chat id doubles as the user id: each allow-listed chat drives the
// machine independently.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/textslash/cockpit/internal/channels"
	"github.com/textslash/cockpit/pkg/models"
)

// messageLimit is Telegram's hard cap per message.
const messageLimit = 4096

// botClient is the slice of bot.Bot the adapter uses, split out so
// tests can inject a fake.
type botClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
	Start(ctx context.Context)
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	token     string
	allowlist *channels.Allowlist
	chunker   *channels.Chunker
	logger    *slog.Logger

	bot      botClient
	messages chan channels.InboundMessage
	cancel   context.CancelFunc

	mu sync.Mutex
	// progressMsg tracks the live progress message id per chat.
	progressMsg map[string]int
	started     bool
}

// New creates a Telegram adapter.
func New(token string, allowFrom []string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		token:       token,
		allowlist:   channels.NewAllowlist(allowFrom),
		chunker:     channels.NewChunker(messageLimit),
		logger:      logger.With("adapter", "telegram"),
		messages:    make(chan channels.InboundMessage, 100),
		progressMsg: make(map[string]int),
	}
}

func (a *Adapter) Type() models.ChannelType {
	return models.ChannelTelegram
}

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("telegram adapter already started")
	}

	if a.bot == nil {
		b, err := bot.New(a.token, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
		a.bot = b
	}

	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.bot.Start(pollCtx)

	a.started = true
	a.logger.Info("telegram adapter started")
	return nil
}

// Stop ends polling and closes the inbound stream.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	if a.cancel != nil {
		a.cancel()
	}
	close(a.messages)
	return nil
}

func (a *Adapter) Messages() <-chan channels.InboundMessage {
	return a.messages
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	if !a.allowlist.Allowed(chatID) {
		a.logger.Warn("message from non-allowed chat dropped", "chat_id", chatID)
		return
	}

	select {
	case a.messages <- channels.InboundMessage{
		Channel: models.ChannelTelegram,
		UserID:  chatID,
		Text:    update.Message.Text,
	}:
	default:
		a.logger.Warn("inbound buffer full, message dropped", "chat_id", chatID)
	}
}

// SendText delivers text, split to Telegram's message limit.
func (a *Adapter) SendText(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", userID)
	}

	a.mu.Lock()
	delete(a.progressMsg, userID)
	a.mu.Unlock()

	for _, chunk := range a.chunker.Chunk(text) {
		if _, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   chunk,
		}); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// SendProgress edits the previous progress message in place, posting a
// fresh one the first time.
func (a *Adapter) SendProgress(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", userID)
	}

	a.mu.Lock()
	msgID := a.progressMsg[userID]
	a.mu.Unlock()

	if msgID != 0 {
		if _, err := a.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: msgID,
			Text:      text,
		}); err == nil {
			return nil
		}
	}

	msg, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("send telegram progress: %w", err)
	}
	a.mu.Lock()
	a.progressMsg[userID] = msg.ID
	a.mu.Unlock()
	return nil
}

// SendPayload flattens the payload and sends it as text.
func (a *Adapter) SendPayload(ctx context.Context, userID string, payload models.Payload) error {
	return a.SendText(ctx, userID, channels.FormatPayload(payload))
}
