// Package discord connects the relay to Discord via a bot session.
// Users drive the machine from DMs or any channel the bot can read;
// only allow-listed user ids get through.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/textslash/cockpit/internal/channels"
	"github.com/textslash/cockpit/pkg/models"
)

// messageLimit is Discord's hard cap per message.
const messageLimit = 2000

// session is the slice of discordgo.Session the adapter uses, split out
// so tests can inject a fake.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	token     string
	allowlist *channels.Allowlist
	chunker   *channels.Chunker
	logger    *slog.Logger

	session  session
	messages chan channels.InboundMessage

	mu sync.Mutex
	// dmChannels caches user id -> DM channel id.
	dmChannels map[string]string
	// progressMsg tracks the live progress message per user for
	// edit-in-place updates.
	progressMsg map[string]string
	started     bool
}

// New creates a Discord adapter.
func New(token string, allowFrom []string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		token:       token,
		allowlist:   channels.NewAllowlist(allowFrom),
		chunker:     channels.NewChunker(messageLimit),
		logger:      logger.With("adapter", "discord"),
		messages:    make(chan channels.InboundMessage, 100),
		dmChannels:  make(map[string]string),
		progressMsg: make(map[string]string),
	}
}

func (a *Adapter) Type() models.ChannelType {
	return models.ChannelDiscord
}

// Start opens the gateway connection and registers the message handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("discord adapter already started")
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleMessageCreate)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}

	a.started = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the connection and the inbound stream.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false
	close(a.messages)
	return a.session.Close()
}

func (a *Adapter) Messages() <-chan channels.InboundMessage {
	return a.messages
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !a.allowlist.Allowed(m.Author.ID) {
		a.logger.Warn("message from non-allowed user dropped", "user_id", m.Author.ID)
		return
	}
	if m.Content == "" {
		return
	}

	// Remember where to answer this user.
	a.mu.Lock()
	a.dmChannels[m.Author.ID] = m.ChannelID
	a.mu.Unlock()

	select {
	case a.messages <- channels.InboundMessage{
		Channel: models.ChannelDiscord,
		UserID:  m.Author.ID,
		Text:    m.Content,
	}:
	default:
		a.logger.Warn("inbound buffer full, message dropped", "user_id", m.Author.ID)
	}
}

// SendText delivers text, split to Discord's message limit.
func (a *Adapter) SendText(ctx context.Context, userID, text string) error {
	channelID, err := a.channelFor(userID)
	if err != nil {
		return err
	}

	a.clearProgress(userID)
	for _, chunk := range a.chunker.Chunk(text) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SendProgress posts a status line, editing the previous one in place
// when there is one.
func (a *Adapter) SendProgress(ctx context.Context, userID, text string) error {
	channelID, err := a.channelFor(userID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	msgID := a.progressMsg[userID]
	a.mu.Unlock()

	if msgID != "" {
		if _, err := a.session.ChannelMessageEdit(channelID, msgID, text); err == nil {
			return nil
		}
		// Fall through and post fresh if the edit failed (message may
		// have been deleted).
	}

	msg, err := a.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return fmt.Errorf("send discord progress: %w", err)
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

// channelFor resolves the channel to reach userID: the channel they
// last wrote from, falling back to a fresh DM channel.
func (a *Adapter) channelFor(userID string) (string, error) {
	a.mu.Lock()
	channelID := a.dmChannels[userID]
	a.mu.Unlock()
	if channelID != "" {
		return channelID, nil
	}

	ch, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("open DM channel: %w", err)
	}
	a.mu.Lock()
	a.dmChannels[userID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

// clearProgress forgets the live progress message so the next progress
// cycle starts fresh under the final result.
func (a *Adapter) clearProgress(userID string) {
	a.mu.Lock()
	delete(a.progressMsg, userID)
	a.mu.Unlock()
}
