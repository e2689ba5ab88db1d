// Package channel holds the transport adapters. Each adapter owns exactly one
// platform connection for one agent: inbound events go onto the agent's bus
// queue, outbound replies come back through the bus handler. Reconnection and
// heartbeats live inside the platform SDKs.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord is one agent's Discord gateway connection.
type Discord struct {
	agent   string
	token   string
	guildID string
	session *discordgo.Session
	logger  *slog.Logger
}

type DiscordConfig struct {
	Agent   string
	Token   string
	GuildID string // optional: restrict to one guild
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		agent:   cfg.Agent,
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects the agent's gateway session and bridges events to the bus.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.agent, func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChannelID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// Never react to bot traffic, our own included.
		if m.Author.Bot || m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		if skipInbound(m.Content) {
			return
		}

		channelName := m.ChannelID
		if ch, err := s.State.Channel(m.ChannelID); err == nil && ch.Name != "" {
			channelName = ch.Name
		}

		bus.Publish(d.agent, domain.InboundMessage{
			ID:          m.ID,
			ChannelID:   m.ChannelID,
			ChannelName: channelName,
			AuthorID:    m.Author.ID,
			Content:     m.Content,
			Timestamp:   time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord connected",
		"agent", d.agent, "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord disconnecting", "agent", d.agent)
	return session.Close()
}

func (d *Discord) Stop() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed",
				"agent", d.agent, "channel", channelID, "error", err)
		}
	}
}

// splitMessage chunks content at the platform limit, preferring newline
// boundaries in the second half of a chunk.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
