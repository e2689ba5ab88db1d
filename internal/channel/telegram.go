package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxMsgLen = 4000

// Telegram is one agent's Telegram bot connection (long polling).
type Telegram struct {
	agent  string
	token  string
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type TelegramConfig struct {
	Agent  string
	Token  string
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		agent:  cfg.Agent,
		token:  cfg.Token,
		logger: cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls updates until the context ends.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram connected",
		"agent", t.agent, "username", bot.Self.UserName)

	bus.OnOutbound(t.agent, func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
		if err != nil {
			t.logger.Error("invalid telegram chat id",
				"agent", t.agent, "chat_id", msg.ChannelID, "error", err)
			return
		}
		t.sendMessage(chatID, msg.Content)
	})

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := bot.GetUpdatesChan(updateCfg)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			t.logger.Info("telegram disconnecting", "agent", t.agent)
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil || update.Message.From.IsBot {
				continue
			}
			// Non-text updates carry an empty Text; commands are for bots
			// that registered them.
			if update.Message.IsCommand() || skipInbound(update.Message.Text) {
				continue
			}

			chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
			channelName := update.Message.Chat.Title
			if channelName == "" {
				channelName = update.Message.Chat.UserName
			}

			bus.Publish(t.agent, domain.InboundMessage{
				ID:          strconv.Itoa(update.Message.MessageID),
				ChannelID:   chatID,
				ChannelName: channelName,
				AuthorID:    strconv.FormatInt(update.Message.From.ID, 10),
				Content:     update.Message.Text,
				Timestamp:   time.Unix(int64(update.Message.Date), 0),
			})
		}
	}
}

func (t *Telegram) Stop() error {
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *Telegram) sendMessage(chatID int64, content string) {
	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed",
				"agent", t.agent, "chat", chatID, "error", err)
		}
	}
}
