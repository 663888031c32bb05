// Package telegram relays important activity entries to a Telegram chat and
// answers a few read-only bot commands.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/logger"
	"github.com/rewired-gh/kairos/internal/models"
	"github.com/rewired-gh/kairos/internal/stats"
)

// sender is the part of the bot API the client writes through.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	send           sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	c := newClient(bot, chatIDInt, maxRetries, retryDelayBase)
	c.bot = bot
	return c, nil
}

func newClient(s sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		send:           s,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and
// answers /ping, /stats and /state from mgr. It returns immediately; the
// goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context, mgr *ksm.Manager) {
	if c.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, mgr)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, mgr *ksm.Manager) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "stats":
		st := mgr.GetStats()
		text = fmt.Sprintf("Tickets: %d\nFire signals: %d\nQueue: %d\nWon/Lost: %d/%d (%.1f%%)",
			st.TotalTickets, st.FireSignals, st.QueueLength, st.Won, st.Lost, stats.WinRate(st))
	case "state":
		text = fmt.Sprintf("State: %s\nSport: %s", mgr.GetSystemState(), mgr.GetCurrentSport())
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	if _, err := c.send.Send(reply); err != nil {
		logger.Warn("Telegram reply to /%s failed: %v", msg.Command(), err)
	}
}

// Relay sends every new activity entry at or above minSeverity until ctx is
// cancelled. Entries recorded before Relay starts are not sent. It blocks.
func (c *Client) Relay(ctx context.Context, mgr *ksm.Manager, minSeverity models.Severity, buffer int) {
	events, stop := mgr.Watch(buffer)
	defer stop()

	var last uint64
	if entries := mgr.GetActivityLog(); len(entries) > 0 {
		last = entries[0].Seq
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			// Watch drops events for slow consumers; Since catches up anyway.
			for _, e := range mgr.ActivitySince(last) {
				last = e.Seq
				if e.Severity.Rank() < minSeverity.Rank() {
					continue
				}
				if err := c.SendEntry(ctx, e); err != nil {
					logger.Error("Failed to relay activity %s: %v", e.ID, err)
				}
			}
		}
	}
}

// SendEntry sends one activity entry.
func (c *Client) SendEntry(ctx context.Context, e models.ActivityEntry) error {
	return c.sendMarkdownV2(ctx, formatEntry(e))
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.send.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

var severityEmoji = map[models.Severity]string{
	models.SeverityLow:      "⚪",
	models.SeverityMedium:   "🔵",
	models.SeverityHigh:     "🟠",
	models.SeverityCritical: "🚨",
}

// formatEntry formats an activity entry as a Telegram MarkdownV2 message.
func formatEntry(e models.ActivityEntry) string {
	ts := time.UnixMilli(e.Timestamp).UTC().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s *%s* %s\n%s\n_%s UTC_",
		severityEmoji[e.Severity],
		escapeMarkdownV2(strings.ToUpper(string(e.Severity))),
		escapeMarkdownV2("["+e.Sport+"]"),
		escapeMarkdownV2(e.Message),
		escapeMarkdownV2(ts))
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
