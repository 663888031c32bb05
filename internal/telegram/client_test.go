package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/kairos/internal/ksm"
	"github.com/rewired-gh/kairos/internal/models"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return tgbotapi.Message{}, errors.New("telegram down")
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

func TestEscapeMarkdownV2(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello World"},
		{"Hello_World", "Hello\\_World"},
		{"Test*bold*", "Test\\*bold\\*"},
		{"Price: $100.50", "Price: $100\\.50"},
		{"[link](url)", "\\[link\\]\\(url\\)"},
		{"~strikethrough~", "\\~strikethrough\\~"},
		{"`code`", "\\`code\\`"},
		{">blockquote", "\\>blockquote"},
		{"#header", "\\#header"},
		{"+plus-minus", "\\+plus\\-minus"},
		{"=equal|pipe", "\\=equal\\|pipe"},
		{"{brace}", "\\{brace\\}"},
		{"end!", "end\\!"},
		{"", ""},
		{"_*[]()~`>#+-=|{}.!", "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := escapeMarkdownV2(tt.input)
			if result != tt.expected {
				t.Errorf("escapeMarkdownV2(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewClient_InvalidChatID(t *testing.T) {
	// NewClient with non-numeric chatID should return an error
	// Note: This test exercises the chat ID parsing error path
	// The bot token validation happens first (network call), so we use a clearly
	// invalid format to test the error handling flow
	_, err := NewClient("", "not-a-number", 3, time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

func TestSendMarkdownV2_Retries(t *testing.T) {
	fs := &fakeSender{fails: 2}
	c := newClient(fs, 7, 3, time.Millisecond)

	if err := c.sendMarkdownV2(context.Background(), "hi"); err != nil {
		t.Fatalf("sendMarkdownV2: %v", err)
	}
	got := fs.messages()
	if len(got) != 1 || got[0].ChatID != 7 || got[0].ParseMode != "MarkdownV2" {
		t.Errorf("sent = %+v", got)
	}

	fs.fails = 5
	if err := c.sendMarkdownV2(context.Background(), "hi"); err == nil {
		t.Error("expected error after exhausting retries")
	}
}

func TestFormatEntry(t *testing.T) {
	e := models.ActivityEntry{
		Sport:     "NBA",
		Message:   "Neural Grounding failed.",
		Severity:  models.SeverityHigh,
		Timestamp: time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC).UnixMilli(),
	}
	got := formatEntry(e)
	for _, want := range []string{"*HIGH*", "\\[NBA\\]", "Neural Grounding failed\\.", "2026\\-10\\-15 08:30:00"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatEntry() = %q, missing %q", got, want)
		}
	}
}

func TestRelay_FiltersBySeverity(t *testing.T) {
	fs := &fakeSender{}
	c := newClient(fs, 1, 1, time.Millisecond)
	mgr := ksm.New(ksm.DefaultOptions())
	mgr.LogActivity(models.SourceSystem, "before relay", models.SeverityCritical)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Relay(ctx, mgr, models.SeverityHigh, 8)
		close(done)
	}()

	// Wait until the relay is watching.
	deadline := time.Now().Add(2 * time.Second)
	for len(fs.messages()) == 0 && time.Now().Before(deadline) {
		mgr.LogActivity(models.SourceSystem, "noise", models.SeverityLow)
		mgr.LogActivity(models.SourceSystem, "alert", models.SeverityHigh)
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	got := fs.messages()
	if len(got) == 0 {
		t.Fatal("no entries relayed")
	}
	for _, m := range got {
		if strings.Contains(m.Text, "noise") || strings.Contains(m.Text, "before relay") {
			t.Errorf("unexpected relay: %q", m.Text)
		}
	}
}

func TestHandleCommand(t *testing.T) {
	fs := &fakeSender{}
	c := newClient(fs, 1, 1, time.Millisecond)
	mgr := ksm.New(ksm.DefaultOptions())
	mgr.UpdateTicket(models.Ticket{ID: "a", Status: models.StatusWon, Timestamp: 1})
	mgr.SetCurrentSport(models.ModuleNBA)

	tests := []struct {
		command string
		want    string
	}{
		{"/ping", "Pong"},
		{"/stats", "Won/Lost: 1/0"},
		{"/state", "Sport: NBA"},
	}
	for _, tt := range tests {
		msg := &tgbotapi.Message{
			Text:     tt.command,
			Chat:     &tgbotapi.Chat{ID: 42},
			Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(tt.command)}},
		}
		c.handleCommand(msg, mgr)
		got := fs.messages()
		last := got[len(got)-1]
		if last.ChatID != 42 || !strings.Contains(last.Text, tt.want) {
			t.Errorf("%s reply = %q, want it to contain %q", tt.command, last.Text, tt.want)
		}
	}

	c.handleCommand(&tgbotapi.Message{
		Text:     "/unknown",
		Chat:     &tgbotapi.Chat{ID: 42},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Length: 8}},
	}, mgr)
	if n := len(fs.messages()); n != len(tests) {
		t.Errorf("unknown command should not reply, sent %d", n)
	}
}
