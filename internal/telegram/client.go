// Package telegram notifies an operator chat about preprocessing runs.
// It formats a run summary or a failure into a MarkdownV2 message and
// delivers it with retry logic for reliability.
package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/firmscr/internal/models"
)

// sender is the part of the bot API the client uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// Summary describes a finished preprocessing run
type Summary struct {
	Meta       models.RunMetadata
	OutputPath string
	OutputSize int64
	Duration   time.Duration
	Exported   int
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// SendSummary reports a successful run
func (c *Client) SendSummary(s Summary) error {
	return c.send(formatSummary(s))
}

// SendFailure reports a run that aborted
func (c *Client) SendFailure(runErr error, took time.Duration) error {
	return c.send(formatFailure(runErr, took, time.Now()))
}

func (c *Client) send(message string) error {
	msg := tgbotapi.NewMessage(c.chatID, message)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

func formatSummary(s Summary) string {
	var b strings.Builder
	b.WriteString("🔥 *Focos de calor procesados*\n\n")

	b.WriteString(fmt.Sprintf("📅 %s\n", escapeMarkdownV2(s.Meta.CreatedAt.Format("2006-01-02 15:04:05"))))
	b.WriteString(fmt.Sprintf("🆔 `%s`\n\n", s.Meta.RunID))

	b.WriteString(fmt.Sprintf("Filas leídas: *%s*\n", escapeMarkdownV2(humanize.Comma(int64(s.Meta.RowsLoaded)))))
	b.WriteString(fmt.Sprintf("Filas descartadas: %s\n", escapeMarkdownV2(humanize.Comma(int64(s.Meta.RowsDropped)))))
	b.WriteString(fmt.Sprintf("Filas unidas: *%s*\n", escapeMarkdownV2(humanize.Comma(int64(s.Meta.RowsJoined)))))
	b.WriteString(fmt.Sprintf("Composición: %s\n", escapeMarkdownV2(s.Meta.Composition)))
	if s.Exported > 0 {
		b.WriteString(fmt.Sprintf("PostgreSQL: %s filas\n", escapeMarkdownV2(humanize.Comma(int64(s.Exported)))))
	}
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("💾 %s \\(%s\\)\n", escapeMarkdownV2(s.OutputPath), escapeMarkdownV2(humanize.Bytes(uint64(s.OutputSize)))))
	b.WriteString(fmt.Sprintf("⏱ %s\n", escapeMarkdownV2(formatDuration(s.Duration))))
	return b.String()
}

func formatFailure(runErr error, took time.Duration, at time.Time) string {
	var b strings.Builder
	b.WriteString("🚨 *Fallo en el procesamiento de focos de calor*\n\n")
	b.WriteString(fmt.Sprintf("📅 %s\n", escapeMarkdownV2(at.Format("2006-01-02 15:04:05"))))
	b.WriteString(fmt.Sprintf("⏱ %s\n\n", escapeMarkdownV2(formatDuration(took))))
	b.WriteString(escapeMarkdownV2(runErr.Error()))
	b.WriteString("\n")
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . !

	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
