package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "dispatchd/pkg/logx"
)

const telegramTextLimit = 4096

// TelegramConfig configures the chat-channel adapter.
type TelegramConfig struct {
	Token   string
	Timeout time.Duration // per-send HTTP timeout; 0 means 30s
}

// Telegram sends chat messages through the Bot API.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
		// The dispatcher only sends; no poller is attached.
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Telegram{bot: bot, log: log.With(logx.String("comp", "telegram"))}, nil
}

func (t *Telegram) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Recipient.ChatID == 0 {
		return "", Reject("recipient has no chat id")
	}

	chat := &tele.Chat{ID: msg.Recipient.ChatID}
	var firstID int
	for _, chunk := range splitText(msg.Body, telegramTextLimit) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		m, err := t.bot.Send(chat, chunk)
		if err != nil {
			return "", classifyTelegramErr(err)
		}
		if firstID == 0 {
			firstID = m.ID
		}
	}
	return strconv.Itoa(firstID), nil
}

// classifyTelegramErr keeps API rejections as typed recipient failures and
// lets transport errors through as transient ones.
func classifyTelegramErr(err error) error {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return Reject("telegram: %s", apiErr.Description)
	}
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return Transient("telegram: flood limit, retry after %ds", flood.RetryAfter)
	}
	return Transient("telegram: %v", err)
}

// splitText chunks body at the API message-size limit, preferring newline
// boundaries.
func splitText(s string, limit int) []string {
	runes := []rune(s)
	if len(runes) <= limit {
		return []string{s}
	}
	var out []string
	for len(runes) > 0 {
		n := len(runes)
		if n > limit {
			n = limit
			for i := n - 1; i > limit/2; i-- {
				if runes[i] == '\n' {
					n = i + 1
					break
				}
			}
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

var _ Adapter = (*Telegram)(nil)
