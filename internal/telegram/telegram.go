// Package telegram delivers alerts through the Telegram Bot API. It is the
// production implementation of the alert.Messenger contract: sendMessage
// with MarkdownV2 text and an inline keyboard built from the signal's deep
// links.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/crossarb/internal/alert"
	"github.com/sawpanic/crossarb/internal/config"
)

const defaultBaseURL = "https://api.telegram.org"

// Messenger sends alerts to one chat.
type Messenger struct {
	client  *http.Client
	baseURL string
	token   string
	chatID  string
	dryRun  bool
}

// New builds a messenger from config. BaseURL is overridable for tests.
func New(cfg config.TelegramConfig, dryRun bool) (*Messenger, error) {
	if !dryRun {
		if cfg.BotToken == "" {
			return nil, fmt.Errorf("telegram: bot token is required")
		}
		if parts := strings.Split(cfg.BotToken, ":"); len(parts) != 2 || len(parts[0]) < 8 {
			return nil, fmt.Errorf("telegram: malformed bot token")
		}
		if cfg.ChatID == "" {
			return nil, fmt.Errorf("telegram: chat ID is required")
		}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Messenger{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		dryRun:  dryRun,
	}, nil
}

func (m *Messenger) method(name string) string {
	return fmt.Sprintf("%s/bot%s/%s", m.baseURL, m.token, name)
}

type sendMessageRequest struct {
	ChatID                string          `json:"chat_id"`
	Text                  string          `json:"text"`
	ParseMode             string          `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool            `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *inlineKeyboard `json:"reply_markup,omitempty"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
}

// Send delivers one alert. Failures return an error; the dispatcher logs
// and retries on its next tick.
func (m *Messenger) Send(ctx context.Context, msg alert.Message) (*alert.SendResult, error) {
	if m.dryRun {
		log.Info().Str("text", msg.Text).Msg("Dry run: alert not sent")
		return &alert.SendResult{MessageID: 0}, nil
	}

	req := sendMessageRequest{
		ChatID:                m.chatID,
		Text:                  EscapeMarkdownV2(msg.Text),
		ParseMode:             "MarkdownV2",
		DisableWebPagePreview: true,
		ReplyMarkup:           keyboardFor(msg),
	}

	var result messageResult
	if err := m.call(ctx, "sendMessage", req, &result); err != nil {
		return nil, err
	}
	return &alert.SendResult{MessageID: result.MessageID}, nil
}

// Validate confirms the token with getMe at startup.
func (m *Messenger) Validate(ctx context.Context) error {
	if m.dryRun {
		return nil
	}
	var me struct {
		Username string `json:"username"`
	}
	if err := m.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	log.Info().Str("bot", me.Username).Msg("Telegram bot validated")
	return nil
}

func (m *Messenger) call(ctx context.Context, method string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: marshal: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.method(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("telegram %s: decode response: %w", method, err)
	}
	if !api.OK {
		return fmt.Errorf("telegram %s: api error %d: %s", method, api.ErrorCode, api.Description)
	}
	if result != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

func keyboardFor(msg alert.Message) *inlineKeyboard {
	if len(msg.Links) == 0 {
		return nil
	}
	row := make([]inlineButton, 0, len(msg.Links))
	for _, l := range msg.Links {
		row = append(row, inlineButton{Text: l.Label, URL: l.URL})
	}
	return &inlineKeyboard{InlineKeyboard: [][]inlineButton{row}}
}

// markdownV2Specials are the characters MarkdownV2 requires escaping.
var markdownV2Specials = []string{
	"_", "*", "[", "]", "(", ")", "~", "`", ">", "#",
	"+", "-", "=", "|", "{", "}", ".", "!",
}

// EscapeMarkdownV2 escapes plain text for Telegram's MarkdownV2 parse mode.
func EscapeMarkdownV2(text string) string {
	for _, c := range markdownV2Specials {
		text = strings.ReplaceAll(text, c, "\\"+c)
	}
	return text
}
