package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/crossarb/internal/alert"
	"github.com/sawpanic/crossarb/internal/config"
	"github.com/sawpanic/crossarb/internal/domain"
)

func testConfig(baseURL string) config.TelegramConfig {
	return config.TelegramConfig{
		BotToken: "12345678:test-token",
		ChatID:   "-100123",
		BaseURL:  baseURL,
		Timeout:  2 * time.Second,
	}
}

func TestSendDeliversAndReturnsMessageID(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot12345678:test-token/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":4242}}`))
	}))
	defer srv.Close()

	m, err := New(testConfig(srv.URL), false)
	require.NoError(t, err)

	res, err := m.Send(context.Background(), alert.Message{
		Text:  "BTC spread 5.0%",
		Links: []domain.SignalLink{{Label: "Chart", URL: "https://example.com/BTC"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4242), res.MessageID)

	assert.Equal(t, "-100123", got.ChatID)
	assert.Equal(t, "MarkdownV2", got.ParseMode)
	assert.Contains(t, got.Text, "5\\.0%", "dots are escaped for MarkdownV2")
	require.NotNil(t, got.ReplyMarkup)
	require.Len(t, got.ReplyMarkup.InlineKeyboard, 1)
	assert.Equal(t, "Chart", got.ReplyMarkup.InlineKeyboard[0][0].Text)
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests"}`))
	}))
	defer srv.Close()

	m, err := New(testConfig(srv.URL), false)
	require.NoError(t, err)

	_, err = m.Send(context.Background(), alert.Message{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDryRunSkipsNetwork(t *testing.T) {
	m, err := New(config.TelegramConfig{}, true)
	require.NoError(t, err)

	res, err := m.Send(context.Background(), alert.Message{Text: "hi"})
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestNewRejectsBadToken(t *testing.T) {
	_, err := New(config.TelegramConfig{BotToken: "not-a-token", ChatID: "1"}, false)
	assert.Error(t, err)

	_, err = New(config.TelegramConfig{BotToken: "12345678:ok", ChatID: ""}, false)
	assert.Error(t, err)
}

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, `net 4\.64% \(real 5\.00%\)`, EscapeMarkdownV2("net 4.64% (real 5.00%)"))
}
