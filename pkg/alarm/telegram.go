package alarm

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/outpostd/outpost/pkg/log"
	"github.com/outpostd/outpost/pkg/types"
)

// TelegramSender posts alarms via the Telegram bot API. Like the Slack sink it
// disables itself when TELEGRAM_TOKEN or TELEGRAM_CHAT_ID is unset.
type TelegramSender struct {
	enabled bool
	token   string
	chatID  string
	envName string
	client  *http.Client
}

// NewTelegramSender reads TELEGRAM_TOKEN, TELEGRAM_CHAT_ID and ENV_NAME from
// the environment.
func NewTelegramSender() *TelegramSender {
	t := &TelegramSender{
		enabled: true,
		client:  &http.Client{Timeout: 120 * time.Second},
	}

	t.token = os.Getenv("TELEGRAM_TOKEN")
	if t.token == "" {
		log.Error("TELEGRAM_TOKEN not set - telegram alarms disabled")
		t.enabled = false
		return t
	}

	t.chatID = os.Getenv("TELEGRAM_CHAT_ID")
	if t.chatID == "" {
		log.Error("TELEGRAM_CHAT_ID not set - telegram alarms disabled")
		t.enabled = false
		return t
	}

	t.envName = os.Getenv("ENV_NAME")
	return t
}

// Push sends the message, prefixed with its upper-cased severity.
func (t *TelegramSender) Push(message string, severity types.Severity) {
	if !t.enabled {
		return
	}

	text := strings.ToUpper(string(severity)) + ": " + message
	if t.envName != "" {
		text = t.envName + " : " + text
	}

	u := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage?chat_id=%s&text=%s",
		t.token, url.QueryEscape(t.chatID), url.QueryEscape(text))

	resp, err := t.client.Get(u)
	if err != nil {
		log.Logger.Error().Err(err).Msg("telegram request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode > 205 {
		body, _ := io.ReadAll(resp.Body)
		log.Logger.Error().Int("status", resp.StatusCode).
			Str("response", string(body)).Msg("telegram request failed")
	}
}
