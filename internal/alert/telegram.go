package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	apphttp "momentum_trader/pkg/http"
)

const telegramAPI = "https://api.telegram.org"

type TelegramChannel struct {
	botToken string
	chatID   string
	client   *apphttp.Client
}

// NewTelegramChannel posts through the Bot API; an empty baseURL uses api.telegram.org
func NewTelegramChannel(botToken, chatID, baseURL string) *TelegramChannel {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   apphttp.NewClient(strings.TrimRight(baseURL, "/"), apphttp.DefaultOptions),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	icon := "ℹ️"
	switch alert.Level {
	case Warning:
		icon = "⚠️"
	case Error:
		icon = "❌"
	case Critical:
		icon = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", icon, alert.Level, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(alert.Fields) {
			fmt.Fprintf(&b, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	}

	if _, err := t.client.PostJSON(ctx, "/bot"+t.botToken+"/sendMessage", payload); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
