package alert

import (
	"context"
	"fmt"

	apphttp "momentum_trader/pkg/http"
)

type SlackChannel struct {
	webhookURL string
	client     *apphttp.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     apphttp.NewClient(webhookURL, apphttp.DefaultOptions),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // green
	switch alert.Level {
	case Warning:
		color = "#ffcc00"
	case Error:
		color = "#ff0000"
	case Critical:
		color = "#8b0000"
	}

	fields := make([]map[string]interface{}, 0, len(alert.Fields))
	for _, k := range sortedKeys(alert.Fields) {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": alert.Fields[k],
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "momentum_trader",
			},
		},
	}

	if _, err := s.client.PostJSON(ctx, "", payload); err != nil {
		return fmt.Errorf("slack webhook failed: %w", err)
	}
	return nil
}
