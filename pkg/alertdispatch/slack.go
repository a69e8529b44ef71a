package alertdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
)

// slackWebhookAllowedHosts is the SSRF allow-list for the Slack channel,
// per spec §4.5/§8: only an incoming-webhook URL under hooks.slack.com.
var slackWebhookAllowedHosts = []string{"hooks.slack.com"}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#E01E5A"
	case "warning":
		return "#ECB22E"
	default:
		return "#2EB67D"
	}
}

// SlackSender posts alert notifications to a Slack incoming webhook using
// Block Kit attachment types for layout, regardless of which anomaly
// triggered it — the webhook URL itself determines the destination
// channel, so Notification.Recipient is informational only.
type SlackSender struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackSender creates a SlackSender posting to webhookURL.
func NewSlackSender(webhookURL string) *SlackSender {
	return &SlackSender{webhookURL: webhookURL, httpClient: &http.Client{}}
}

func (s *SlackSender) Send(ctx context.Context, n Notification) error {
	msg := slack.WebhookMessage{
		Attachments: []slack.Attachment{
			{
				Color:  severityColor(n.Severity),
				Title:  fmt.Sprintf("[%s] %s", n.Severity, n.Title),
				Text:   n.Message,
				Footer: "cost-watchdog",
				Fields: []slack.AttachmentField{
					{Title: "Alert ID", Value: n.AlertID, Short: true},
					{Title: "Severity", Value: n.Severity, Short: true},
				},
			},
		},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}

	return postWebhook(ctx, s.httpClient, s.webhookURL, body, slackWebhookAllowedHosts...)
}
