package alertdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// teamsWebhookAllowedHosts is the SSRF allow-list for the Teams channel,
// per spec §4.5/§8.
var teamsWebhookAllowedHosts = []string{"webhook.office.com", "logic.azure.com"}

// teamsMessage is the outer payload Teams connectors expect.
type teamsMessage struct {
	Type        string            `json:"type"`
	Attachments []teamsAttachment `json:"attachments"`
}

type teamsAttachment struct {
	ContentType string          `json:"contentType"`
	Content     adaptiveCard    `json:"content"`
}

// adaptiveCard is a minimal Adaptive Card v1.4 body: a version line, a
// title, the alert message as a text block, and a fact set of severity/
// alert-id metadata.
type adaptiveCard struct {
	Type    string      `json:"type"`
	Schema  string      `json:"$schema"`
	Version string      `json:"version"`
	Body    []cardBlock `json:"body"`
}

type cardBlock struct {
	Type    string     `json:"type"`
	Text    string     `json:"text,omitempty"`
	Weight  string     `json:"weight,omitempty"`
	Size    string     `json:"size,omitempty"`
	Wrap    bool       `json:"wrap,omitempty"`
	Facts   []cardFact `json:"facts,omitempty"`
}

type cardFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

func buildAdaptiveCard(n Notification) adaptiveCard {
	return adaptiveCard{
		Type:    "AdaptiveCard",
		Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
		Version: "1.4",
		Body: []cardBlock{
			{Type: "TextBlock", Text: fmt.Sprintf("[%s] %s", n.Severity, n.Title), Weight: "bolder", Size: "medium", Wrap: true},
			{Type: "TextBlock", Text: n.Message, Wrap: true},
			{Type: "FactSet", Facts: []cardFact{
				{Title: "Alert ID", Value: n.AlertID},
				{Title: "Severity", Value: n.Severity},
			}},
		},
	}
}

// TeamsSender posts alert notifications to an MS Teams incoming webhook
// as an Adaptive Card v1.4 attachment.
type TeamsSender struct {
	webhookURL string
	httpClient *http.Client
}

// NewTeamsSender creates a TeamsSender posting to webhookURL.
func NewTeamsSender(webhookURL string) *TeamsSender {
	return &TeamsSender{webhookURL: webhookURL, httpClient: &http.Client{}}
}

func (s *TeamsSender) Send(ctx context.Context, n Notification) error {
	msg := teamsMessage{
		Type: "message",
		Attachments: []teamsAttachment{
			{ContentType: "application/vnd.microsoft.card.adaptive", Content: buildAdaptiveCard(n)},
		},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling teams message: %w", err)
	}

	return postWebhook(ctx, s.httpClient, s.webhookURL, body, teamsWebhookAllowedHosts...)
}
