package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/slack-go/slack"
)

// Slack posts to an incoming webhook URL.
type Slack struct {
	url    string
	client *http.Client
}

func NewSlack(webhookURL string, client *http.Client) *Slack {
	if client == nil {
		client = http.DefaultClient
	}
	return &Slack{url: webhookURL, client: client}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, a Alert) error {
	msg := &slack.WebhookMessage{
		Text: ":rotating_light: " + a.Summary(),
		Attachments: []slack.Attachment{{
			Color: "danger",
			Fields: []slack.AttachmentField{
				{Title: "Tenant", Value: a.TenantID, Short: true},
				{Title: "Channel", Value: a.Channel, Short: true},
				{Title: "Classification", Value: a.Classification, Short: true},
				{Title: "Confidence", Value: fmt.Sprintf("%d%%", a.Confidence), Short: true},
				{Title: "Conversation", Value: a.ConversationID},
			},
			Footer: "replyguard",
			Ts:     json.Number(strconv.FormatInt(a.Timestamp.Unix(), 10)),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
