package alert

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const discordRed = 0xE74C3C

// Discord executes a channel webhook given its full URL
// (https://discord.com/api/webhooks/<id>/<token>).
type Discord struct {
	session *discordgo.Session
	id      string
	token   string
}

func NewDiscord(webhookURL string, client *http.Client) (*Discord, error) {
	id, token, err := parseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	// Webhook execution is authorized by the token in the path, so the
	// session carries no bot token.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if client != nil {
		session.Client = client
	}
	return &Discord{session: session, id: id, token: token}, nil
}

func parseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url %q: expected .../webhooks/<id>/<token>", raw)
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, a Alert) error {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Tenant", Value: orDash(a.TenantID), Inline: true},
		{Name: "Channel", Value: orDash(a.Channel), Inline: true},
		{Name: "Confidence", Value: fmt.Sprintf("%d%%", a.Confidence), Inline: true},
		{Name: "Conversation", Value: orDash(a.ConversationID)},
	}
	if len(a.TriggeredKeywords) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Keywords",
			Value: strings.Join(a.TriggeredKeywords, ", "),
		})
	}

	params := &discordgo.WebhookParams{
		Username: "replyguard",
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "Blocked message: " + a.Classification,
			Description: a.Summary(),
			Color:       discordRed,
			Fields:      fields,
			Timestamp:   a.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
	if _, err := d.session.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}

// Discord rejects embed fields with empty values.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
