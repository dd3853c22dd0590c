package alert

import (
	"log/slog"
	"net/http"

	"replyguard/internal/config"
	"replyguard/internal/httpx"
)

// SinksFromConfig builds every configured sink. A Discord URL that cannot
// be parsed is logged and skipped.
func SinksFromConfig(cfg config.AlertsConfig, client *http.Client, logger *slog.Logger) []Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpx.NewClient(0)
	}

	var sinks []Sink
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, NewSlack(cfg.SlackWebhookURL, client))
	}
	if cfg.DiscordWebhookURL != "" {
		d, err := NewDiscord(cfg.DiscordWebhookURL, client)
		if err != nil {
			logger.Warn("discord alert sink disabled", "err", err)
		} else {
			sinks = append(sinks, d)
		}
	}
	if len(cfg.Webhooks) > 0 {
		retrier := httpx.NewRetrier(client, logger)
		for _, t := range cfg.Webhooks {
			if t.URL == "" {
				continue
			}
			sinks = append(sinks, NewWebhook(t.URL, t.Headers, retrier))
		}
	}
	return sinks
}
