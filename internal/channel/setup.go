package channel

import (
	"log/slog"
	"time"

	"replyguard/internal/config"
	"replyguard/internal/httpx"
)

// NewFromConfig builds a registry holding the mock drivers plus every live
// driver the delivery config has credentials for. A Telegram bot that
// fails to connect is logged and left out; the returned *Telegram is nil
// in that case.
func NewFromConfig(cfg config.DeliveryConfig, tenantID string, logger *slog.Logger) (*Registry, *Telegram) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	reg := NewRegistry(RegistryConfig{Timeout: timeout, Logger: logger})

	retrier := httpx.NewRetrier(httpx.NewClient(timeout), logger)

	meta := cfg.Meta
	if meta.AccessToken != "" && meta.PhoneNumberID != "" {
		reg.Register(ChannelWhatsApp, DriverMeta, NewMetaDriver(MetaDriverConfig{
			API:           MetaWhatsApp,
			APIBase:       meta.APIBase,
			AccessToken:   meta.AccessToken,
			PhoneNumberID: meta.PhoneNumberID,
			RatePerSecond: meta.RatePerSecond,
			Burst:         meta.Burst,
			Retrier:       retrier,
			Logger:        logger,
		}))
		logger.Info("delivery driver ready", "channel", ChannelWhatsApp, "driver", DriverMeta)
	}
	if meta.PageAccessToken != "" {
		page := NewMetaDriver(MetaDriverConfig{
			API:           MetaPage,
			APIBase:       meta.APIBase,
			AccessToken:   meta.PageAccessToken,
			RatePerSecond: meta.RatePerSecond,
			Burst:         meta.Burst,
			Retrier:       retrier,
			Logger:        logger,
		})
		reg.Register(ChannelMessenger, DriverMeta, page)
		reg.Register(ChannelInstagram, DriverMeta, page)
		logger.Info("delivery driver ready", "channel", ChannelMessenger+","+ChannelInstagram, "driver", DriverMeta)
	}

	if cfg.SMTP.Host != "" {
		reg.Register(ChannelEmail, DriverSMTP, NewSMTPDriver(SMTPDriverConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Subject:  cfg.SMTP.Subject,
			Logger:   logger,
		}))
		logger.Info("delivery driver ready", "channel", ChannelEmail, "driver", DriverSMTP)
	}

	var tg *Telegram
	if cfg.Telegram.Token != "" {
		bot, err := NewTelegram(TelegramConfig{
			Token:       cfg.Telegram.Token,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			TenantID:    tenantID,
			AllowFrom:   cfg.Telegram.AllowFrom,
			Client:      httpx.NewClient(timeout + 40*time.Second), // long polling
			Logger:      logger,
		})
		if err != nil {
			logger.Warn("telegram driver unavailable", "err", err)
		} else {
			reg.Register(ChannelTelegram, DriverBot, bot)
			tg = bot
		}
	}

	return reg, tg
}
