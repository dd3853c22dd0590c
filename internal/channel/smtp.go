package channel

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"replyguard/internal/domain"
)

type SMTPDriverConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Logger   *slog.Logger
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDriver delivers email replies. The returned id is the Message-ID
// header it generated.
type SMTPDriver struct {
	cfg      SMTPDriverConfig
	sendMail sendMailFunc
	now      func() time.Time
	logger   *slog.Logger
}

func NewSMTPDriver(cfg SMTPDriverConfig) *SMTPDriver {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SMTPDriver{cfg: cfg, sendMail: smtp.SendMail, now: time.Now, logger: cfg.Logger}
}

func (s *SMTPDriver) Name() string { return DriverSMTP }

func (s *SMTPDriver) Send(ctx context.Context, to, text string, media *domain.Media) (string, error) {
	if s.cfg.Host == "" || s.cfg.From == "" {
		return "", fmt.Errorf("smtp driver: host and from are required")
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return "", fmt.Errorf("invalid sender %q: %w", s.cfg.From, err)
	}

	domainPart := from.Address[strings.LastIndex(from.Address, "@")+1:]
	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainPart)

	body := text
	if media != nil && media.URL != "" {
		body += "\n\n" + media.URL
	}
	msg := s.buildMessage(from, rcpt, msgID, body)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	// net/smtp has no context support; run it aside and honor cancellation.
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.sendMail(addr, auth, from.Address, []string{rcpt.Address}, msg)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("smtp send: %w", err)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.logger.Info("email sent", "to", rcpt.Address, "message_id", msgID)
	return msgID, nil
}

func (s *SMTPDriver) buildMessage(from, to *mail.Address, msgID, body string) []byte {
	subject := s.cfg.Subject
	if subject == "" {
		subject = "Re: your message"
	}
	var sb strings.Builder
	sb.WriteString("From: " + from.String() + "\r\n")
	sb.WriteString("To: " + to.String() + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	sb.WriteString("Date: " + s.now().Format(time.RFC1123Z) + "\r\n")
	sb.WriteString("Message-ID: " + msgID + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	sb.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(sb.String())
}
