package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	gomail "gopkg.in/gomail.v2"
)

const asyncSendTimeout = 15 * time.Second

var (
	// ErrInvalidSenderConfig indicates missing SMTP settings.
	ErrInvalidSenderConfig = errors.New("mail: invalid sender config")
	// ErrDeliveryFailed indicates the SMTP handoff did not complete.
	ErrDeliveryFailed = errors.New("mail: delivery failed")
)

// Message is a fully rendered mail ready for delivery.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender delivers rendered messages. Callers decide per message whether a
// failure is fatal: activation codes must reach SMTP before enrollment
// completes, alerts are best-effort.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// SMTPSenderConfig bundles settings for the gomail-backed sender.
type SMTPSenderConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Logger   *zap.Logger
}

// SMTPSender delivers mail over SMTP via gomail.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
	logger *zap.Logger
}

// NewSMTPSender constructs a sender with validated configuration.
func NewSMTPSender(cfg SMTPSenderConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("%w: host required", ErrInvalidSenderConfig)
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: port must be positive", ErrInvalidSenderConfig)
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("%w: from address required", ErrInvalidSenderConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		logger: logger,
	}, nil
}

// Send hands the message to SMTP. The context is checked before dialing;
// gomail itself does not accept one.
func (s *SMTPSender) Send(ctx context.Context, message Message) error {
	if strings.TrimSpace(message.To) == "" {
		return fmt.Errorf("%w: recipient required", ErrInvalidSenderConfig)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", message.To)
	m.SetHeader("Subject", message.Subject)
	m.SetBody("text/plain", message.TextBody)
	if message.HTMLBody != "" {
		m.AddAlternative("text/html", message.HTMLBody)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	s.logger.Debug("mail delivered", zap.String("to", message.To), zap.String("subject", message.Subject))
	return nil
}

// SendAsync delivers the message on a detached context so a slow or failing
// SMTP server never blocks or fails the operation that triggered the mail.
func SendAsync(sender Sender, message Message, logger *zap.Logger) {
	if sender == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), asyncSendTimeout)
		defer cancel()
		if err := sender.Send(sendCtx, message); err != nil {
			logger.Warn("best-effort mail delivery failed",
				zap.String("to", message.To),
				zap.String("subject", message.Subject),
				zap.Error(err))
		}
	}()
}
