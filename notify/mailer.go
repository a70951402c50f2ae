package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"relaygate/observability/logging"
)

// Mailer delivers merchant-facing confirmation notices.
type Mailer interface {
	SendConfirmation(to, orderKey, txHash string, confirmations uint64) error
}

// SMTPConfig carries the mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

// SMTPMailer sends confirmation mail through a plain SMTP relay. Credentials
// are optional; without them the relay is contacted unauthenticated.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	log  *slog.Logger
}

// NewSMTPMailer validates the relay settings and returns a mailer.
func NewSMTPMailer(cfg SMTPConfig, log *slog.Logger) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.Host) == "" || strings.TrimSpace(cfg.Port) == "" {
		return nil, errors.New("smtp host and port required")
	}
	if strings.TrimSpace(cfg.Sender) == "" {
		cfg.Sender = "no-reply@localhost"
	}
	if log == nil {
		log = slog.Default()
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail, log: log}, nil
}

// SendConfirmation emails the payment-confirmed notice for an order.
func (m *SMTPMailer) SendConfirmation(to, orderKey, txHash string, confirmations uint64) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient address required")
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)

	subject := fmt.Sprintf("Payment confirmed for order %s", orderKey)
	body := fmt.Sprintf(
		"Your payment has been confirmed on chain.\r\n\r\n"+
			"Order: %s\r\nTransaction: %s\r\nConfirmations: %d\r\n",
		orderKey, txHash, confirmations,
	)
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
			body,
	)

	if err := m.send(addr, auth, m.cfg.Sender, []string{to}, msg); err != nil {
		m.log.Error("confirmation mail failed",
			slog.String("order", orderKey),
			slog.String("recipient", logging.Email(to)),
			slog.String("error", err.Error()),
		)
		return err
	}
	m.log.Info("confirmation mail sent",
		slog.String("order", orderKey),
		slog.String("recipient", logging.Email(to)),
	)
	return nil
}
