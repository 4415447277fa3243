package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig describes the outbound mail relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender"`
	// StartTLS upgrades the connection before authenticating. Credentials
	// are never sent over a cleartext connection regardless of this flag.
	StartTLS bool `yaml:"start_tls"`
	// InsecureSkipVerify disables certificate verification. Test relays only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// SMTPNotifier delivers messages through a single SMTP relay.
type SMTPNotifier struct {
	config SMTPConfig
}

var _ Notifier = (*SMTPNotifier)(nil)

func NewSMTPNotifier(config SMTPConfig) (*SMTPNotifier, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp notifier requires a host")
	}
	if config.Sender == "" {
		return nil, fmt.Errorf("smtp notifier requires a sender address")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	return &SMTPNotifier{config: config}, nil
}

func (n *SMTPNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	addr := net.JoinHostPort(n.config.Host, fmt.Sprintf("%d", n.config.Port))

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing smtp relay: %w", err)
	}

	client, err := smtp.NewClient(conn, n.config.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if n.config.StartTLS {
		tlsConfig := &tls.Config{
			ServerName:         n.config.Host,
			InsecureSkipVerify: n.config.InsecureSkipVerify,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starting tls: %w", err)
		}
	}

	if n.config.Username != "" {
		if !n.config.StartTLS {
			return fmt.Errorf("refusing to authenticate over cleartext connection")
		}
		auth := smtp.PlainAuth("", n.config.Username, n.config.Password, n.config.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(n.config.Sender); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := fmt.Fprint(wc, formatMessage(n.config.Sender, recipient, subject, body)); err != nil {
		_ = wc.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return client.Quit()
}

func formatMessage(sender, recipient, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", sender)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.String()
}
