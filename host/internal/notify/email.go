package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// smtpDialTimeout bounds the TCP/TLS connect; the rest of the transaction is
// bounded by the server, and a notification that hangs past this is better
// reported failed than left blocking a workflow step.
const smtpDialTimeout = 15 * time.Second

// SMTPConfig is the static SMTP delivery configuration, set once at process
// start from ORBITMESH_SMTP_* environment variables.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool // implicit TLS (port 465 style); otherwise STARTTLS is used when offered
}

type emailSender struct {
	cfg *SMTPConfig
}

func newEmailSender(cfg *SMTPConfig) *emailSender {
	return &emailSender{cfg: cfg}
}

// send delivers a single email to one or more comma-separated recipient
// addresses in target.
func (s *emailSender) send(ctx context.Context, target, subject, body string) error {
	if s.cfg == nil {
		return ErrChannelNotConfigured
	}
	to := splitAddresses(target)
	if len(to) == 0 {
		return nil
	}

	client, err := s.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	return s.transact(client, to, buildEmail(s.cfg.From, to, subject, body))
}

// connect establishes the SMTP session. With cfg.TLS the connection is TLS
// from the first byte; otherwise it starts in plaintext and upgrades via
// STARTTLS whenever the server offers it.
func (s *emailSender) connect() (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	tlsCfg := &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}

	if s.cfg.TLS {
		dialer := &net.Dialer{Timeout: smtpDialTimeout}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: connect %s: %s", ErrSendFailed, addr, err)
		}
		client, err := smtp.NewClient(conn, s.cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: smtp handshake with %s: %s", ErrSendFailed, addr, err)
		}
		return client, nil
	}

	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %s", ErrSendFailed, addr, err)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: smtp handshake with %s: %s", ErrSendFailed, addr, err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsCfg); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: starttls upgrade: %s", ErrSendFailed, err)
		}
	}
	return client, nil
}

// transact drives one message through an established session: authenticate
// when credentials are configured, then envelope, body, and quit.
func (s *emailSender) transact(client *smtp.Client, to []string, msg []byte) error {
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("%w: authenticate as %s: %s", ErrSendFailed, s.cfg.Username, err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("%w: sender %s rejected: %s", ErrSendFailed, s.cfg.From, err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("%w: recipient %s rejected: %s", ErrSendFailed, rcpt, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("%w: open message body: %s", ErrSendFailed, err)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return fmt.Errorf("%w: send message body: %s", ErrSendFailed, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("%w: finish message body: %s", ErrSendFailed, err)
	}
	return client.Quit()
}

// buildEmail renders a minimal RFC 5322 plain-text message.
func buildEmail(from string, to []string, subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	return buf.Bytes()
}

func splitAddresses(target string) []string {
	parts := strings.Split(target, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
