package outbound

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"time"

	"github.com/google/uuid"

	"github.com/monkeysmail/platform/internal/domain"
	"github.com/monkeysmail/platform/internal/pkg/logger"
)

// SendResult is the sender port's reply for one delivery attempt.
type SendResult struct {
	OK        bool
	MessageID string
	Err       string
}

// MailSender delivers one composed message to its envelope recipients.
type MailSender interface {
	Send(ctx context.Context, m *domain.Message, html string, env Envelope) SendResult
}

// SMTPSender relays through a local MTA (PMTA or Postfix) over SMTP with
// opportunistic STARTTLS. DKIM signing happens at the milter, not here.
type SMTPSender struct {
	host       string
	port       int
	heloDomain string
	timeout    time.Duration
}

// NewSMTPSender creates an SMTP relay sender. A zero timeout defaults to 15s
// per attempt.
func NewSMTPSender(host string, port int, heloDomain string, timeout time.Duration) *SMTPSender {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if heloDomain == "" {
		heloDomain = "localhost"
	}
	return &SMTPSender{host: host, port: port, heloDomain: heloDomain, timeout: timeout}
}

// Send composes the MIME message and runs one SMTP transaction. The whole
// attempt is bounded by the configured timeout.
func (s *SMTPSender) Send(ctx context.Context, m *domain.Message, html string, env Envelope) SendResult {
	if s.host == "" {
		return SendResult{Err: "smtp relay host not configured"}
	}

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.heloDomain)
	raw := composeMIME(m, html, env, messageID)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := s.transact(ctx, addr, env, raw); err != nil {
		return SendResult{Err: err.Error()}
	}

	logger.Debug("smtp send ok", "message_id", m.ID, "provider_id", messageID)
	return SendResult{OK: true, MessageID: messageID}
}

func (s *SMTPSender) transact(ctx context.Context, addr string, env Envelope, raw []byte) error {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp connect %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if err := c.Hello(s.heloDomain); err != nil {
		return fmt.Errorf("HELO: %w", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: s.host, InsecureSkipVerify: true}
		if tlsErr := c.StartTLS(tlsCfg); tlsErr != nil {
			logger.Warn("starttls failed, continuing in clear", "relay", addr, "error", tlsErr.Error())
		}
	}

	if err := c.Mail(env.From); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range env.Addresses() {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO: %w", err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return c.Quit()
}

// composeMIME renders headers plus a multipart/alternative body, with an
// outer multipart/mixed wrapper when attachments are present. The html
// argument is the (possibly tracking-injected) body, not m.HTML.
func composeMIME(m *domain.Message, html string, env Envelope, messageID string) []byte {
	var buf bytes.Buffer

	from := env.From
	if env.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("UTF-8", env.FromName), env.From)
	}
	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	if len(env.To) > 0 {
		buf.WriteString(fmt.Sprintf("To: %s\r\n", joinAddrs(env.To)))
	}
	if len(env.Cc) > 0 {
		buf.WriteString(fmt.Sprintf("Cc: %s\r\n", joinAddrs(env.Cc)))
	}
	if env.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", env.ReplyTo))
	}
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", m.Subject)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")
	for k, v := range env.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	altBoundary := fmt.Sprintf("=_alt_%s", uuid.New().String()[:16])
	var mixedBoundary string
	if len(m.Attachments) > 0 {
		mixedBoundary = fmt.Sprintf("=_mix_%s", uuid.New().String()[:16])
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n\r\n", mixedBoundary))
		buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", altBoundary))
	} else {
		buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", altBoundary))
	}

	if m.Text != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
		buf.WriteString(m.Text)
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(html)
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s--\r\n", altBoundary))

	if len(m.Attachments) > 0 {
		for _, a := range m.Attachments {
			ct := a.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
			buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n", ct))
			buf.WriteString("Content-Transfer-Encoding: base64\r\n")
			buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n\r\n", a.Filename))
			buf.WriteString(wrapBase64(a.Content))
			buf.WriteString("\r\n")
		}
		buf.WriteString(fmt.Sprintf("--%s--\r\n", mixedBoundary))
	}

	return buf.Bytes()
}

func joinAddrs(addrs []string) string {
	out := ""
	for i, a := range addrs {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

// wrapBase64 re-wraps base64 content to 76-column lines. Invalid input is
// passed through untouched; the MTA will reject it with a real SMTP error.
func wrapBase64(content string) string {
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return content
	}
	encoded := base64.StdEncoding.EncodeToString(decoded)
	var buf bytes.Buffer
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	return buf.String()
}
