package mail

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPSender delivers messages to a fixed relay over plain SMTP. It is
// the default Sender wired by the worker binary; richer providers plug
// in behind the same interface.
type SMTPSender struct {
	Host        string
	Port        string
	From        string
	HelloName   string
	DialTimeout time.Duration
}

// NewSMTPSender creates a sender for the given relay.
func NewSMTPSender(host, port, from string) *SMTPSender {
	return &SMTPSender{
		Host:        host,
		Port:        port,
		From:        from,
		HelloName:   "mailqueue.local",
		DialTimeout: 30 * time.Second,
	}
}

// Send performs a single SMTP transaction for msg. The context bounds
// the dial; the session itself is bounded by a connection deadline.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(s.Host, s.Port)
	dialer := &net.Dialer{Timeout: s.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	} else if err := conn.SetDeadline(time.Now().Add(2 * time.Minute)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.HelloName); err != nil {
		return fmt.Errorf("helo: %w", err)
	}
	if err := client.Mail(s.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(buildRFC822(s.From, msg)); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("quit: %w", err)
	}
	return nil
}

// buildRFC822 assembles a minimal single-part message. HTML wins when
// both bodies are present; multipart/alternative is left to upstream
// composition.
func buildRFC822(from string, msg Message) []byte {
	var b strings.Builder
	body := msg.Text
	contentType := "text/plain; charset=utf-8"
	if msg.HTML != "" {
		body = msg.HTML
		contentType = "text/html; charset=utf-8"
	}

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
