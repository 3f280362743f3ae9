package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMSProvider sends text messages through an HTTP SMS gateway.
type SMSProvider struct {
	baseURL  string
	apiKey   string
	senderID string
	http     *http.Client
}

func NewSMSProvider(baseURL, apiKey, senderID string, timeout time.Duration) *SMSProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SMSProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		senderID: senderID,
		http:     &http.Client{Timeout: timeout},
	}
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

type smsResponse struct {
	MessageID string `json:"message_id"`
}

func (p *SMSProvider) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(smsRequest{To: msg.To, From: p.senderID, Message: msg.Body})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sms gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out smsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode sms response: %w", err)
	}
	return out.MessageID, nil
}

// sendMailFunc delivers one message; it must give up when ctx is done.
type sendMailFunc func(ctx context.Context, from string, to []string, msg []byte) error

// EmailProvider sends plain-text mail over SMTP.
type EmailProvider struct {
	addr     string
	host     string
	from     string
	auth     smtp.Auth
	timeout  time.Duration
	sendMail sendMailFunc
	now      func() time.Time
}

func NewEmailProvider(host string, port int, username, password, from string, timeout time.Duration) *EmailProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &EmailProvider{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		host:    host,
		from:    from,
		timeout: timeout,
		now:     time.Now,
	}
	if username != "" {
		p.auth = smtp.PlainAuth("", username, password, host)
	}
	p.sendMail = p.deliver
	return p
}

// deliver runs one SMTP session. The whole exchange shares one deadline,
// the earlier of ctx's and the provider timeout, and cancelling ctx aborts it.
func (p *EmailProvider) deliver(ctx context.Context, from string, to []string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, p.host)
	if err != nil {
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: p.host}); err != nil {
			return err
		}
	}
	if p.auth != nil {
		if err := c.Auth(p.auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// Send returns the generated Message-ID.
func (p *EmailProvider) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return "", fmt.Errorf("header injection in recipient or subject")
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.host)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", p.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", id)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n")

	if err := p.sendMail(ctx, p.from, []string{msg.To}, []byte(b.String())); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return id, nil
}
