package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/go-logr/logr"
)

// SMTP environment variables.
const (
	EnvSMTPHost     = "DNS_SYNC_SMTP_HOST"
	EnvSMTPPort     = "DNS_SYNC_SMTP_PORT"
	EnvSMTPUser     = "DNS_SYNC_SMTP_USER"
	EnvSMTPPassword = "DNS_SYNC_SMTP_PASSWORD"
	EnvSMTPFrom     = "DNS_SYNC_SMTP_FROM"
	EnvSMTPTo       = "DNS_SYNC_SMTP_TO"
)

const defaultSMTPPort = 587

// SMTPConfig describes the mail relay. From defaults to User.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	To       []string
}

func smtpConfigFromEnv(getenv func(string) string) SMTPConfig {
	cfg := SMTPConfig{
		Host:     getenv(EnvSMTPHost),
		User:     getenv(EnvSMTPUser),
		Password: getenv(EnvSMTPPassword),
		From:     getenv(EnvSMTPFrom),
	}
	if p, err := strconv.Atoi(getenv(EnvSMTPPort)); err == nil {
		cfg.Port = p
	}
	for to := range strings.SplitSeq(getenv(EnvSMTPTo), ",") {
		if to = strings.TrimSpace(to); to != "" {
			cfg.To = append(cfg.To, to)
		}
	}
	return cfg
}

type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// SMTP mails events through a relay. go-smtp upgrades the connection with
// STARTTLS when the relay offers it.
type SMTP struct {
	addr string
	auth sasl.Client
	from *mail.Address
	to   []*mail.Address
	log  logr.Logger
	send sendFunc
}

// NewSMTP validates cfg and returns a mail notifier.
func NewSMTP(log logr.Logger, cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("notify: %s is required", EnvSMTPHost)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSMTPPort
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("notify: sender %q: %w", cfg.From, err)
	}
	to, err := mail.ParseAddressList(strings.Join(cfg.To, ", "))
	if err != nil || len(to) == 0 {
		return nil, fmt.Errorf("notify: recipients %q: invalid or empty", cfg.To)
	}
	m := &SMTP{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from: from,
		to:   to,
		log:  log,
		send: smtp.SendMail,
	}
	if cfg.User != "" && cfg.Password != "" {
		m.auth = sasl.NewPlainClient("", cfg.User, cfg.Password)
	}
	return m, nil
}

// message renders e as a plain text mail.
func (m *SMTP) message(e Event) ([]byte, error) {
	var h mail.Header
	date := e.Time
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{m.from})
	h.SetAddressList("To", m.to)
	h.SetSubject(subject(e))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body(e)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Notify mails e. The relay conversation has no context support, so a
// cancelled ctx only stops the wait for it.
func (m *SMTP) Notify(ctx context.Context, e Event) error {
	msg, err := m.message(e)
	if err != nil {
		return fmt.Errorf("notify: building mail: %w", err)
	}
	rcpts := make([]string, 0, len(m.to))
	for _, a := range m.to {
		rcpts = append(rcpts, a.Address)
	}

	done := make(chan error, 1)
	go func() { done <- m.send(m.addr, m.auth, m.from.Address, rcpts, bytes.NewReader(msg)) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("notify: sending mail via %s: %w", m.addr, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("notify: sending mail via %s: %w", m.addr, ctx.Err())
	}
	m.log.V(1).Info("notification sent", "kind", e.Kind, "server", e.Server, "recipients", len(rcpts))
	return nil
}
