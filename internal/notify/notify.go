// Package notify delivers operator alerts when a spoke fails to sync or the
// hub cannot be reached.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
)

// EnvDiscordWebhook names the variable holding the webhook URL.
const EnvDiscordWebhook = "DNS_SYNC_DISCORD_WEBHOOK_URL"

// Kind is the category of an event.
type Kind string

const (
	KindSpokeFailed    Kind = "spoke_failed"
	KindHubUnreachable Kind = "hub_unreachable"
)

// Event is one alert.
type Event struct {
	Kind    Kind
	Server  string
	Outcome string
	Detail  string
	Added   int
	Removed int
	Failed  int
	Time    time.Time
}

// Notifier sends events somewhere an operator will see them.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

const (
	colorRed    = 0xE74C3C
	colorOrange = 0xE67E22
)

// Discord posts events to a Discord-compatible webhook.
type Discord struct {
	url    string
	client *resty.Client
	log    logr.Logger
}

// NewDiscord returns a notifier for webhookURL.
func NewDiscord(log logr.Logger, webhookURL string) *Discord {
	return &Discord{
		url:    webhookURL,
		client: resty.New().SetTimeout(10 * time.Second).SetHeader("Content-Type", "application/json"),
		log:    log,
	}
}

// FromEnv returns every notifier configured in the environment: Discord when
// the webhook URL is set, email when an SMTP host and recipient are set.
func FromEnv(log logr.Logger, getenv func(string) string) Notifier {
	var out Multi
	if url := getenv(EnvDiscordWebhook); url != "" {
		out = append(out, NewDiscord(log.WithName("discord"), url))
	}
	if cfg := smtpConfigFromEnv(getenv); cfg.Host != "" && len(cfg.To) > 0 {
		m, err := NewSMTP(log.WithName("smtp"), cfg)
		if err != nil {
			log.Error(err, "email notifications disabled")
		} else {
			out = append(out, m)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	default:
		return out
	}
}

// Multi delivers each event to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// subject and body are the plain text form of an event.
func subject(e Event) string {
	if e.Kind == KindHubUnreachable {
		return "[dns-sync] Hub unreachable: " + e.Server
	}
	return fmt.Sprintf("[dns-sync] Sync %s: %s", strings.ToLower(e.Outcome), e.Server)
}

func body(e Event) string {
	var b strings.Builder
	if e.Kind == KindHubUnreachable {
		fmt.Fprintf(&b, "Hub server is unreachable: %s\n", e.Server)
	} else {
		fmt.Fprintf(&b, "Sync %s for spoke: %s\n", e.Outcome, e.Server)
		fmt.Fprintf(&b, "Added: %d  Removed: %d  Failed: %d\n", e.Added, e.Removed, e.Failed)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, "Error: %s\n", e.Detail)
	}
	if !e.Time.IsZero() {
		fmt.Fprintf(&b, "Time: %s\n", e.Time.UTC().Format(time.RFC3339))
	}
	return b.String()
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type webhookPayload struct {
	Username string  `json:"username"`
	Embeds   []embed `json:"embeds"`
}

func payloadFor(e Event) webhookPayload {
	em := embed{Description: e.Detail, Color: colorRed}
	if !e.Time.IsZero() {
		em.Timestamp = e.Time.UTC().Format(time.RFC3339)
	}
	switch e.Kind {
	case KindHubUnreachable:
		em.Title = fmt.Sprintf("Hub %s unreachable", e.Server)
	default:
		em.Title = fmt.Sprintf("Sync %s: %s", e.Outcome, e.Server)
		if e.Outcome == "PARTIAL" {
			em.Color = colorOrange
		}
		em.Fields = []embedField{
			{Name: "Added", Value: fmt.Sprint(e.Added), Inline: true},
			{Name: "Removed", Value: fmt.Sprint(e.Removed), Inline: true},
			{Name: "Failed", Value: fmt.Sprint(e.Failed), Inline: true},
		}
	}
	return webhookPayload{Username: "dns-sync", Embeds: []embed{em}}
}

// Notify posts e. Delivery failures are returned; callers log and move on.
func (d *Discord) Notify(ctx context.Context, e Event) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(payloadFor(e)).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("notify: posting webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: webhook returned status %d: %s", resp.StatusCode(), resp.String())
	}
	d.log.V(1).Info("notification sent", "kind", e.Kind, "server", e.Server)
	return nil
}
