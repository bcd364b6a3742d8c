package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/go-logr/logr"
)

type sentMail struct {
	addr string
	auth bool
	from string
	to   []string
	data []byte
}

func capture(sent *[]sentMail, err error) sendFunc {
	return func(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
		data, _ := io.ReadAll(r)
		*sent = append(*sent, sentMail{addr: addr, auth: a != nil, from: from, to: to, data: data})
		return err
	}
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestSMTPNotify(t *testing.T) {
	m, err := NewSMTP(logr.Discard(), SMTPConfig{
		Host:     "mail.lan",
		User:     "dns-sync@lan",
		Password: "pw",
		To:       []string{"ops@lan", "Oncall <oncall@lan>"},
	})
	if err != nil {
		t.Fatal(err)
	}
	var sent []sentMail
	m.send = capture(&sent, nil)

	err = m.Notify(context.Background(), Event{
		Kind:    KindSpokeFailed,
		Server:  "pihole",
		Outcome: "ERROR",
		Detail:  "auth rejected",
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one mail, got %d", len(sent))
	}
	s := sent[0]
	if s.addr != "mail.lan:587" || !s.auth || s.from != "dns-sync@lan" {
		t.Errorf("unexpected envelope: %+v", s)
	}
	if len(s.to) != 2 || s.to[1] != "oncall@lan" {
		t.Errorf("unexpected recipients: %v", s.to)
	}

	mr, err := mail.CreateReader(bytes.NewReader(s.data))
	if err != nil {
		t.Fatal(err)
	}
	subj, err := mr.Header.Subject()
	if err != nil || subj != "[dns-sync] Sync error: pihole" {
		t.Errorf("unexpected subject %q (%v)", subj, err)
	}
	part, err := mr.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(part.Body)
	for _, want := range []string{"Sync ERROR for spoke: pihole", "Error: auth rejected", "Time: 2026-01-02T03:04:05Z"} {
		if !strings.Contains(string(b), want) {
			t.Errorf("body missing %q:\n%s", want, b)
		}
	}
}

func TestSMTPNotifyError(t *testing.T) {
	m, err := NewSMTP(logr.Discard(), SMTPConfig{Host: "mail.lan", Port: 25, From: "dns@lan", To: []string{"ops@lan"}})
	if err != nil {
		t.Fatal(err)
	}
	var sent []sentMail
	m.send = capture(&sent, errors.New("relay refused"))

	err = m.Notify(context.Background(), Event{Kind: KindHubUnreachable, Server: "opnsense"})
	if err == nil || !strings.Contains(err.Error(), "relay refused") {
		t.Fatalf("expected relay error, got %v", err)
	}
	if len(sent) != 1 || sent[0].addr != "mail.lan:25" || sent[0].auth {
		t.Errorf("unexpected send: %+v", sent)
	}
}

func TestNewSMTPValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  SMTPConfig
	}{
		{"no host", SMTPConfig{From: "a@lan", To: []string{"b@lan"}}},
		{"no sender", SMTPConfig{Host: "mail.lan", To: []string{"b@lan"}}},
		{"bad recipient", SMTPConfig{Host: "mail.lan", From: "a@lan", To: []string{"not an address"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSMTP(logr.Discard(), tt.cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	if _, ok := FromEnv(logr.Discard(), env(nil)).(Nop); !ok {
		t.Error("expected Nop without configuration")
	}
	if _, ok := FromEnv(logr.Discard(), env(map[string]string{EnvDiscordWebhook: "http://hook"})).(*Discord); !ok {
		t.Error("expected a Discord notifier")
	}
	// A host without recipients does not enable mail.
	if _, ok := FromEnv(logr.Discard(), env(map[string]string{EnvSMTPHost: "mail.lan"})).(Nop); !ok {
		t.Error("expected Nop for a host without recipients")
	}

	n := FromEnv(logr.Discard(), env(map[string]string{
		EnvDiscordWebhook: "http://hook",
		EnvSMTPHost:       "mail.lan",
		EnvSMTPPort:       "2525",
		EnvSMTPFrom:       "dns@lan",
		EnvSMTPTo:         "ops@lan, ,oncall@lan",
	}))
	multi, ok := n.(Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("expected both notifiers, got %T %v", n, n)
	}
	m, ok := multi[1].(*SMTP)
	if !ok || m.addr != "mail.lan:2525" || len(m.to) != 2 {
		t.Errorf("unexpected smtp notifier: %+v", multi[1])
	}
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestMultiDeliversToAll(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}
	err := Multi{failing, ok}.Notify(context.Background(), Event{Server: "pi"})
	if err == nil {
		t.Error("expected the failure to be reported")
	}
	if len(failing.events) != 1 || len(ok.events) != 1 {
		t.Errorf("expected every notifier to be called, got %d and %d", len(failing.events), len(ok.events))
	}
}
