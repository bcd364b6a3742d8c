package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestDiscordNotify(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscord(logr.Discard(), srv.URL)
	err := n.Notify(context.Background(), Event{
		Kind:    KindSpokeFailed,
		Server:  "pihole",
		Outcome: "PARTIAL",
		Detail:  "1 record failed",
		Added:   2,
		Failed:  1,
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if len(got.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Title != "Sync PARTIAL: pihole" || e.Color != colorOrange {
		t.Errorf("unexpected embed: %+v", e)
	}
	if e.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected timestamp %q", e.Timestamp)
	}
	if len(e.Fields) != 3 || e.Fields[0].Value != "2" || e.Fields[2].Value != "1" {
		t.Errorf("unexpected fields: %+v", e.Fields)
	}
}

func TestDiscordNotifyHubUnreachable(t *testing.T) {
	p := payloadFor(Event{Kind: KindHubUnreachable, Server: "opnsense", Detail: "timeout"})
	if p.Embeds[0].Title != "Hub opnsense unreachable" || len(p.Embeds[0].Fields) != 0 {
		t.Errorf("unexpected payload: %+v", p)
	}
}

func TestDiscordNotifyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewDiscord(logr.Discard(), srv.URL).Notify(context.Background(), Event{Server: "x"}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
