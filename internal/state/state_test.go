package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.yaml"), logr.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := s.Hub(); ok {
		t.Error("expected no hub info")
	}
	if got := s.Managed("pihole"); got.Len() != 0 {
		t.Errorf("expected empty managed set, got %v", got)
	}
}

func TestRecordAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	s, err := Open(path, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	hub := dns.NewSet(
		dns.Record{Name: "www.lan", Type: dns.TypeA, Value: "10.0.0.1"},
		dns.Record{Name: "app.lan", Type: dns.TypeA, Value: "10.0.0.2"},
		dns.Record{Name: "alias.lan", Type: dns.TypeCNAME, Value: "app.lan"},
	)
	if err := s.RecordHub("opnsense", at, hub); err != nil {
		t.Fatalf("RecordHub: %v", err)
	}
	managed := sets.New(
		dns.Key{Name: "www.lan", Type: dns.TypeA, Value: "10.0.0.1"},
		dns.Key{Name: "txt.lan", Type: dns.TypeTXT, Value: "hello world"},
	)
	if err := s.RecordSpoke("pihole", "SYNCED", at, managed); err != nil {
		t.Fatalf("RecordSpoke: %v", err)
	}

	reloaded, err := Open(path, logr.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	info, ok := reloaded.Hub()
	if !ok || info.Name != "opnsense" || !info.RefreshedAt.Equal(at) {
		t.Fatalf("unexpected hub info: %+v", info)
	}
	if info.Counts["A"] != 2 || info.Counts["CNAME"] != 1 {
		t.Errorf("unexpected counts: %v", info.Counts)
	}
	if got := reloaded.Managed("pihole"); !got.Equal(managed) {
		t.Errorf("managed = %v, want %v", got, managed)
	}
	spoke, _ := reloaded.Spoke("pihole")
	if spoke.LastOutcome != "SYNCED" {
		t.Errorf("expected last outcome SYNCED, got %q", spoke.LastOutcome)
	}
}

func TestRecordSpokeKeepsManagedWhenNil(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.yaml"), logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	managed := sets.New(dns.Key{Name: "www.lan", Type: dns.TypeA, Value: "10.0.0.1"})
	if err := s.RecordSpoke("pihole", "SYNCED", time.Now(), managed); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSpoke("pihole", "ERROR", time.Now(), nil); err != nil {
		t.Fatal(err)
	}
	if got := s.Managed("pihole"); !got.Equal(managed) {
		t.Errorf("managed set lost: %v", got)
	}
}

func TestOpenRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("version: 99\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, logr.Discard()); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}
