package pihole

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"github.com/go-logr/logr"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

// fakePihole is a minimal Pi-hole v6 API with session handling.
type fakePihole struct {
	mu       sync.Mutex
	password string
	sid      string
	logins   int
	hosts    []string
	cnames   []string
	edits    []string
	// vanish makes every DELETE answer 404, as if another writer got there
	// first.
	vanish bool
}

func (f *fakePihole) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body struct {
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != f.password {
			http.Error(w, `{"error":{"key":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		f.logins++
		f.sid = fmt.Sprintf("sid-%d", f.logins)
		writeJSON(w, map[string]any{"session": map[string]any{"valid": true, "sid": f.sid, "csrf": "csrf"}})
	})
	mux.HandleFunc("GET /api/config/dns", f.authed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"config": map[string]any{"dns": map[string]any{
			"hosts": f.hosts, "cnameRecords": f.cnames,
		}}})
	}))
	for _, list := range []string{"hosts", "cnameRecords"} {
		mux.HandleFunc("PUT /api/config/dns/"+list+"/{entry}", f.authed(func(w http.ResponseWriter, r *http.Request) {
			entry := r.PathValue("entry")
			f.edits = append(f.edits, "put "+list+" "+entry)
			*f.list(list) = append(*f.list(list), entry)
			w.WriteHeader(http.StatusCreated)
		}))
		mux.HandleFunc("DELETE /api/config/dns/"+list+"/{entry}", f.authed(func(w http.ResponseWriter, r *http.Request) {
			entry := r.PathValue("entry")
			entries := f.list(list)
			i := slices.Index(*entries, entry)
			if i < 0 || f.vanish {
				http.Error(w, `{"error":{"key":"not_found"}}`, http.StatusNotFound)
				return
			}
			*entries = slices.Delete(*entries, i, i+1)
			f.edits = append(f.edits, "delete "+list+" "+entry)
			w.WriteHeader(http.StatusNoContent)
		}))
	}
	return mux
}

func (f *fakePihole) list(name string) *[]string {
	if name == "hosts" {
		return &f.hosts
	}
	return &f.cnames
}

func (f *fakePihole) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.sid == "" || r.Header.Get("X-FTL-SID") != f.sid {
			http.Error(w, `{"error":{"key":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *fakePihole) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sid = ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestProvider(t *testing.T, f *fakePihole, password string) *Provider {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	p, err := New(logr.Discard(), config.Server{Name: "pi", URL: srv.URL + "/"}, map[string]string{"password": password})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNew(t *testing.T) {
	if _, err := New(logr.Discard(), config.Server{Name: "pi"}, map[string]string{"password": "x"}); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := New(logr.Discard(), config.Server{Name: "pi", URL: "http://pi"}, nil); err == nil {
		t.Error("expected error for missing password")
	}
	caps, ok := dns.CapabilitiesOf("pihole")
	if !ok || !caps.Has(dns.TypeCNAME) || caps.Has(dns.TypeTXT) {
		t.Errorf("unexpected registration: %v %v", ok, caps)
	}
}

func TestFetchRecords(t *testing.T) {
	f := &fakePihole{
		password: "pw",
		hosts:    []string{"10.0.0.1 www.lan web.lan", "fd00::1 v6.lan", "garbage", "nota-ip host.lan"},
		cnames:   []string{"app.lan,www.lan", "old.lan,www.lan,300", "broken"},
	}
	p := newTestProvider(t, f, "pw")

	got, err := p.FetchRecords(context.Background())
	if err != nil {
		t.Fatalf("FetchRecords: %v", err)
	}
	want := dns.NewSet(
		dns.Record{Name: "www.lan", Type: dns.TypeA, Value: "10.0.0.1"},
		dns.Record{Name: "web.lan", Type: dns.TypeA, Value: "10.0.0.1"},
		dns.Record{Name: "v6.lan", Type: dns.TypeAAAA, Value: "fd00::1"},
		dns.Record{Name: "app.lan", Type: dns.TypeCNAME, Value: "www.lan"},
		dns.Record{Name: "old.lan", Type: dns.TypeCNAME, Value: "www.lan"},
	)
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %v", len(want), got.Sorted())
	}
	for _, r := range want.Sorted() {
		if !got.Has(r) {
			t.Errorf("missing %s", r)
		}
	}
}

func TestSessionReuseAndRenewal(t *testing.T) {
	f := &fakePihole{password: "pw"}
	p := newTestProvider(t, f, "pw")
	ctx := context.Background()

	for range 3 {
		if _, err := p.FetchRecords(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if f.logins != 1 {
		t.Errorf("expected the session to be reused, got %d logins", f.logins)
	}

	f.expire()
	if _, err := p.FetchRecords(ctx); err != nil {
		t.Fatalf("expected transparent renewal, got %v", err)
	}
	if f.logins != 2 {
		t.Errorf("expected one renewal, got %d logins", f.logins)
	}
}

func TestWrongPasswordIsAuthError(t *testing.T) {
	p := newTestProvider(t, &fakePihole{password: "pw"}, "wrong")
	_, err := p.FetchRecords(context.Background())
	if !dns.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if dns.IsTransient(err) {
		t.Error("auth errors must not be transient")
	}
}

func TestAddDeleteRecord(t *testing.T) {
	f := &fakePihole{password: "pw", hosts: []string{"10.0.0.1 www.lan"}, cnames: []string{"app.lan,www.lan"}}
	p := newTestProvider(t, f, "pw")
	ctx := context.Background()

	if err := p.AddRecord(ctx, dns.Record{Name: "New.lan.", Type: dns.TypeA, Value: "10.0.0.2"}); err != nil {
		t.Fatalf("AddRecord A: %v", err)
	}
	if err := p.AddRecord(ctx, dns.Record{Name: "alias.lan", Type: dns.TypeCNAME, Value: "www.lan."}); err != nil {
		t.Fatalf("AddRecord CNAME: %v", err)
	}
	if err := p.DeleteRecord(ctx, dns.Record{Name: "www.lan", Type: dns.TypeA, Value: "10.0.0.1"}); err != nil {
		t.Fatalf("DeleteRecord A: %v", err)
	}
	if err := p.DeleteRecord(ctx, dns.Record{Name: "app.lan", Type: dns.TypeCNAME, Value: "www.lan"}); err != nil {
		t.Fatalf("DeleteRecord CNAME: %v", err)
	}
	if err := p.DeleteRecord(ctx, dns.Record{Name: "gone.lan", Type: dns.TypeA, Value: "10.0.0.9"}); err != nil {
		t.Fatalf("deleting an absent record: %v", err)
	}

	want := []string{
		"put hosts 10.0.0.2 new.lan",
		"put cnameRecords alias.lan,www.lan",
		"delete hosts 10.0.0.1 www.lan",
		"delete cnameRecords app.lan,www.lan",
	}
	if !slices.Equal(f.edits, want) {
		t.Errorf("edits = %q, want %q", f.edits, want)
	}

	err := p.AddRecord(ctx, dns.Record{Name: "t.lan", Type: dns.TypeTXT, Value: "x"})
	if !errors.Is(err, dns.ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestDeleteOneNameFromSharedHostsLine(t *testing.T) {
	f := &fakePihole{password: "pw", hosts: []string{"10.0.0.1 a.lan b.lan", "10.0.0.2 c.lan"}}
	p := newTestProvider(t, f, "pw")
	ctx := context.Background()

	b := dns.Record{Name: "b.lan", Type: dns.TypeA, Value: "10.0.0.1"}
	if err := p.DeleteRecord(ctx, b); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	want := []string{
		"put hosts 10.0.0.1 a.lan",
		"delete hosts 10.0.0.1 a.lan b.lan",
	}
	if !slices.Equal(f.edits, want) {
		t.Errorf("edits = %q, want %q", f.edits, want)
	}

	got, err := p.FetchRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Has(b) {
		t.Error("b.lan is still served after the delete")
	}
	if !got.Has(dns.Record{Name: "a.lan", Type: dns.TypeA, Value: "10.0.0.1"}) {
		t.Error("a.lan was lost while deleting b.lan")
	}

	// A second delete finds nothing and makes no edits.
	if err := p.DeleteRecord(ctx, b); err != nil {
		t.Fatalf("second DeleteRecord: %v", err)
	}
	if len(f.edits) != len(want) {
		t.Errorf("expected no further edits, got %q", f.edits)
	}
}

func TestDeleteVanishedEntryIsAnError(t *testing.T) {
	f := &fakePihole{password: "pw", hosts: []string{"10.0.0.1 a.lan"}, vanish: true}
	p := newTestProvider(t, f, "pw")

	err := p.DeleteRecord(context.Background(), dns.Record{Name: "A.lan.", Type: dns.TypeA, Value: "10.0.0.1"})
	if err == nil {
		t.Fatal("expected an error when the listed entry cannot be deleted")
	}
	if dns.IsTransient(err) || dns.IsAuth(err) {
		t.Errorf("expected a per-record failure, got %v", err)
	}
}
