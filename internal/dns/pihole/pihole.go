// Package pihole implements dns.Provider for Pi-hole v6 local DNS records.
package pihole

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

const userAgent = "yk-dns-sync"

var capabilities = dns.Capabilities(dns.TypeA, dns.TypeAAAA, dns.TypeCNAME)

func init() {
	dns.Register("pihole", capabilities, func(log logr.Logger, server config.Server, creds map[string]string) (dns.Provider, error) {
		return New(log, server, creds)
	})
}

// Provider talks to the Pi-hole v6 REST API. A session id is obtained once
// and reused until the server rejects it.
type Provider struct {
	name     string
	password string
	client   *resty.Client
	log      logr.Logger

	mu   sync.Mutex
	sid  string
	csrf string
}

// New creates a Pi-hole provider.
// Required credentials: password.
// Optional settings: skip_tls_verify (default false).
func New(log logr.Logger, server config.Server, creds map[string]string) (*Provider, error) {
	if server.URL == "" {
		return nil, fmt.Errorf("pihole: server %q: missing url", server.Name)
	}
	password, ok := creds["password"]
	if !ok {
		return nil, fmt.Errorf("pihole: server %q: missing credential 'password'", server.Name)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(server.URL, "/")).
		SetHeader("User-Agent", userAgent).
		SetTimeout(30 * time.Second)
	if server.Settings["skip_tls_verify"] == "true" {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Provider{
		name:     server.Name,
		password: password,
		client:   client,
		log:      log,
	}, nil
}

func (p *Provider) Capabilities() sets.Set[dns.RecordType] {
	return capabilities.Clone()
}

type authResponse struct {
	Session struct {
		Valid bool   `json:"valid"`
		SID   string `json:"sid"`
		CSRF  string `json:"csrf"`
	} `json:"session"`
}

// login exchanges the password for a session id.
func (p *Provider) login(ctx context.Context) (string, string, error) {
	var out authResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"password": p.password}).
		SetResult(&out).
		Post("/api/auth")
	if err != nil {
		return "", "", dns.Unreachable(p.name, fmt.Errorf("login: %w", err))
	}
	if resp.IsError() {
		return "", "", dns.FromStatus(p.name, "login", resp.StatusCode(), resp.String())
	}
	if !out.Session.Valid {
		return "", "", &dns.AuthError{Server: p.name, Err: errors.New("session not valid")}
	}
	p.log.V(1).Info("authenticated", "server", p.name)
	return out.Session.SID, out.Session.CSRF, nil
}

// session returns the cached session, logging in when there is none.
func (p *Provider) session(ctx context.Context) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sid != "" {
		return p.sid, p.csrf, nil
	}
	sid, csrf, err := p.login(ctx)
	if err != nil {
		return "", "", err
	}
	p.sid, p.csrf = sid, csrf
	return sid, csrf, nil
}

// invalidate drops sid unless another caller already replaced it.
func (p *Provider) invalidate(sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sid == sid {
		p.sid, p.csrf = "", ""
	}
}

// call runs an authenticated request. An expired session is renewed once.
func (p *Provider) call(ctx context.Context, method, path string, params map[string]string, out any) (*resty.Response, error) {
	for attempt := 0; ; attempt++ {
		sid, csrf, err := p.session(ctx)
		if err != nil {
			return nil, err
		}
		req := p.client.R().SetContext(ctx).SetPathParams(params)
		if sid != "" {
			req.SetHeader("X-FTL-SID", sid)
		}
		if csrf != "" {
			req.SetHeader("X-CSRF-TOKEN", csrf)
		}
		if out != nil {
			req.SetResult(out)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, dns.Unreachable(p.name, fmt.Errorf("%s %s: %w", method, path, err))
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			p.log.V(1).Info("session expired, logging in again")
			p.invalidate(sid)
			continue
		}
		return resp, nil
	}
}

type configResponse struct {
	Config struct {
		DNS struct {
			Hosts        []string `json:"hosts"`
			CNAMERecords []string `json:"cnameRecords"`
		} `json:"dns"`
	} `json:"config"`
}

// parseHost reads a hosts entry of the form "<ip> <name> [aliases...]".
func parseHost(entry string) []dns.Record {
	fields := strings.Fields(entry)
	if len(fields) < 2 {
		return nil
	}
	t := dns.AddressType(fields[0])
	if t == "" {
		return nil
	}
	out := make([]dns.Record, 0, len(fields)-1)
	for _, name := range fields[1:] {
		out = append(out, dns.Record{Name: name, Type: t, Value: fields[0]})
	}
	return out
}

// parseCNAME reads a cnameRecords entry of the form "<name>,<target>[,<ttl>]".
func parseCNAME(entry string) (dns.Record, bool) {
	parts := strings.Split(entry, ",")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return dns.Record{}, false
	}
	return dns.Record{Name: parts[0], Type: dns.TypeCNAME, Value: dns.NormalizeName(parts[1])}, true
}

// localConfig returns the raw hosts and cnameRecords entries.
func (p *Provider) localConfig(ctx context.Context) (configResponse, error) {
	var cfg configResponse
	resp, err := p.call(ctx, http.MethodGet, "/api/config/dns", nil, &cfg)
	if err != nil {
		return cfg, err
	}
	if resp.IsError() {
		return cfg, dns.FromStatus(p.name, "get config", resp.StatusCode(), resp.String())
	}
	return cfg, nil
}

// FetchRecords returns the local DNS hosts and CNAME records.
func (p *Provider) FetchRecords(ctx context.Context) (dns.Set, error) {
	cfg, err := p.localConfig(ctx)
	if err != nil {
		return nil, err
	}

	out := dns.NewSet()
	for _, h := range cfg.Config.DNS.Hosts {
		out.Insert(parseHost(h)...)
	}
	for _, c := range cfg.Config.DNS.CNAMERecords {
		if r, ok := parseCNAME(c); ok {
			out.Insert(r)
		}
	}
	p.log.V(1).Info("fetched local records", "hosts", len(cfg.Config.DNS.Hosts), "cnames", len(cfg.Config.DNS.CNAMERecords))
	return out, nil
}

// entryPath returns the config path and the element value for a record.
func entryPath(r dns.Record) (string, string, error) {
	name := dns.NormalizeName(r.Name)
	switch r.Type {
	case dns.TypeA, dns.TypeAAAA:
		return "/api/config/dns/hosts/{entry}", r.Value + " " + name, nil
	case dns.TypeCNAME:
		return "/api/config/dns/cnameRecords/{entry}", name + "," + dns.NormalizeName(r.Value), nil
	default:
		return "", "", fmt.Errorf("pihole: %s: %w", r.Type, dns.ErrUnsupportedType)
	}
}

// AddRecord appends the record to the Pi-hole configuration.
func (p *Provider) AddRecord(ctx context.Context, record dns.Record) error {
	path, entry, err := entryPath(record)
	if err != nil {
		return err
	}
	p.log.Info("creating record", "name", record.Name, "type", record.Type, "value", record.Value)
	return p.put(ctx, path, entry, "add "+record.String())
}

func (p *Provider) put(ctx context.Context, path, entry, op string) error {
	resp, err := p.call(ctx, http.MethodPut, path, map[string]string{"entry": entry}, nil)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return dns.FromStatus(p.name, op, resp.StatusCode(), resp.String())
	}
	return nil
}

// edit is how one stored entry changes when a record is deleted: old is
// removed, and keep (when set) is written in its place first.
type edit struct {
	path string
	old  string
	keep string
}

// planDelete finds the stored entries holding record. A hosts line may carry
// several names for one address; only the matching name is dropped from it.
func planDelete(cfg configResponse, record dns.Record) ([]edit, error) {
	name := dns.NormalizeName(record.Name)
	var edits []edit
	switch record.Type {
	case dns.TypeA, dns.TypeAAAA:
		for _, line := range cfg.Config.DNS.Hosts {
			fields := strings.Fields(line)
			if len(fields) < 2 || fields[0] != record.Value || dns.AddressType(fields[0]) != record.Type {
				continue
			}
			rest := make([]string, 0, len(fields)-1)
			for _, n := range fields[1:] {
				if dns.NormalizeName(n) != name {
					rest = append(rest, n)
				}
			}
			if len(rest) == len(fields)-1 {
				continue
			}
			e := edit{path: "/api/config/dns/hosts/{entry}", old: line}
			if len(rest) > 0 {
				e.keep = fields[0] + " " + strings.Join(rest, " ")
			}
			edits = append(edits, e)
		}
	case dns.TypeCNAME:
		for _, entry := range cfg.Config.DNS.CNAMERecords {
			if r, ok := parseCNAME(entry); ok && dns.NormalizeName(r.Name) == name && r.Value == dns.NormalizeName(record.Value) {
				edits = append(edits, edit{path: "/api/config/dns/cnameRecords/{entry}", old: entry})
			}
		}
	default:
		return nil, fmt.Errorf("pihole: %s: %w", record.Type, dns.ErrUnsupportedType)
	}
	return edits, nil
}

// DeleteRecord removes the record from every entry that holds it. A record
// that is already gone is not an error.
func (p *Provider) DeleteRecord(ctx context.Context, record dns.Record) error {
	if _, _, err := entryPath(record); err != nil {
		return err
	}
	cfg, err := p.localConfig(ctx)
	if err != nil {
		return err
	}
	edits, err := planDelete(cfg, record)
	if err != nil {
		return err
	}
	if len(edits) == 0 {
		p.log.V(1).Info("record already absent", "record", record.String())
		return nil
	}

	p.log.Info("deleting record", "name", record.Name, "type", record.Type, "value", record.Value)
	for _, e := range edits {
		if e.keep != "" {
			if err := p.put(ctx, e.path, e.keep, "rewrite "+e.old); err != nil {
				return err
			}
		}
		resp, err := p.call(ctx, http.MethodDelete, e.path, map[string]string{"entry": e.old}, nil)
		if err != nil {
			return err
		}
		if resp.StatusCode() == http.StatusNotFound {
			// Listed a moment ago, so someone else is editing the list.
			return fmt.Errorf("pihole: delete %s: entry %q vanished while editing", record, e.old)
		}
		if resp.IsError() {
			return dns.FromStatus(p.name, "delete "+record.String(), resp.StatusCode(), resp.String())
		}
	}
	return nil
}
