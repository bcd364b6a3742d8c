// Package adguard implements dns.Provider for AdGuard Home DNS rewrites.
package adguard

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

var capabilities = dns.Capabilities(dns.TypeA, dns.TypeAAAA, dns.TypeCNAME)

func init() {
	dns.Register("adguard", capabilities, func(log logr.Logger, server config.Server, creds map[string]string) (dns.Provider, error) {
		return New(log, server, creds)
	})
}

// Provider manages the rewrite list of an AdGuard Home instance.
type Provider struct {
	name   string
	client *resty.Client
	log    logr.Logger
}

// New creates an AdGuard Home provider.
// Required credentials: username, password.
// Optional settings: skip_tls_verify (default false).
func New(log logr.Logger, server config.Server, creds map[string]string) (*Provider, error) {
	if server.URL == "" {
		return nil, fmt.Errorf("adguard: server %q: missing url", server.Name)
	}
	for _, k := range []string{"username", "password"} {
		if creds[k] == "" {
			return nil, fmt.Errorf("adguard: server %q: missing credential '%s'", server.Name, k)
		}
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(server.URL, "/")).
		SetBasicAuth(creds["username"], creds["password"]).
		SetTimeout(30 * time.Second)
	if server.Settings["skip_tls_verify"] == "true" {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	return &Provider{name: server.Name, client: client, log: log}, nil
}

func (p *Provider) Capabilities() sets.Set[dns.RecordType] {
	return capabilities.Clone()
}

// rewrite is one entry of /control/rewrite/list. Enabled is missing on
// releases that cannot disable rewrites.
type rewrite struct {
	Domain  string `json:"domain"`
	Answer  string `json:"answer"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// record maps a rewrite to a record: an IP answer is an address record,
// anything else a CNAME. Wildcards and the special "A"/"AAAA" passthrough
// answers are not rewrites this tool manages.
func (w rewrite) record() (dns.Record, bool) {
	if w.Enabled != nil && !*w.Enabled {
		return dns.Record{}, false
	}
	if w.Domain == "" || w.Answer == "" || strings.HasPrefix(w.Domain, "*") || w.Answer == "A" || w.Answer == "AAAA" {
		return dns.Record{}, false
	}
	if t := dns.AddressType(w.Answer); t != "" {
		return dns.Record{Name: w.Domain, Type: t, Value: w.Answer}, true
	}
	return dns.Record{Name: w.Domain, Type: dns.TypeCNAME, Value: dns.NormalizeName(w.Answer)}, true
}

func toRewrite(r dns.Record) (rewrite, error) {
	switch r.Type {
	case dns.TypeA, dns.TypeAAAA:
		return rewrite{Domain: dns.NormalizeName(r.Name), Answer: r.Value}, nil
	case dns.TypeCNAME:
		return rewrite{Domain: dns.NormalizeName(r.Name), Answer: dns.NormalizeName(r.Value)}, nil
	default:
		return rewrite{}, fmt.Errorf("adguard: %s: %w", r.Type, dns.ErrUnsupportedType)
	}
}

func (p *Provider) list(ctx context.Context) ([]rewrite, error) {
	var out []rewrite
	resp, err := p.client.R().SetContext(ctx).SetResult(&out).ForceContentType("application/json").Get("/control/rewrite/list")
	if err != nil {
		return nil, dns.Unreachable(p.name, fmt.Errorf("list rewrites: %w", err))
	}
	if resp.IsError() {
		return nil, dns.FromStatus(p.name, "list rewrites", resp.StatusCode(), resp.String())
	}
	return out, nil
}

// FetchRecords returns the enabled rewrites.
func (p *Provider) FetchRecords(ctx context.Context) (dns.Set, error) {
	rewrites, err := p.list(ctx)
	if err != nil {
		return nil, err
	}
	out := dns.NewSet()
	for _, w := range rewrites {
		if r, ok := w.record(); ok {
			out.Insert(r)
		}
	}
	p.log.V(1).Info("fetched rewrites", "rewrites", len(rewrites), "records", len(out))
	return out, nil
}

func (p *Provider) post(ctx context.Context, path, op string, body rewrite) error {
	resp, err := p.client.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return dns.Unreachable(p.name, fmt.Errorf("%s: %w", op, err))
	}
	if resp.IsError() {
		return dns.FromStatus(p.name, op, resp.StatusCode(), resp.String())
	}
	return nil
}

// AddRecord adds a rewrite.
func (p *Provider) AddRecord(ctx context.Context, record dns.Record) error {
	w, err := toRewrite(record)
	if err != nil {
		return err
	}
	p.log.Info("creating record", "name", record.Name, "type", record.Type, "value", record.Value)
	return p.post(ctx, "/control/rewrite/add", "add "+record.String(), w)
}

// DeleteRecord removes a rewrite. AdGuard answers 200 for rewrites it does
// not have, so presence is checked against the list first.
func (p *Provider) DeleteRecord(ctx context.Context, record dns.Record) error {
	w, err := toRewrite(record)
	if err != nil {
		return err
	}
	rewrites, err := p.list(ctx)
	if err != nil {
		return err
	}
	want := dns.Record{Name: record.Name, Type: record.Type, Value: w.Answer}.Key()
	var stored *rewrite
	for i, cur := range rewrites {
		if r, ok := cur.record(); ok && r.Key() == want {
			stored = &rewrites[i]
			break
		}
	}
	if stored == nil {
		p.log.V(1).Info("record already absent", "record", record.String())
		return nil
	}
	p.log.Info("deleting record", "name", record.Name, "type", record.Type, "value", record.Value)
	// AdGuard matches domain and answer literally, so send them as stored.
	return p.post(ctx, "/control/rewrite/delete", "delete "+record.String(), rewrite{Domain: stored.Domain, Answer: stored.Answer})
}
