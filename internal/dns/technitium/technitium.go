// Package technitium implements dns.Provider for Technitium DNS Server
// primary zones.
package technitium

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

var capabilities = dns.Capabilities(dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeTXT)

func init() {
	dns.Register("technitium", capabilities, func(log logr.Logger, server config.Server, creds map[string]string) (dns.Provider, error) {
		return New(log, server, creds)
	})
}

// Provider manages records in the primary zones of a Technitium server.
type Provider struct {
	name   string
	client *resty.Client
	log    logr.Logger

	// configured restricts the provider to these zones when set.
	configured []string

	mu    sync.Mutex
	zones []string
}

// New creates a Technitium provider.
// Required credentials: api_token.
// Optional settings: zones (comma separated), skip_tls_verify (default false).
func New(log logr.Logger, server config.Server, creds map[string]string) (*Provider, error) {
	if server.URL == "" {
		return nil, fmt.Errorf("technitium: server %q: missing url", server.Name)
	}
	token := creds["api_token"]
	if token == "" {
		return nil, fmt.Errorf("technitium: server %q: missing credential 'api_token'", server.Name)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(server.URL, "/")).
		SetQueryParam("token", token).
		SetTimeout(30 * time.Second)
	if server.Settings["skip_tls_verify"] == "true" {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	var configured []string
	for z := range strings.SplitSeq(server.Settings["zones"], ",") {
		if z = dns.NormalizeName(z); z != "" {
			configured = append(configured, z)
		}
	}

	return &Provider{
		name:       server.Name,
		client:     client,
		log:        log,
		configured: configured,
	}, nil
}

func (p *Provider) Capabilities() sets.Set[dns.RecordType] {
	return capabilities.Clone()
}

// envelope is the common response wrapper. Technitium reports API errors
// with HTTP 200 and a status field.
type envelope struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"errorMessage"`
	Response     json.RawMessage `json:"response"`
}

// call issues a GET with the given query and decodes the response payload
// into out.
func (p *Provider) call(ctx context.Context, path string, query map[string]string, out any) error {
	var env envelope
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(&env).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		return dns.Unreachable(p.name, fmt.Errorf("%s: %w", path, err))
	}
	if resp.IsError() {
		return dns.FromStatus(p.name, path, resp.StatusCode(), resp.String())
	}
	switch env.Status {
	case "ok":
	case "invalid-token":
		return &dns.AuthError{Server: p.name, Err: errors.New(env.ErrorMessage)}
	default:
		return &apiError{Path: path, Message: env.ErrorMessage}
	}
	if out == nil || len(env.Response) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("technitium: decode %s response: %w", path, err)
	}
	return nil
}

type apiError struct {
	Path    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("technitium: %s: %s", e.Path, e.Message)
}

// notFound reports whether a delete failed because the record is absent.
func (e *apiError) notFound() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}

type zoneInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Internal bool   `json:"internal"`
	Disabled bool   `json:"disabled"`
}

// listZones returns the writable zones, preferring the configured list.
func (p *Provider) listZones(ctx context.Context) ([]string, error) {
	if len(p.configured) > 0 {
		return p.configured, nil
	}
	var out struct {
		Zones []zoneInfo `json:"zones"`
	}
	if err := p.call(ctx, "/api/zones/list", nil, &out); err != nil {
		return nil, err
	}
	var zones []string
	for _, z := range out.Zones {
		if z.Type != "Primary" || z.Internal || z.Disabled {
			continue
		}
		zones = append(zones, dns.NormalizeName(z.Name))
	}
	p.mu.Lock()
	p.zones = zones
	p.mu.Unlock()
	return zones, nil
}

// zoneFor picks the longest zone that contains name.
func (p *Provider) zoneFor(ctx context.Context, name string) (string, error) {
	p.mu.Lock()
	zones := p.zones
	p.mu.Unlock()
	if len(p.configured) > 0 {
		zones = p.configured
	}
	if zones == nil {
		var err error
		if zones, err = p.listZones(ctx); err != nil {
			return "", err
		}
	}
	best := ""
	for _, z := range zones {
		if (name == z || strings.HasSuffix(name, "."+z)) && len(z) > len(best) {
			best = z
		}
	}
	if best == "" {
		return "", fmt.Errorf("technitium: %s: no primary zone contains %q", p.name, name)
	}
	return best, nil
}

type recordInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	TTL      int    `json:"ttl"`
	Disabled bool   `json:"disabled"`
	RData    struct {
		IPAddress string `json:"ipAddress"`
		CNAME     string `json:"cname"`
		Text      string `json:"text"`
	} `json:"rData"`
}

func (r recordInfo) record() (dns.Record, bool) {
	out := dns.Record{Name: r.Name, Type: dns.RecordType(r.Type), TTL: r.TTL}
	switch out.Type {
	case dns.TypeA, dns.TypeAAAA:
		out.Value = r.RData.IPAddress
	case dns.TypeCNAME:
		out.Value = dns.NormalizeName(r.RData.CNAME)
	case dns.TypeTXT:
		out.Value = r.RData.Text
	default:
		return dns.Record{}, false
	}
	return out, out.Value != ""
}

// FetchRecords lists every enabled A, AAAA, CNAME and TXT record in the
// writable zones.
func (p *Provider) FetchRecords(ctx context.Context) (dns.Set, error) {
	zones, err := p.listZones(ctx)
	if err != nil {
		return nil, err
	}
	out := dns.NewSet()
	for _, zone := range zones {
		var resp struct {
			Records []recordInfo `json:"records"`
		}
		q := map[string]string{"domain": zone, "zone": zone, "listZone": "true"}
		if err := p.call(ctx, "/api/zones/records/get", q, &resp); err != nil {
			return nil, fmt.Errorf("zone %s: %w", zone, err)
		}
		for _, ri := range resp.Records {
			if ri.Disabled {
				continue
			}
			if r, ok := ri.record(); ok {
				out.Insert(r)
			}
		}
	}
	p.log.V(1).Info("fetched zone records", "zones", len(zones), "records", len(out))
	return out, nil
}

// recordQuery builds the parameters shared by add and delete.
func (p *Provider) recordQuery(ctx context.Context, r dns.Record) (map[string]string, error) {
	if !capabilities.Has(r.Type) {
		return nil, fmt.Errorf("technitium: %s: %w", r.Type, dns.ErrUnsupportedType)
	}
	name := dns.NormalizeName(r.Name)
	zone, err := p.zoneFor(ctx, name)
	if err != nil {
		return nil, err
	}
	q := map[string]string{"domain": name, "zone": zone, "type": string(r.Type)}
	switch r.Type {
	case dns.TypeA, dns.TypeAAAA:
		q["ipAddress"] = r.Value
	case dns.TypeCNAME:
		q["cname"] = dns.NormalizeName(r.Value)
	case dns.TypeTXT:
		q["text"] = r.Value
	}
	return q, nil
}

// AddRecord adds the record to the zone that contains its name.
func (p *Provider) AddRecord(ctx context.Context, record dns.Record) error {
	q, err := p.recordQuery(ctx, record)
	if err != nil {
		return err
	}
	if record.TTL > 0 {
		q["ttl"] = strconv.Itoa(record.TTL)
	}
	p.log.Info("creating record", "name", record.Name, "type", record.Type, "value", record.Value, "zone", q["zone"])
	return p.call(ctx, "/api/zones/records/add", q, nil)
}

// DeleteRecord removes the record. A record that is already gone is not an
// error.
func (p *Provider) DeleteRecord(ctx context.Context, record dns.Record) error {
	q, err := p.recordQuery(ctx, record)
	if err != nil {
		return err
	}
	p.log.Info("deleting record", "name", record.Name, "type", record.Type, "value", record.Value, "zone", q["zone"])
	err = p.call(ctx, "/api/zones/records/delete", q, nil)
	var ae *apiError
	if errors.As(err, &ae) && ae.notFound() {
		p.log.V(1).Info("record already absent", "record", record.String())
		return nil
	}
	return err
}
