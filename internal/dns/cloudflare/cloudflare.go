// Package cloudflare implements dns.Provider for one Cloudflare zone.
package cloudflare

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

const (
	defaultBaseURL = "https://api.cloudflare.com/client/v4"
	pageSize       = 500
	// codeIdenticalRecord is answered when the record to create already exists.
	codeIdenticalRecord = 81058
)

var capabilities = dns.Capabilities(dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeTXT)

func init() {
	dns.Register("cloudflare", capabilities, func(log logr.Logger, server config.Server, creds map[string]string) (dns.Provider, error) {
		return New(log, server, creds)
	})
}

// Provider manages the DNS records of a single zone.
type Provider struct {
	name   string
	zoneID string
	client *resty.Client
	log    logr.Logger
}

// New creates a Cloudflare provider.
// Required credentials: api_token, zone_id (may also be a setting).
// Optional: url (defaults to the public v4 API), skip_tls_verify.
func New(log logr.Logger, server config.Server, creds map[string]string) (*Provider, error) {
	token := creds["api_token"]
	if token == "" {
		return nil, fmt.Errorf("cloudflare: server %q: missing credential 'api_token'", server.Name)
	}
	zoneID := creds["zone_id"]
	if zoneID == "" {
		zoneID = server.Settings["zone_id"]
	}
	if zoneID == "" {
		return nil, fmt.Errorf("cloudflare: server %q: missing 'zone_id'", server.Name)
	}
	baseURL := server.URL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetPathParam("zone", zoneID).
		SetTimeout(30 * time.Second)
	if server.Settings["skip_tls_verify"] == "true" {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Provider{name: server.Name, zoneID: zoneID, client: client, log: log}, nil
}

func (p *Provider) Capabilities() sets.Set[dns.RecordType] {
	return capabilities.Clone()
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Errors     []apiMessage    `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo struct {
		Page       int `json:"page"`
		TotalPages int `json:"total_pages"`
	} `json:"result_info"`
}

// apiError is a request the API understood and refused.
type apiError struct {
	Op     string
	Errors []apiMessage
}

func (e *apiError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%d %s", m.Code, m.Message))
	}
	return fmt.Sprintf("cloudflare: %s: %s", e.Op, strings.Join(msgs, "; "))
}

func (e *apiError) has(code int) bool {
	for _, m := range e.Errors {
		if m.Code == code {
			return true
		}
	}
	return false
}

// call runs a request against the zone and decodes the envelope.
func (p *Provider) call(ctx context.Context, op string, req *resty.Request, method, path string) (envelope, error) {
	var env envelope
	resp, err := req.SetContext(ctx).
		SetResult(&env).
		SetError(&env).
		ForceContentType("application/json").
		Execute(method, path)
	if err != nil {
		return env, dns.Unreachable(p.name, fmt.Errorf("%s: %w", op, err))
	}
	if resp.IsError() {
		if len(env.Errors) > 0 && resp.StatusCode() == http.StatusBadRequest {
			return env, &apiError{Op: op, Errors: env.Errors}
		}
		return env, dns.FromStatus(p.name, op, resp.StatusCode(), resp.String())
	}
	if !env.Success {
		return env, &apiError{Op: op, Errors: env.Errors}
	}
	return env, nil
}

type recordInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
}

func (r recordInfo) record() (dns.Record, bool) {
	out := dns.Record{Name: r.Name, Type: dns.RecordType(r.Type), Value: r.Content}
	// TTL 1 means "automatic".
	if r.TTL > 1 {
		out.TTL = r.TTL
	}
	switch out.Type {
	case dns.TypeA, dns.TypeAAAA:
	case dns.TypeCNAME:
		out.Value = dns.NormalizeName(r.Content)
	case dns.TypeTXT:
		out.Value = unquote(r.Content)
	default:
		return dns.Record{}, false
	}
	return out, out.Value != ""
}

// unquote strips the quotes Cloudflare may keep around TXT content.
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// list pages through the zone's records matching query.
func (p *Provider) list(ctx context.Context, query map[string]string) ([]recordInfo, error) {
	var out []recordInfo
	for page := 1; ; page++ {
		req := p.client.R().
			SetQueryParams(query).
			SetQueryParam("per_page", strconv.Itoa(pageSize)).
			SetQueryParam("page", strconv.Itoa(page))
		env, err := p.call(ctx, "list records", req, http.MethodGet, "/zones/{zone}/dns_records")
		if err != nil {
			return nil, err
		}
		var batch []recordInfo
		if err := json.Unmarshal(env.Result, &batch); err != nil {
			return nil, fmt.Errorf("cloudflare: decode records: %w", err)
		}
		out = append(out, batch...)
		if page >= env.ResultInfo.TotalPages {
			return out, nil
		}
	}
}

// FetchRecords lists the zone's A, AAAA, CNAME and TXT records.
func (p *Provider) FetchRecords(ctx context.Context) (dns.Set, error) {
	infos, err := p.list(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := dns.NewSet()
	for _, ri := range infos {
		if r, ok := ri.record(); ok {
			out.Insert(r)
		}
	}
	p.log.V(1).Info("fetched zone records", "zone", p.zoneID, "records", len(out))
	return out, nil
}

func (p *Provider) check(r dns.Record) error {
	if !capabilities.Has(r.Type) {
		return fmt.Errorf("cloudflare: %s: %w", r.Type, dns.ErrUnsupportedType)
	}
	return nil
}

func content(r dns.Record) string {
	if r.Type == dns.TypeCNAME {
		return dns.NormalizeName(r.Value)
	}
	return r.Value
}

// AddRecord creates an unproxied record. An identical existing record counts
// as created.
func (p *Provider) AddRecord(ctx context.Context, record dns.Record) error {
	if err := p.check(record); err != nil {
		return err
	}
	ttl := record.TTL
	if ttl <= 0 {
		ttl = 1
	}
	body := map[string]any{
		"type":    string(record.Type),
		"name":    dns.NormalizeName(record.Name),
		"content": content(record),
		"ttl":     ttl,
		"proxied": false,
	}
	p.log.Info("creating record", "name", record.Name, "type", record.Type, "value", record.Value)
	_, err := p.call(ctx, "add "+record.String(), p.client.R().SetBody(body), http.MethodPost, "/zones/{zone}/dns_records")
	var ae *apiError
	if errors.As(err, &ae) && ae.has(codeIdenticalRecord) {
		p.log.V(1).Info("record already present", "record", record.String())
		return nil
	}
	return err
}

// DeleteRecord looks the record up by type and name and deletes every entry
// with the same content. A record that is already gone is not an error.
func (p *Provider) DeleteRecord(ctx context.Context, record dns.Record) error {
	if err := p.check(record); err != nil {
		return err
	}
	// TXT content may be stored quoted, so content is compared here rather
	// than filtered by the API.
	candidates, err := p.list(ctx, map[string]string{
		"type": string(record.Type),
		"name": dns.NormalizeName(record.Name),
	})
	if err != nil {
		return err
	}
	want := dns.Record{Name: record.Name, Type: record.Type, Value: content(record)}.Key()
	var ids []string
	for _, ri := range candidates {
		if r, ok := ri.record(); ok && r.Key() == want {
			ids = append(ids, ri.ID)
		}
	}
	if len(ids) == 0 {
		p.log.V(1).Info("record already absent", "record", record.String())
		return nil
	}
	p.log.Info("deleting record", "name", record.Name, "type", record.Type, "value", record.Value)
	for _, id := range ids {
		req := p.client.R().SetPathParam("id", id)
		if _, err := p.call(ctx, "delete "+record.String(), req, http.MethodDelete, "/zones/{zone}/dns_records/{id}"); err != nil {
			return err
		}
	}
	return nil
}
