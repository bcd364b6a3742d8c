package opnsense

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

const managedDescription = "managed by yk-dns-sync"

var capabilities = dns.Capabilities(dns.TypeA, dns.TypeAAAA)

func init() {
	dns.Register("opnsense", capabilities, func(log logr.Logger, server config.Server, creds map[string]string) (dns.Provider, error) {
		return New(log, server, creds)
	})
}

// Provider implements dns.Provider for OPNsense Unbound host overrides.
type Provider struct {
	name      string
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	log       logr.Logger
}

// New creates an OPNsense provider.
// Required credentials: api_key, api_secret.
// Optional settings: skip_tls_verify (default false).
func New(log logr.Logger, server config.Server, creds map[string]string) (*Provider, error) {
	if server.URL == "" {
		return nil, fmt.Errorf("opnsense: server %q: missing url", server.Name)
	}
	apiKey := creds["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("opnsense: server %q: missing credential 'api_key'", server.Name)
	}
	apiSecret := creds["api_secret"]
	if apiSecret == "" {
		return nil, fmt.Errorf("opnsense: server %q: missing credential 'api_secret'", server.Name)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if server.Settings["skip_tls_verify"] == "true" {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	base := strings.TrimRight(server.URL, "/")
	if !strings.HasSuffix(base, "/api") {
		base += "/api"
	}

	return &Provider{
		name:      server.Name,
		baseURL:   base,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Transport: transport},
		log:       log,
	}, nil
}

func (p *Provider) Capabilities() sets.Set[dns.RecordType] {
	return capabilities.Clone()
}

// call executes a request against the OPNsense API and decodes a JSON
// response into out. Non-2xx statuses are classified with dns.FromStatus.
func (p *Provider) call(ctx context.Context, method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("opnsense: marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	url := p.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("opnsense: build request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, p.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return dns.Unreachable(p.name, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return dns.FromStatus(p.name, path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("opnsense: decode %s response: %w", path, err)
	}
	return nil
}

// reconfigure tells OPNsense to apply DNS changes.
func (p *Provider) reconfigure(ctx context.Context) error {
	var result struct {
		Status string `json:"status"`
	}
	if err := p.call(ctx, http.MethodPost, "unbound/service/reconfigure", struct{}{}, &result); err != nil {
		return fmt.Errorf("opnsense: reconfigure: %w", err)
	}
	p.log.V(1).Info("reconfigure completed", "status", result.Status)
	return nil
}

// searchResponse is the shape returned by searchHostOverride.
type searchResponse struct {
	Rows []hostRow `json:"rows"`
}

// hostRow represents a single host override row from the search response.
type hostRow struct {
	UUID     string `json:"uuid"`
	Enabled  string `json:"enabled"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
	RR       string `json:"rr"`
	Server   string `json:"server"`
}

func (r hostRow) record() dns.Record {
	return dns.Record{
		Name:  dns.JoinHostname(r.Hostname, r.Domain),
		Type:  dns.RecordType(strings.ToUpper(r.RR)),
		Value: r.Server,
	}
}

func (p *Provider) search(ctx context.Context) ([]hostRow, error) {
	var sr searchResponse
	if err := p.call(ctx, http.MethodGet, "unbound/settings/searchHostOverride", nil, &sr); err != nil {
		return nil, err
	}
	return sr.Rows, nil
}

// FetchRecords returns the enabled A and AAAA host overrides. Other row
// types (MX) are not managed and are left out.
func (p *Provider) FetchRecords(ctx context.Context) (dns.Set, error) {
	rows, err := p.search(ctx)
	if err != nil {
		return nil, err
	}
	out := dns.NewSet()
	for _, row := range rows {
		if row.Enabled == "0" {
			continue
		}
		r := row.record()
		if !capabilities.Has(r.Type) {
			continue
		}
		out.Insert(r)
	}
	p.log.V(1).Info("fetched host overrides", "rows", len(rows), "records", len(out))
	return out, nil
}

// buildHostBody creates the JSON body for addHostOverride.
func buildHostBody(record dns.Record) map[string]interface{} {
	host, domain := dns.SplitHostname(dns.NormalizeName(record.Name))
	return map[string]interface{}{
		"host": map[string]string{
			"enabled":     "1",
			"hostname":    host,
			"domain":      domain,
			"rr":          string(record.Type),
			"server":      record.Value,
			"description": managedDescription,
			"mxprio":      "",
			"mx":          "",
		},
	}
}

// AddRecord creates a host override and applies it.
func (p *Provider) AddRecord(ctx context.Context, record dns.Record) error {
	if !capabilities.Has(record.Type) {
		return fmt.Errorf("opnsense: %s: %w", record.Type, dns.ErrUnsupportedType)
	}
	p.log.Info("creating record", "name", record.Name, "type", record.Type, "value", record.Value)

	var result struct {
		Result string `json:"result"`
		UUID   string `json:"uuid"`
	}
	if err := p.call(ctx, http.MethodPost, "unbound/settings/addHostOverride", buildHostBody(record), &result); err != nil {
		return err
	}
	if result.Result != "saved" {
		return fmt.Errorf("opnsense: addHostOverride unexpected result: %s", result.Result)
	}

	p.log.V(1).Info("record created", "uuid", result.UUID)
	return p.reconfigure(ctx)
}

// DeleteRecord removes the host override matching name, type and value.
// A record that is already gone is not an error.
func (p *Provider) DeleteRecord(ctx context.Context, record dns.Record) error {
	p.log.Info("deleting record", "name", record.Name, "type", record.Type, "value", record.Value)

	rows, err := p.search(ctx)
	if err != nil {
		return err
	}
	want := record.Key()
	uuid := ""
	for _, row := range rows {
		if row.record().Key() == want {
			uuid = row.UUID
			break
		}
	}
	if uuid == "" {
		p.log.V(1).Info("record already absent", "record", record.String())
		return nil
	}

	var result struct {
		Result string `json:"result"`
	}
	if err := p.call(ctx, http.MethodPost, "unbound/settings/delHostOverride/"+uuid, struct{}{}, &result); err != nil {
		return err
	}
	if result.Result != "deleted" {
		return fmt.Errorf("opnsense: delHostOverride unexpected result: %s", result.Result)
	}

	p.log.V(1).Info("record deleted", "uuid", uuid)
	return p.reconfigure(ctx)
}
