// Package rfc2136 implements dns.Provider for authoritative servers that
// accept zone transfers and dynamic updates, such as BIND or Knot.
package rfc2136

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	mdns "github.com/miekg/dns"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

const (
	defaultTTL = 300
	tsigFudge  = 300
)

var capabilities = dns.Capabilities(dns.TypeA, dns.TypeAAAA, dns.TypeCNAME, dns.TypeTXT)

var algorithms = sets.New(mdns.HmacSHA1, mdns.HmacSHA224, mdns.HmacSHA256, mdns.HmacSHA384, mdns.HmacSHA512)

func init() {
	dns.Register("rfc2136", capabilities, func(log logr.Logger, server config.Server, creds map[string]string) (dns.Provider, error) {
		return New(log, server, creds)
	})
}

// Provider reads a zone with AXFR and changes it with RFC 2136 updates.
type Provider struct {
	name string
	addr string
	zone string
	net  string
	ttl  uint32
	log  logr.Logger

	keyName   string
	algorithm string
	secret    string
}

// New creates an RFC 2136 provider. The server URL is host[:port], with an
// optional dns:// scheme.
// Required settings: zone.
// Optional settings: net (tcp or udp, default tcp), ttl (default 300),
// tsig_algorithm (default hmac-sha256).
// Optional credentials: tsig_key and tsig_secret, which must be set together.
func New(log logr.Logger, server config.Server, creds map[string]string) (*Provider, error) {
	addr, err := address(server.URL)
	if err != nil {
		return nil, fmt.Errorf("rfc2136: server %q: %w", server.Name, err)
	}
	zone := server.Settings["zone"]
	if zone == "" {
		return nil, fmt.Errorf("rfc2136: server %q: missing setting 'zone'", server.Name)
	}

	p := &Provider{
		name:      server.Name,
		addr:      addr,
		zone:      mdns.Fqdn(dns.NormalizeName(zone)),
		net:       "tcp",
		ttl:       defaultTTL,
		log:       log,
		algorithm: mdns.HmacSHA256,
	}
	if n := server.Settings["net"]; n != "" {
		if n != "tcp" && n != "udp" {
			return nil, fmt.Errorf("rfc2136: server %q: net must be tcp or udp, got %q", server.Name, n)
		}
		p.net = n
	}
	if v := server.Settings["ttl"]; v != "" {
		ttl, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("rfc2136: server %q: invalid ttl %q", server.Name, v)
		}
		p.ttl = uint32(ttl)
	}

	key, secret := creds["tsig_key"], creds["tsig_secret"]
	if (key == "") != (secret == "") {
		return nil, fmt.Errorf("rfc2136: server %q: tsig_key and tsig_secret must be set together", server.Name)
	}
	if key != "" {
		p.keyName, p.secret = mdns.Fqdn(strings.ToLower(key)), secret
		if a := server.Settings["tsig_algorithm"]; a != "" {
			p.algorithm = mdns.Fqdn(strings.ToLower(a))
		}
		if !algorithms.Has(p.algorithm) {
			return nil, fmt.Errorf("rfc2136: server %q: unsupported tsig algorithm %q", server.Name, p.algorithm)
		}
	}
	return p, nil
}

func address(raw string) (string, error) {
	host := strings.TrimRight(strings.TrimPrefix(raw, "dns://"), "/")
	if host == "" {
		return "", errors.New("missing url")
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), "53")
	}
	return host, nil
}

func (p *Provider) Capabilities() sets.Set[dns.RecordType] {
	return capabilities.Clone()
}

func (p *Provider) tsigSecret() map[string]string {
	if p.keyName == "" {
		return nil
	}
	return map[string]string{p.keyName: p.secret}
}

func (p *Provider) sign(m *mdns.Msg) {
	if p.keyName != "" {
		m.SetTsig(p.keyName, p.algorithm, tsigFudge, time.Now().Unix())
	}
}

// exchange sends m and classifies both transport errors and response codes.
func (p *Provider) exchange(ctx context.Context, m *mdns.Msg) (*mdns.Msg, error) {
	p.sign(m)
	c := &mdns.Client{Net: p.net, TsigSecret: p.tsigSecret()}
	in, _, err := c.ExchangeContext(ctx, m, p.addr)
	if err != nil {
		return nil, p.classify(err)
	}
	return in, p.rcodeError(in.Rcode)
}

func (p *Provider) classify(err error) error {
	if errors.Is(err, mdns.ErrSig) || errors.Is(err, mdns.ErrSecret) || errors.Is(err, mdns.ErrKeyAlg) {
		return &dns.AuthError{Server: p.name, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return dns.Unreachable(p.name, err)
	}
	return fmt.Errorf("%s: %w", p.name, err)
}

func (p *Provider) rcodeError(rcode int) error {
	if rcode == mdns.RcodeSuccess {
		return nil
	}
	err := fmt.Errorf("server answered %s", mdns.RcodeToString[rcode])
	switch rcode {
	case mdns.RcodeNotAuth, mdns.RcodeRefused, mdns.RcodeBadSig, mdns.RcodeBadKey, mdns.RcodeBadTime:
		return &dns.AuthError{Server: p.name, Err: err}
	case mdns.RcodeServerFailure:
		return dns.Unreachable(p.name, err)
	default:
		return fmt.Errorf("%s: %w", p.name, err)
	}
}

// FetchRecords checks the zone's SOA, which surfaces key and ACL problems
// with a clear response code, and then transfers the zone.
func (p *Provider) FetchRecords(ctx context.Context) (dns.Set, error) {
	soa := new(mdns.Msg)
	soa.SetQuestion(p.zone, mdns.TypeSOA)
	if _, err := p.exchange(ctx, soa); err != nil {
		return nil, fmt.Errorf("soa %s: %w", p.zone, err)
	}

	axfr := new(mdns.Msg)
	axfr.SetAxfr(p.zone)
	p.sign(axfr)
	t := &mdns.Transfer{TsigSecret: p.tsigSecret()}
	if deadline, ok := ctx.Deadline(); ok {
		d := time.Until(deadline)
		t.DialTimeout, t.ReadTimeout = d, d
	}
	envelopes, err := t.In(axfr, p.addr)
	if err != nil {
		return nil, p.classify(fmt.Errorf("axfr %s: %w", p.zone, err))
	}

	out := dns.NewSet()
	var xferErr error
	for env := range envelopes {
		if env.Error != nil {
			xferErr = env.Error
			continue
		}
		for _, rr := range env.RR {
			if r, ok := fromRR(rr); ok {
				out.Insert(r)
			}
		}
	}
	if xferErr != nil {
		return nil, p.classify(fmt.Errorf("axfr %s: %w", p.zone, xferErr))
	}
	p.log.V(1).Info("transferred zone", "zone", p.zone, "records", len(out))
	return out, nil
}

func fromRR(rr mdns.RR) (dns.Record, bool) {
	hdr := rr.Header()
	r := dns.Record{Name: dns.NormalizeName(hdr.Name), TTL: int(hdr.Ttl)}
	switch v := rr.(type) {
	case *mdns.A:
		r.Type, r.Value = dns.TypeA, v.A.String()
	case *mdns.AAAA:
		r.Type, r.Value = dns.TypeAAAA, v.AAAA.String()
	case *mdns.CNAME:
		r.Type, r.Value = dns.TypeCNAME, dns.NormalizeName(v.Target)
	case *mdns.TXT:
		r.Type, r.Value = dns.TypeTXT, strings.Join(v.Txt, "")
	default:
		return dns.Record{}, false
	}
	return r, true
}

// toRR builds the resource record for r inside the provider's zone.
func (p *Provider) toRR(r dns.Record) (mdns.RR, error) {
	name := mdns.Fqdn(dns.NormalizeName(r.Name))
	if !mdns.IsSubDomain(p.zone, name) {
		return nil, fmt.Errorf("rfc2136: %s is outside zone %s", name, p.zone)
	}
	ttl := p.ttl
	if r.TTL > 0 {
		ttl = uint32(r.TTL)
	}
	hdr := mdns.RR_Header{Name: name, Class: mdns.ClassINET, Ttl: ttl}
	switch r.Type {
	case dns.TypeA:
		ip := net.ParseIP(r.Value).To4()
		if ip == nil {
			return nil, fmt.Errorf("rfc2136: %q is not an IPv4 address", r.Value)
		}
		hdr.Rrtype = mdns.TypeA
		return &mdns.A{Hdr: hdr, A: ip}, nil
	case dns.TypeAAAA:
		ip := net.ParseIP(r.Value)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("rfc2136: %q is not an IPv6 address", r.Value)
		}
		hdr.Rrtype = mdns.TypeAAAA
		return &mdns.AAAA{Hdr: hdr, AAAA: ip}, nil
	case dns.TypeCNAME:
		hdr.Rrtype = mdns.TypeCNAME
		return &mdns.CNAME{Hdr: hdr, Target: mdns.Fqdn(dns.NormalizeName(r.Value))}, nil
	case dns.TypeTXT:
		hdr.Rrtype = mdns.TypeTXT
		return &mdns.TXT{Hdr: hdr, Txt: splitTXT(r.Value)}, nil
	default:
		return nil, fmt.Errorf("rfc2136: %s: %w", r.Type, dns.ErrUnsupportedType)
	}
}

// splitTXT cuts a value into the 255 byte character strings TXT requires.
func splitTXT(s string) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > 255 {
		out = append(out, s[:255])
		s = s[255:]
	}
	return append(out, s)
}

func (p *Provider) update(ctx context.Context, record dns.Record, remove bool) error {
	rr, err := p.toRR(record)
	if err != nil {
		return err
	}
	m := new(mdns.Msg)
	m.SetUpdate(p.zone)
	if remove {
		m.Remove([]mdns.RR{rr})
	} else {
		m.Insert([]mdns.RR{rr})
	}
	_, err = p.exchange(ctx, m)
	return err
}

// AddRecord inserts the record with a dynamic update.
func (p *Provider) AddRecord(ctx context.Context, record dns.Record) error {
	p.log.Info("creating record", "name", record.Name, "type", record.Type, "value", record.Value)
	return p.update(ctx, record, false)
}

// DeleteRecord removes exactly this record. Removing an absent record is a
// no-op on the server.
func (p *Provider) DeleteRecord(ctx context.Context, record dns.Record) error {
	p.log.Info("deleting record", "name", record.Name, "type", record.Type, "value", record.Value)
	return p.update(ctx, record, true)
}
