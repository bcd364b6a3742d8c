// Package dnstest provides an in-memory dns.Provider for tests.
package dnstest

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

// Call is one recorded provider invocation.
type Call struct {
	Method string // "fetch", "add" or "delete"
	Record dns.Record
}

// FailFunc decides whether a call should fail. It receives the method, the
// record (zero for fetch) and the 1-based attempt count for that
// method+record pair.
type FailFunc func(method string, r dns.Record, attempt int) error

// Provider stores records in memory and records every call.
type Provider struct {
	Name string

	mu       sync.Mutex
	records  dns.Set
	caps     sets.Set[dns.RecordType]
	calls    []Call
	attempts map[string]int
	fail     FailFunc
	// OnCall runs before each call is served, outside the lock.
	OnCall func(Call)
}

// New returns a provider named name with the given capabilities and
// initial records.
func New(name string, caps sets.Set[dns.RecordType], records ...dns.Record) *Provider {
	return &Provider{
		Name:     name,
		records:  dns.NewSet(records...),
		caps:     caps,
		attempts: make(map[string]int),
	}
}

// FailWith installs fn as the failure injector.
func (p *Provider) FailWith(fn FailFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fn
}

// Records returns a copy of the current record set.
func (p *Provider) Records() dns.Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records.Clone()
}

// Calls returns the recorded calls in order.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount returns how many calls used method.
func (p *Provider) CallCount(method string) int {
	n := 0
	for _, c := range p.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (p *Provider) begin(method string, r dns.Record) error {
	c := Call{Method: method, Record: r}
	if p.OnCall != nil {
		p.OnCall(c)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	key := method + " " + r.Key().String()
	p.attempts[key]++
	if p.fail != nil {
		return p.fail(method, r, p.attempts[key])
	}
	return nil
}

func (p *Provider) FetchRecords(ctx context.Context) (dns.Set, error) {
	if err := p.begin("fetch", dns.Record{}); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.Records(), nil
}

func (p *Provider) AddRecord(ctx context.Context, r dns.Record) error {
	if err := p.begin("add", r); err != nil {
		return err
	}
	if !p.caps.Has(r.Type) {
		return fmt.Errorf("%s: %s: %w", p.Name, r.Type, dns.ErrUnsupportedType)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records.Insert(r)
	return nil
}

func (p *Provider) DeleteRecord(ctx context.Context, r dns.Record) error {
	if err := p.begin("delete", r); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records.Delete(r)
	return nil
}

func (p *Provider) Capabilities() sets.Set[dns.RecordType] {
	return p.caps.Clone()
}

// Transient returns a FailFunc that fails the first n attempts of method on
// record r with a ConnectivityError.
func Transient(server, method string, r dns.Record, n int) FailFunc {
	return func(m string, got dns.Record, attempt int) error {
		if m == method && got.Key() == r.Key() && attempt <= n {
			return &dns.ConnectivityError{Server: server, Err: fmt.Errorf("injected timeout %d", attempt)}
		}
		return nil
	}
}
