package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/notify"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/reconcile"
)

var (
	// ErrUnknownServer is returned for a spoke name that is not configured.
	ErrUnknownServer = errors.New("unknown server")
	// ErrDisabled is returned when a manual sync targets a disabled spoke.
	ErrDisabled = errors.New("server is disabled")
)

const notifyTimeout = 10 * time.Second

// Target binds a configured server to its adapter. Err is set instead of
// Provider when the adapter could not be built, for example because a
// credential failed to decrypt; such a spoke ends every pass in ERROR.
type Target struct {
	Server   config.Server
	Provider dns.Provider
	Err      error
}

// Recorder appends audit entries.
type Recorder interface {
	Append(e ledger.Entry) (ledger.Entry, error)
}

// StateStore persists managed records and hub metadata between passes.
type StateStore interface {
	Managed(spoke string) sets.Set[dns.Key]
	RecordHub(name string, at time.Time, records dns.Set) error
	RecordSpoke(name, outcome string, at time.Time, managed sets.Set[dns.Key]) error
}

// HubSnapshot is an immutable copy of the hub's records. Spokes in a pass
// all reconcile against the same snapshot.
type HubSnapshot struct {
	Records   dns.Set
	FetchedAt time.Time
}

// SpokeResult is the outcome of one spoke in a pass.
type SpokeResult struct {
	Server  string
	Outcome ledger.Outcome
	Detail  string
	Plan    reconcile.Plan
	Apply   reconcile.ApplyResult
	Entry   ledger.Entry
}

// PassResult summarizes a sync pass.
type PassResult struct {
	ID       string
	Started  time.Time
	Finished time.Time
	// HubErr is set when the hub refresh failed and no spoke was contacted.
	HubErr error
	Spokes []SpokeResult
}

// Preview is a dry-run plan for one spoke.
type Preview struct {
	Server       string
	HubFetchedAt time.Time
	Plan         reconcile.Plan
}

// SyncController runs hub-to-spoke sync passes.
type SyncController struct {
	Log      logr.Logger
	Hub      Target
	Spokes   []Target
	Ledger   Recorder
	State    StateStore
	Notifier notify.Notifier
	Metrics  *Metrics
	Policy   reconcile.Policy
	Scope    config.DeletionScope
	// Workers bounds how many spokes reconcile at once.
	Workers  int
	Interval time.Duration

	now func() time.Time

	initOnce   sync.Once
	refreshMu  sync.Mutex
	snapMu     sync.RWMutex
	snapshot   *HubSnapshot
	hubErr     error
	statusMu   sync.RWMutex
	statuses   map[string]*SpokeStatus
	spokeLocks map[string]*sync.Mutex
}

func (c *SyncController) init() {
	c.initOnce.Do(func() {
		if c.now == nil {
			c.now = time.Now
		}
		if c.Notifier == nil {
			c.Notifier = notify.Nop{}
		}
		if c.Workers <= 0 {
			c.Workers = config.DefaultWorkers
		}
		if c.Interval <= 0 {
			c.Interval = config.DefaultInterval
		}
		if c.Scope == "" {
			c.Scope = config.ScopeAll
		}
		c.statuses = make(map[string]*SpokeStatus, len(c.Spokes))
		c.spokeLocks = make(map[string]*sync.Mutex, len(c.Spokes))
		for _, t := range c.Spokes {
			st := &SpokeStatus{Name: t.Server.Name, Type: t.Server.Type, State: StateNeverSynced}
			if !t.Server.IsEnabled() {
				st.State = StateDisabled
			}
			c.statuses[t.Server.Name] = st
			c.spokeLocks[t.Server.Name] = &sync.Mutex{}
		}
	})
}

// Start runs a pass immediately and then every Interval until ctx is done.
func (c *SyncController) Start(ctx context.Context) error {
	c.init()
	c.Log.Info("starting sync loop", "hub", c.Hub.Server.Name, "spokes", len(c.Spokes), "interval", c.Interval.String())
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if _, err := c.RunPass(ctx); err != nil {
			c.Log.Error(err, "sync pass failed")
		}
	}, c.Interval)
	c.Log.Info("sync loop stopped")
	return nil
}

// RunPass refreshes the hub and reconciles every enabled spoke. The
// returned error is the hub failure, if any; spoke failures are reported
// per spoke in the result and never abort the pass.
func (c *SyncController) RunPass(ctx context.Context) (PassResult, error) {
	c.init()
	pass := PassResult{ID: uuid.NewString(), Started: c.now()}
	log := c.Log.WithValues("pass", pass.ID)
	log.Info("sync pass started")

	spokes := c.enabledSpokes()
	snap, err := c.refreshHub(ctx, log)
	if err != nil {
		pass.HubErr = err
		pass.Spokes = c.failAll(ctx, log, pass.ID, spokes, err, ledger.TypeSync)
		pass.Finished = c.now()
		return pass, err
	}

	pass.Spokes = c.syncAll(ctx, log, pass.ID, snap, spokes, ledger.TypeSync)
	pass.Finished = c.now()
	c.Metrics.observePass()
	log.Info("sync pass finished", "spokes", len(spokes), "took", pass.Finished.Sub(pass.Started).String())
	return pass, nil
}

// SyncSpoke runs a manual pass for a single spoke.
func (c *SyncController) SyncSpoke(ctx context.Context, name string) (SpokeResult, error) {
	c.init()
	target, err := c.spoke(name)
	if err != nil {
		return SpokeResult{}, err
	}
	passID := uuid.NewString()
	log := c.Log.WithValues("pass", passID, "trigger", "manual")

	snap, err := c.refreshHub(ctx, log)
	if err != nil {
		return c.failAll(ctx, log, passID, []Target{target}, err, ledger.TypeManual)[0], nil
	}
	return c.syncAll(ctx, log, passID, snap, []Target{target}, ledger.TypeManual)[0], nil
}

// Preview computes the plan for one spoke without applying it. It touches
// neither the ledger nor the persisted state.
func (c *SyncController) Preview(ctx context.Context, name string) (Preview, error) {
	c.init()
	target, err := c.spoke(name)
	if err != nil {
		return Preview{}, err
	}
	if target.Err != nil {
		return Preview{}, fmt.Errorf("%s: %w", name, target.Err)
	}

	hub, err := c.fetch(ctx, c.Hub)
	if err != nil {
		return Preview{}, fmt.Errorf("hub unavailable: %w", err)
	}
	fetchedAt := c.now()
	spokeRecords, err := c.fetch(ctx, target)
	if err != nil {
		return Preview{}, fmt.Errorf("fetching %s: %w", name, err)
	}
	plan := reconcile.Reconcile(hub, spokeRecords, target.Provider.Capabilities(), c.options(name))
	return Preview{Server: name, HubFetchedAt: fetchedAt, Plan: plan}, nil
}

// Snapshot returns the last published hub snapshot.
func (c *SyncController) Snapshot() (*HubSnapshot, error) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot, c.hubErr
}

func (c *SyncController) spoke(name string) (Target, error) {
	for _, t := range c.Spokes {
		if t.Server.Name == name {
			if !t.Server.IsEnabled() {
				return Target{}, fmt.Errorf("%s: %w", name, ErrDisabled)
			}
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%q: %w", name, ErrUnknownServer)
}

func (c *SyncController) enabledSpokes() []Target {
	var out []Target
	for _, t := range c.Spokes {
		if t.Server.IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}

func (c *SyncController) fetch(ctx context.Context, t Target) (dns.Set, error) {
	if t.Err != nil {
		return nil, t.Err
	}
	var records dns.Set
	_, err := reconcile.Do(ctx, c.Policy, func(ctx context.Context) error {
		var err error
		records, err = t.Provider.FetchRecords(ctx)
		return err
	})
	return records, err
}

// refreshHub fetches the hub under the refresh mutex and publishes a new
// snapshot on success. On failure the previous snapshot stays readable but
// the error is returned so the pass contacts no spoke.
func (c *SyncController) refreshHub(ctx context.Context, log logr.Logger) (*HubSnapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	records, err := c.fetch(ctx, c.Hub)
	c.Metrics.observeHub(records, err)
	if err != nil {
		c.snapMu.Lock()
		c.hubErr = err
		c.snapMu.Unlock()
		log.Error(err, "hub refresh failed", "hub", c.Hub.Server.Name)
		return nil, err
	}

	snap := &HubSnapshot{Records: records.Clone(), FetchedAt: c.now()}
	c.snapMu.Lock()
	c.snapshot = snap
	c.hubErr = nil
	c.snapMu.Unlock()

	if c.State != nil {
		if err := c.State.RecordHub(c.Hub.Server.Name, snap.FetchedAt, snap.Records); err != nil {
			log.Error(err, "persisting hub metadata")
		}
	}
	log.Info("hub refreshed", "hub", c.Hub.Server.Name, "records", len(snap.Records))
	return snap, nil
}

func (c *SyncController) syncAll(ctx context.Context, log logr.Logger, passID string, snap *HubSnapshot, spokes []Target, entryType string) []SpokeResult {
	results := make([]SpokeResult, len(spokes))
	// Every spoke must reach a terminal outcome, so the pool itself is not
	// cancelled; syncSpoke checks ctx instead.
	workqueue.ParallelizeUntil(context.WithoutCancel(ctx), c.Workers, len(spokes), func(i int) {
		results[i] = c.syncSpokeSafe(ctx, log, passID, snap, spokes[i], entryType)
	})
	return results
}

func (c *SyncController) syncSpokeSafe(ctx context.Context, log logr.Logger, passID string, snap *HubSnapshot, t Target, entryType string) (res SpokeResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			log.Error(err, "spoke sync crashed", "spoke", t.Server.Name)
			res = c.finish(ctx, log, t, report{passID: passID, entryType: entryType, outcome: ledger.OutcomeError, detail: err.Error(), started: c.now()})
		}
	}()
	return c.syncSpoke(ctx, log, passID, snap, t, entryType)
}

func (c *SyncController) syncSpoke(ctx context.Context, log logr.Logger, passID string, snap *HubSnapshot, t Target, entryType string) SpokeResult {
	name := t.Server.Name
	log = log.WithValues("spoke", name)

	lock := c.spokeLocks[name]
	lock.Lock()
	defer lock.Unlock()

	started := c.now()
	c.setState(name, StateSyncing, "")

	fail := func(detail string) SpokeResult {
		return c.finish(ctx, log, t, report{passID: passID, entryType: entryType, outcome: ledger.OutcomeError, detail: detail, started: started})
	}
	if t.Err != nil {
		return fail(fmt.Sprintf("adapter unavailable: %v", t.Err))
	}
	if ctx.Err() != nil {
		return fail("cancelled")
	}

	spokeRecords, err := c.fetch(ctx, t)
	if err != nil {
		return fail(fmt.Sprintf("fetching records: %v", err))
	}

	caps := t.Provider.Capabilities()
	managed := c.managed(name)
	plan := reconcile.Reconcile(snap.Records, spokeRecords, caps, reconcile.Options{Scope: c.Scope, Managed: managed})
	log.V(1).Info("plan computed", "add", len(plan.ToAdd), "remove", len(plan.ToRemove),
		"skipped", len(plan.Skipped), "retained", len(plan.Retained), "unchanged", plan.Unchanged)

	res := reconcile.Apply(ctx, log, plan, t.Provider, c.Policy)
	return c.finish(ctx, log, t, report{
		passID:    passID,
		entryType: entryType,
		plan:      plan,
		apply:     res,
		outcome:   res.Outcome(),
		detail:    describe(res),
		managed:   nextManaged(managed, snap.Records, spokeRecords, caps, res),
		started:   started,
	})
}

// nextManaged is managed ∪ added ∪ (eligible hub records already on the
// spoke) − removed.
func nextManaged(managed sets.Set[dns.Key], hub, spoke dns.Set, caps sets.Set[dns.RecordType], res reconcile.ApplyResult) sets.Set[dns.Key] {
	next := managed.Clone()
	if next == nil {
		next = sets.New[dns.Key]()
	}
	for k := range hub {
		if _, ok := spoke[k]; ok && caps.Has(k.Type) {
			next.Insert(k)
		}
	}
	for _, r := range res.Added {
		next.Insert(r.Key())
	}
	for _, r := range res.Removed {
		next.Delete(r.Key())
	}
	return next
}

func describe(res reconcile.ApplyResult) string {
	switch {
	case res.Aborted != nil:
		return res.Aborted.Error()
	case res.Cancelled:
		return fmt.Sprintf("cancelled with %d changes outstanding", len(res.Failed))
	case len(res.Failed) > 0:
		return fmt.Sprintf("%d of %d changes failed", len(res.Failed), len(res.Failed)+res.Applied())
	default:
		return ""
	}
}

func (c *SyncController) managed(name string) sets.Set[dns.Key] {
	if c.State == nil {
		return sets.New[dns.Key]()
	}
	return c.State.Managed(name)
}

func (c *SyncController) options(name string) reconcile.Options {
	return reconcile.Options{Scope: c.Scope, Managed: c.managed(name)}
}

// failAll records ERROR for every spoke without contacting any of them. A
// spoke that is mid-sync is recorded once that sync has finished.
func (c *SyncController) failAll(ctx context.Context, log logr.Logger, passID string, spokes []Target, hubErr error, entryType string) []SpokeResult {
	detail := fmt.Sprintf("hub unavailable: %v", hubErr)
	now := c.now()
	results := make([]SpokeResult, 0, len(spokes))
	for _, t := range spokes {
		results = append(results, c.failSpoke(ctx, log, t, report{
			passID:    passID,
			entryType: entryType,
			outcome:   ledger.OutcomeError,
			detail:    detail,
			started:   now,
			quiet:     true,
		}))
	}
	c.notify(ctx, log, notify.Event{
		Kind:   notify.KindHubUnreachable,
		Server: c.Hub.Server.Name,
		Detail: hubErr.Error(),
		Time:   now,
	})
	return results
}

func (c *SyncController) failSpoke(ctx context.Context, log logr.Logger, t Target, r report) SpokeResult {
	lock := c.spokeLocks[t.Server.Name]
	lock.Lock()
	defer lock.Unlock()
	c.setState(t.Server.Name, StateSyncing, "")
	return c.finish(ctx, log, t, r)
}

// report carries everything finish needs to record a terminal outcome.
type report struct {
	passID    string
	entryType string
	plan      reconcile.Plan
	apply     reconcile.ApplyResult
	outcome   ledger.Outcome
	detail    string
	// managed replaces the persisted managed set when non-nil.
	managed sets.Set[dns.Key]
	started time.Time
	// quiet suppresses the per-spoke notification.
	quiet bool
}

// finish moves the spoke to its terminal state and records it in the
// status table, the ledger, the state file and the metrics.
func (c *SyncController) finish(ctx context.Context, log logr.Logger, t Target, r report) SpokeResult {
	name := t.Server.Name
	at := c.now()

	entry := ledger.Entry{
		PassID:   r.passID,
		Server:   name,
		Type:     r.entryType,
		Outcome:  r.outcome,
		Added:    len(r.apply.Added),
		Removed:  len(r.apply.Removed),
		Failed:   len(r.apply.Failed),
		Skipped:  len(r.plan.Skipped),
		Retained: len(r.plan.Retained),
		Detail:   r.detail,
	}
	for _, f := range r.apply.Failed {
		entry.Failures = append(entry.Failures, ledger.Failure{Record: f.Record.String(), Op: string(f.Action), Reason: f.Reason})
	}
	if c.Ledger != nil {
		written, err := c.Ledger.Append(entry)
		if err != nil {
			log.Error(err, "appending ledger entry", "spoke", name)
		}
		entry = written
	}

	c.setResult(name, r.outcome, r.detail, entry, at)
	if c.State != nil {
		if err := c.State.RecordSpoke(name, string(r.outcome), at, r.managed); err != nil {
			log.Error(err, "persisting spoke state", "spoke", name)
		}
	}
	c.Metrics.observeSpoke(name, r.outcome, entry.Added, entry.Removed, at.Sub(r.started), at)

	if r.outcome == ledger.OutcomeSynced {
		log.Info("spoke synced", "spoke", name, "added", entry.Added, "removed", entry.Removed, "skipped", entry.Skipped)
	} else {
		log.Info("spoke sync did not complete", "spoke", name, "outcome", r.outcome, "detail", r.detail)
		if !r.quiet {
			c.notify(ctx, log, notify.Event{
				Kind:    notify.KindSpokeFailed,
				Server:  name,
				Outcome: string(r.outcome),
				Detail:  r.detail,
				Added:   entry.Added,
				Removed: entry.Removed,
				Failed:  entry.Failed,
				Time:    at,
			})
		}
	}
	return SpokeResult{Server: name, Outcome: r.outcome, Detail: r.detail, Plan: r.plan, Apply: r.apply, Entry: entry}
}

func (c *SyncController) notify(ctx context.Context, log logr.Logger, e notify.Event) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := c.Notifier.Notify(nctx, e); err != nil {
		log.Error(err, "sending notification", "kind", e.Kind, "server", e.Server)
	}
}
