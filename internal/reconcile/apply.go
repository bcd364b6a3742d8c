package reconcile

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
)

// OpResult classifies the final result of one adapter call after retries.
type OpResult int

const (
	// OpOK means the call succeeded.
	OpOK OpResult = iota
	// OpTransient means the call kept failing with connectivity errors
	// until the retry budget ran out.
	OpTransient
	// OpRejected means the backend refused this record. Other records are
	// still attempted.
	OpRejected
	// OpPermanent means the backend rejected the credentials. No further
	// calls are made against it in this pass.
	OpPermanent
)

func (r OpResult) String() string {
	switch r {
	case OpOK:
		return "ok"
	case OpTransient:
		return "transient"
	case OpRejected:
		return "rejected"
	case OpPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Action is the kind of change applied to a record.
type Action string

const (
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
)

// Policy controls timeouts and retries for adapter calls.
type Policy struct {
	// Timeout bounds every single call. Exceeding it counts as a transient
	// failure.
	Timeout time.Duration
	// Backoff.Steps is the total number of attempts per call. Backoff.Cap
	// only clamps the sleep between attempts; unlike wait.Backoff.Step it
	// never ends the retries early.
	Backoff wait.Backoff
}

// DefaultPolicy is 3 attempts with exponential backoff from 500ms and a 10s
// per-call timeout.
func DefaultPolicy() Policy {
	return Policy{
		Timeout: config.DefaultTimeout,
		Backoff: wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    config.DefaultRetries,
			Cap:      10 * time.Second,
		},
	}
}

// PolicyFor builds a policy from the sync settings.
func PolicyFor(s config.SyncSettings) Policy {
	p := DefaultPolicy()
	if s.Timeout > 0 {
		p.Timeout = time.Duration(s.Timeout)
	}
	if s.Retries > 0 {
		p.Backoff.Steps = s.Retries
	}
	return p
}

func (p Policy) normalized() Policy {
	if p.Timeout <= 0 {
		p.Timeout = config.DefaultTimeout
	}
	if p.Backoff.Steps < 1 {
		p.Backoff.Steps = 1
	}
	return p
}

// Do runs fn with the policy's retry and timeout discipline. Each attempt
// gets its own deadline on a context that is detached from ctx's
// cancellation, so a call already sent to a remote API is never cut short;
// ctx is consulted between attempts.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) (OpResult, error) {
	p = p.normalized()
	delay := p.Backoff.Duration
	var err error
	for attempt := 1; ; attempt++ {
		err = attemptOnce(ctx, p.Timeout, fn)
		if err == nil || attempt >= p.Backoff.Steps || !dns.IsTransient(err) || ctx.Err() != nil {
			break
		}
		sleep := delay
		if p.Backoff.Jitter > 0 {
			sleep = wait.Jitter(sleep, p.Backoff.Jitter)
		}
		if p.Backoff.Cap > 0 {
			sleep = min(sleep, p.Backoff.Cap)
		}
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return Classify(err), err
		case <-t.C:
		}
		if p.Backoff.Factor > 1 && (p.Backoff.Cap <= 0 || delay < p.Backoff.Cap) {
			delay = time.Duration(float64(delay) * p.Backoff.Factor)
		}
	}
	return Classify(err), err
}

func attemptOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(callCtx)
}

// Classify maps an adapter error to its OpResult.
func Classify(err error) OpResult {
	switch {
	case err == nil:
		return OpOK
	case dns.IsAuth(err):
		return OpPermanent
	case dns.IsTransient(err):
		return OpTransient
	default:
		return OpRejected
	}
}

// Failure is one change that could not be applied.
type Failure struct {
	Record dns.Record
	Action Action
	Result OpResult
	Reason string
}

// ApplyResult aggregates the outcome of applying a plan.
type ApplyResult struct {
	Added   []dns.Record
	Removed []dns.Record
	Failed  []Failure
	// Aborted is the authentication error that stopped the apply, if any.
	Aborted error
	// Cancelled is set when ctx was cancelled before every change ran.
	Cancelled bool
}

// Applied is the number of changes that succeeded.
func (r ApplyResult) Applied() int {
	return len(r.Added) + len(r.Removed)
}

// Outcome summarizes the result: ERROR when aborted or when nothing
// succeeded but something failed, PARTIAL when some changes failed,
// SYNCED otherwise.
func (r ApplyResult) Outcome() ledger.Outcome {
	succeeded := r.Applied()
	switch {
	case r.Aborted != nil:
		return ledger.OutcomeError
	case len(r.Failed) == 0:
		return ledger.OutcomeSynced
	case succeeded == 0:
		return ledger.OutcomeError
	default:
		return ledger.OutcomePartial
	}
}

type change struct {
	action Action
	record dns.Record
}

// Apply executes plan against provider: every addition first, then every
// removal, so a renamed or retyped record is never briefly absent from
// both sides. Calls are sequential. An authentication failure stops the
// remaining changes; other failures only affect their own record.
// Cancellation of ctx is honoured between changes.
func Apply(ctx context.Context, log logr.Logger, plan Plan, provider dns.Provider, policy Policy) ApplyResult {
	changes := make([]change, 0, len(plan.ToAdd)+len(plan.ToRemove))
	for _, r := range plan.ToAdd {
		changes = append(changes, change{action: ActionAdd, record: r})
	}
	for _, r := range plan.ToRemove {
		changes = append(changes, change{action: ActionDelete, record: r})
	}

	var res ApplyResult
	for i, c := range changes {
		if ctx.Err() != nil {
			res.Cancelled = true
			res.Failed = append(res.Failed, notAttempted(changes[i:], "cancelled")...)
			log.Info("apply cancelled", "remaining", len(changes)-i)
			break
		}

		result, err := Do(ctx, policy, func(ctx context.Context) error {
			if c.action == ActionAdd {
				return provider.AddRecord(ctx, c.record)
			}
			return provider.DeleteRecord(ctx, c.record)
		})

		switch result {
		case OpOK:
			log.V(1).Info("record applied", "action", c.action, "record", c.record.String())
			if c.action == ActionAdd {
				res.Added = append(res.Added, c.record)
			} else {
				res.Removed = append(res.Removed, c.record)
			}
			continue
		case OpPermanent:
			res.Aborted = err
			res.Failed = append(res.Failed, Failure{Record: c.record, Action: c.action, Result: result, Reason: err.Error()})
			res.Failed = append(res.Failed, notAttempted(changes[i+1:], "not attempted: authentication failed")...)
			log.Error(err, "authentication rejected, aborting remaining changes", "remaining", len(changes)-i-1)
			return res
		default:
			res.Failed = append(res.Failed, Failure{Record: c.record, Action: c.action, Result: result, Reason: err.Error()})
			log.Error(err, "record change failed", "action", c.action, "record", c.record.String(), "result", result.String())
		}
	}
	return res
}

func notAttempted(changes []change, reason string) []Failure {
	out := make([]Failure, 0, len(changes))
	for _, c := range changes {
		out = append(out, Failure{Record: c.record, Action: c.action, Result: OpTransient, Reason: reason})
	}
	return out
}
