// Package reconcile computes and applies the changes that make a spoke's
// record set match the hub's, within the record types the spoke supports.
package reconcile

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

// Options tune plan computation.
type Options struct {
	// Scope limits which spoke records may be removed. Empty means
	// config.ScopeAll.
	Scope config.DeletionScope
	// Managed holds the records previously pushed to or verified on the
	// spoke. Only consulted with config.ScopeManaged.
	Managed sets.Set[dns.Key]
}

// Plan is the set of changes for one spoke. All lists are sorted and free
// of duplicates.
type Plan struct {
	ToAdd    []dns.Record
	ToRemove []dns.Record
	// Skipped holds hub records whose type the spoke cannot store.
	Skipped []dns.Record
	// Retained holds spoke records absent from the hub that are kept
	// because they are outside the deletion scope.
	Retained []dns.Record
	// Unchanged counts records present on both sides.
	Unchanged int
}

// Empty reports whether the plan requires no adapter calls.
func (p Plan) Empty() bool {
	return len(p.ToAdd) == 0 && len(p.ToRemove) == 0
}

// Reconcile diffs hub against spoke. Records are compared by identity
// (normalized name, type, value); duplicates in either input collapse.
// Hub records of a type missing from caps are skipped, which is policy and
// not an error. Reconcile has no side effects.
func Reconcile(hub, spoke dns.Set, caps sets.Set[dns.RecordType], opts Options) Plan {
	eligible := sets.New[dns.Key]()
	var skipped []dns.Record
	for k, r := range hub {
		if caps.Has(k.Type) {
			eligible.Insert(k)
		} else {
			skipped = append(skipped, r)
		}
	}
	dns.SortRecords(skipped)

	spokeKeys := spoke.Keys()
	stale := spokeKeys.Difference(eligible)

	removable := stale
	var retained []dns.Record
	if opts.Scope == config.ScopeManaged {
		removable = stale.Intersection(opts.Managed)
		retained = spoke.Select(stale.Difference(removable))
	}

	return Plan{
		ToAdd:     hub.Select(eligible.Difference(spokeKeys)),
		ToRemove:  spoke.Select(removable),
		Skipped:   skipped,
		Retained:  retained,
		Unchanged: eligible.Intersection(spokeKeys).Len(),
	}
}

// Project returns the spoke set that results from applying every change in
// plan to spoke.
func Project(spoke dns.Set, plan Plan) dns.Set {
	out := spoke.Clone()
	out.Insert(plan.ToAdd...)
	out.Delete(plan.ToRemove...)
	return out
}
