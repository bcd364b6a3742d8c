package controller

import (
	"time"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
)

// SpokeState is the lifecycle state of a spoke.
type SpokeState string

const (
	StateNeverSynced SpokeState = "NEVER_SYNCED"
	StateSyncing     SpokeState = "SYNCING"
	StateSynced      SpokeState = "SYNCED"
	StatePartial     SpokeState = "PARTIAL"
	StateError       SpokeState = "ERROR"
	StateDisabled    SpokeState = "DISABLED"
)

func stateFor(o ledger.Outcome) SpokeState {
	switch o {
	case ledger.OutcomeSynced:
		return StateSynced
	case ledger.OutcomePartial:
		return StatePartial
	default:
		return StateError
	}
}

// SpokeStatus is the in-memory view of a spoke served by the status API.
type SpokeStatus struct {
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	State    SpokeState `json:"state"`
	LastSync time.Time  `json:"last_sync,omitzero"`
	Detail   string     `json:"detail,omitempty"`
	Added    int        `json:"added"`
	Removed  int        `json:"removed"`
	Failed   int        `json:"failed"`
	Skipped  int        `json:"skipped"`
}

// HubStatus describes the hub as of the last refresh attempt.
type HubStatus struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	RefreshedAt time.Time              `json:"refreshed_at,omitzero"`
	Records     int                    `json:"records"`
	Counts      map[dns.RecordType]int `json:"counts,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func (c *SyncController) setState(name string, s SpokeState, detail string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if st, ok := c.statuses[name]; ok {
		st.State = s
		st.Detail = detail
	}
}

func (c *SyncController) setResult(name string, o ledger.Outcome, detail string, e ledger.Entry, at time.Time) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	st, ok := c.statuses[name]
	if !ok {
		return
	}
	st.State = stateFor(o)
	st.Detail = detail
	st.LastSync = at
	st.Added, st.Removed, st.Failed, st.Skipped = e.Added, e.Removed, e.Failed, e.Skipped
}

// States returns the status of every configured spoke in configuration
// order.
func (c *SyncController) States() []SpokeStatus {
	c.init()
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	out := make([]SpokeStatus, 0, len(c.Spokes))
	for _, t := range c.Spokes {
		out = append(out, *c.statuses[t.Server.Name])
	}
	return out
}

// HubStatus reports the last hub refresh.
func (c *SyncController) HubStatus() HubStatus {
	snap, err := c.Snapshot()
	hs := HubStatus{Name: c.Hub.Server.Name, Type: c.Hub.Server.Type}
	if snap != nil {
		hs.RefreshedAt = snap.FetchedAt
		hs.Records = len(snap.Records)
		hs.Counts = snap.Records.CountByType()
	}
	if err != nil {
		hs.Error = err.Error()
	}
	return hs
}

// Ready reports whether at least one hub refresh has succeeded.
func (c *SyncController) Ready() bool {
	snap, _ := c.Snapshot()
	return snap != nil
}
