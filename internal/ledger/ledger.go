// Package ledger records the outcome of every spoke sync in an append-only
// JSON Lines file.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Outcome is the terminal result of one spoke sync.
type Outcome string

const (
	OutcomeSynced  Outcome = "SYNCED"
	OutcomePartial Outcome = "PARTIAL"
	OutcomeError   Outcome = "ERROR"
)

// Entry types.
const (
	TypeSync   = "sync"
	TypeManual = "manual"
)

// Failure describes one record change that did not apply.
type Failure struct {
	Record string `json:"record"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// Entry is one line of the ledger.
type Entry struct {
	ID        string    `json:"id"`
	PassID    string    `json:"pass_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Server    string    `json:"server"`
	Type      string    `json:"type"`
	Outcome   Outcome   `json:"outcome"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Retained  int       `json:"retained,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Filter selects entries in Query. Zero values match everything.
type Filter struct {
	Server string
	Since  time.Time
	Until  time.Time
	// Limit keeps only the newest Limit matches.
	Limit int
}

func (f Filter) matches(e Entry) bool {
	if f.Server != "" && e.Server != f.Server {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Ledger appends entries to a JSON Lines file.
type Ledger struct {
	path string
	log  logr.Logger
	now  func() time.Time

	mu sync.Mutex
}

// Open returns a ledger backed by path. The file is created on first
// append.
func Open(path string, log logr.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return &Ledger{path: path, log: log, now: time.Now}, nil
}

// Path returns the backing file.
func (l *Ledger) Path() string { return l.path }

// Append writes e as a single line. ID and Timestamp are filled in when
// empty; the completed entry is returned.
func (l *Ledger) Append(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("encoding ledger entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return e, fmt.Errorf("opening ledger: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return e, fmt.Errorf("writing ledger entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return e, fmt.Errorf("syncing ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		return e, fmt.Errorf("closing ledger: %w", err)
	}
	l.log.V(1).Info("ledger entry appended", "server", e.Server, "outcome", e.Outcome, "id", e.ID)
	return e, nil
}

// Query returns matching entries in file order. Lines that fail to decode
// are logged and skipped.
func (l *Ledger) Query(filter Filter) ([]Entry, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer f.Close()

	var out []Entry
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var e Entry
			if jerr := json.Unmarshal(line, &e); jerr != nil {
				l.log.Info("skipping malformed ledger line", "line", lineNo, "error", jerr.Error())
			} else if filter.matches(e) {
				out = append(out, e)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading ledger: %w", err)
		}
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Last returns the newest entry for server.
func (l *Ledger) Last(server string) (Entry, bool, error) {
	entries, err := l.Query(Filter{Server: server, Limit: 1})
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[0], true, nil
}
