// Package state persists what the sync process learned between passes: the
// records it owns on each spoke and metadata about the last hub refresh.
package state

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.yaml.in/yaml/v3"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/fsutil"
)

const fileVersion = 1

// HubInfo describes the last successful hub refresh.
type HubInfo struct {
	Name        string         `yaml:"name"`
	RefreshedAt time.Time      `yaml:"refreshed_at"`
	Counts      map[string]int `yaml:"counts,omitempty"`
}

// SpokeInfo is the persisted view of one spoke.
type SpokeInfo struct {
	LastOutcome string    `yaml:"last_outcome,omitempty"`
	LastSync    time.Time `yaml:"last_sync,omitempty"`
	// Managed lists record keys in dns.Key string form.
	Managed []string `yaml:"managed,omitempty"`
}

type document struct {
	Version int                  `yaml:"version"`
	Hub     *HubInfo             `yaml:"hub,omitempty"`
	Spokes  map[string]SpokeInfo `yaml:"spokes,omitempty"`
}

// State is a YAML-backed state file. It is safe for concurrent use.
type State struct {
	path string
	log  logr.Logger

	mu  sync.Mutex
	doc document
}

// Open loads path. A missing file yields empty state.
func Open(path string, log logr.Logger) (*State, error) {
	s := &State{path: path, log: log, doc: document{Version: fileVersion}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if s.doc.Version > fileVersion {
		return nil, fmt.Errorf("state file %s has unsupported version %d", path, s.doc.Version)
	}
	return s, nil
}

// Hub returns the last recorded hub refresh.
func (s *State) Hub() (HubInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Hub == nil {
		return HubInfo{}, false
	}
	h := *s.doc.Hub
	h.Counts = maps.Clone(h.Counts)
	return h, true
}

// Spoke returns the persisted view of a spoke.
func (s *State) Spoke(name string) (SpokeInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.doc.Spokes[name]
	info.Managed = slices.Clone(info.Managed)
	return info, ok
}

// Managed returns the records this tool owns on spoke. Malformed entries
// are logged and dropped.
func (s *State) Managed(spoke string) sets.Set[dns.Key] {
	info, _ := s.Spoke(spoke)
	out := sets.New[dns.Key]()
	for _, raw := range info.Managed {
		k, err := dns.ParseKey(raw)
		if err != nil {
			s.log.Info("ignoring malformed managed record", "spoke", spoke, "error", err.Error())
			continue
		}
		out.Insert(k)
	}
	return out
}

// RecordHub stores hub refresh metadata.
func (s *State) RecordHub(name string, at time.Time, records dns.Set) error {
	counts := make(map[string]int)
	for t, n := range records.CountByType() {
		counts[string(t)] = n
	}
	return s.update(func(d *document) {
		d.Hub = &HubInfo{Name: name, RefreshedAt: at.UTC(), Counts: counts}
	})
}

// RecordSpoke stores the result of a spoke sync. A nil managed set keeps
// the previous one.
func (s *State) RecordSpoke(name, outcome string, at time.Time, managed sets.Set[dns.Key]) error {
	return s.update(func(d *document) {
		info := d.Spokes[name]
		info.LastOutcome = outcome
		info.LastSync = at.UTC()
		if managed != nil {
			keys := managed.UnsortedList()
			slices.SortFunc(keys, dns.CompareKeys)
			info.Managed = make([]string, 0, len(keys))
			for _, k := range keys {
				info.Managed = append(info.Managed, k.String())
			}
		}
		if d.Spokes == nil {
			d.Spokes = make(map[string]SpokeInfo)
		}
		d.Spokes[name] = info
	})
}

func (s *State) update(fn func(*document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc
	next.Spokes = maps.Clone(s.doc.Spokes)
	fn(&next)
	next.Version = fileVersion

	data, err := yaml.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o640); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	s.doc = next
	return nil
}
