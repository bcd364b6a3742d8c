package dns

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// RecordType is a DNS resource record type such as "A" or "CNAME".
type RecordType string

const (
	TypeA     RecordType = "A"
	TypeAAAA  RecordType = "AAAA"
	TypeCNAME RecordType = "CNAME"
	TypeTXT   RecordType = "TXT"
)

// Capabilities builds a capability set from the given record types.
func Capabilities(types ...RecordType) sets.Set[RecordType] {
	return sets.New(types...)
}

// Record represents a DNS rewrite entry. Records are values: two records with
// the same Key are the same record regardless of TTL.
type Record struct {
	Name  string     // FQDN, e.g. "app.example.com"
	Type  RecordType // "A", "AAAA", "CNAME", "TXT"
	Value string     // IP address, target or text
	TTL   int        // 0 = provider default
}

// Key is the identity of a record for set membership and diffing.
type Key struct {
	Name  string
	Type  RecordType
	Value string
}

// NormalizeName lowercases a hostname and strips trailing dots.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(name), "."))
}

// Key returns the record identity.
func (r Record) Key() Key {
	return Key{Name: NormalizeName(r.Name), Type: r.Type, Value: r.Value}
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s", NormalizeName(r.Name), r.Type, r.Value)
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s %s", k.Name, k.Type, k.Value)
}

// ParseKey parses the form produced by Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("dns: malformed record key %q", s)
	}
	return Key{Name: parts[0], Type: RecordType(parts[1]), Value: parts[2]}, nil
}

// Record converts a key back to a record with the normalized name.
func (k Key) Record() Record {
	return Record{Name: k.Name, Type: k.Type, Value: k.Value}
}

// Set is a collection of records deduplicated by identity. The first record
// inserted for a key wins.
type Set map[Key]Record

// NewSet builds a set from the given records, collapsing duplicates.
func NewSet(records ...Record) Set {
	s := make(Set, len(records))
	s.Insert(records...)
	return s
}

// Insert adds records that are not already present.
func (s Set) Insert(records ...Record) {
	for _, r := range records {
		k := r.Key()
		if _, ok := s[k]; !ok {
			s[k] = r
		}
	}
}

// Delete removes the records with the same identity.
func (s Set) Delete(records ...Record) {
	for _, r := range records {
		delete(s, r.Key())
	}
}

// Has reports whether a record with the same identity is present.
func (s Set) Has(r Record) bool {
	_, ok := s[r.Key()]
	return ok
}

// Keys returns the identities in the set.
func (s Set) Keys() sets.Set[Key] {
	keys := make(sets.Set[Key], len(s))
	for k := range s {
		keys.Insert(k)
	}
	return keys
}

// Clone returns a shallow copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, r := range s {
		out[k] = r
	}
	return out
}

// Select returns the records whose keys are in keys, sorted.
func (s Set) Select(keys sets.Set[Key]) []Record {
	out := make([]Record, 0, keys.Len())
	for k := range keys {
		if r, ok := s[k]; ok {
			out = append(out, r)
		}
	}
	SortRecords(out)
	return out
}

// Sorted returns all records ordered by name, type and value.
func (s Set) Sorted() []Record {
	out := make([]Record, 0, len(s))
	for _, r := range s {
		out = append(out, r)
	}
	SortRecords(out)
	return out
}

// CountByType returns the number of records per type.
func (s Set) CountByType() map[RecordType]int {
	counts := make(map[RecordType]int)
	for k := range s {
		counts[k.Type]++
	}
	return counts
}

// SortRecords orders records by normalized name, then type, then value.
func SortRecords(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		return CompareKeys(a.Key(), b.Key())
	})
}

// CompareKeys orders keys by name, type and value.
func CompareKeys(a, b Key) int {
	return cmp.Or(
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.Type, b.Type),
		cmp.Compare(a.Value, b.Value),
	)
}
