package dns

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Provider is the interface that DNS backends must implement. The sync
// engine is written once against it and never against a vendor type.
type Provider interface {
	// FetchRecords returns every record the backend currently serves.
	FetchRecords(ctx context.Context) (Set, error)
	AddRecord(ctx context.Context, record Record) error
	DeleteRecord(ctx context.Context, record Record) error
	// Capabilities is static for the lifetime of the provider.
	Capabilities() sets.Set[RecordType]
}
