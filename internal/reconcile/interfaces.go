package reconcile

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/phone-usage-tracker/internal/beeminder"
	"github.com/dvloznov/phone-usage-tracker/internal/store"
)

// Mirror is the remote copy of the local database.
// Every call can fail; callers handle each error explicitly.
type Mirror interface {
	// List returns every remote datapoint.
	List(ctx context.Context) ([]beeminder.Datapoint, error)

	// Create adds a datapoint for date. Retried creates for the same date
	// must not produce duplicates.
	Create(ctx context.Context, date civil.Date, value float64, comment string) (beeminder.Datapoint, error)

	// Update overwrites the value and comment of an existing datapoint.
	Update(ctx context.Context, id string, value float64, comment string) (beeminder.Datapoint, error)

	// Delete removes a datapoint.
	Delete(ctx context.Context, id string) error
}

// StateStore persists the local database and the last-run marker.
type StateStore interface {
	Load(ctx context.Context) (*store.Database, error)
	Save(ctx context.Context, db *store.Database) error
	LoadMarker(ctx context.Context) (*store.Marker, error)
	SaveMarker(ctx context.Context, m store.Marker) error
}

// Recorder keeps a history of run reports.
type Recorder interface {
	Record(ctx context.Context, report *Report) error
}
