// Package store persists the local event database and the last-run marker.
//
// The database is the single source of truth for which accounting dates had
// late-night usage. Absence of either state object is a valid initial state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/quartz"
)

const (
	// DatabaseName is the object holding the event database.
	DatabaseName = "phone_usage_db.json"
	// MarkerName is the object holding the last-run marker.
	MarkerName = "last_run.json"
)

// Store loads and saves state through a Backend.
type Store struct {
	backend Backend
	clock   quartz.Clock
}

// New creates a Store. The clock stamps the creation time of a fresh database.
func New(backend Backend, clock quartz.Clock) *Store {
	return &Store{backend: backend, clock: clock}
}

// Load returns the persisted database, or an empty one when none exists.
func (s *Store) Load(ctx context.Context) (*Database, error) {
	data, err := s.backend.Read(ctx, DatabaseName)
	if errors.Is(err, ErrNotExist) {
		return &Database{
			Datapoints: []Record{},
			Metadata:   Metadata{Created: Timestamp{s.clock.Now()}},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	var db Database
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("Load: decode %s: %w", DatabaseName, err)
	}
	if db.Datapoints == nil {
		db.Datapoints = []Record{}
	}
	return &db, nil
}

// Save replaces the persisted database with db.
func (s *Store) Save(ctx context.Context, db *Database) error {
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return fmt.Errorf("Save: encode: %w", err)
	}
	if err := s.backend.Write(ctx, DatabaseName, data); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

// LoadMarker returns the last-run marker, or nil when none has been written.
func (s *Store) LoadMarker(ctx context.Context) (*Marker, error) {
	data, err := s.backend.Read(ctx, MarkerName)
	if errors.Is(err, ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LoadMarker: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("LoadMarker: decode %s: %w", MarkerName, err)
	}
	return &m, nil
}

// SaveMarker replaces the last-run marker.
func (s *Store) SaveMarker(ctx context.Context, m Marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("SaveMarker: encode: %w", err)
	}
	if err := s.backend.Write(ctx, MarkerName, data); err != nil {
		return fmt.Errorf("SaveMarker: %w", err)
	}
	return nil
}
