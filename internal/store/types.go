package store

import (
	"time"

	"cloud.google.com/go/civil"
)

const (
	// DefaultValue is the magnitude of one late-night usage event.
	DefaultValue = 1.0

	// DefaultComment annotates events recorded by a trigger.
	DefaultComment = "Late night phone usage detected"

	// BackfillComment annotates records that carry no comment of their own
	// when they are pushed to the remote service.
	BackfillComment = "Historical late night phone usage (synced)"
)

// Record is one accounting day's event in the local database.
// Value and Comment are optional in files written by earlier versions.
type Record struct {
	Date      civil.Date `json:"date"`
	Value     *float64   `json:"value,omitempty"`
	Timestamp Timestamp  `json:"timestamp"`
	Comment   *string    `json:"comment,omitempty"`
}

// EffectiveValue is the value the record stands for remotely.
func (r Record) EffectiveValue() float64 {
	if r.Value == nil {
		return DefaultValue
	}
	return *r.Value
}

// EffectiveComment is the comment the record stands for remotely.
func (r Record) EffectiveComment() string {
	if r.Comment == nil {
		return BackfillComment
	}
	return *r.Comment
}

// Metadata describes the database file itself.
type Metadata struct {
	Created Timestamp `json:"created"`
}

// Database is the authoritative list of recorded events, in insertion order,
// with at most one record per accounting date.
type Database struct {
	Datapoints []Record `json:"datapoints"`
	Metadata   Metadata `json:"metadata"`
}

// Find returns the record for date, if any.
func (db *Database) Find(date civil.Date) (Record, bool) {
	for _, r := range db.Datapoints {
		if r.Date == date {
			return r, true
		}
	}
	return Record{}, false
}

// Dates returns the set of accounting dates present in the database.
func (db *Database) Dates() map[civil.Date]bool {
	dates := make(map[civil.Date]bool, len(db.Datapoints))
	for _, r := range db.Datapoints {
		dates[r.Date] = true
	}
	return dates
}

// AppendIfAbsent adds a record for date unless one already exists and
// reports whether it did.
func (db *Database) AppendIfAbsent(date civil.Date, value float64, comment string, ts time.Time) bool {
	if _, ok := db.Find(date); ok {
		return false
	}
	db.Datapoints = append(db.Datapoints, Record{
		Date:      date,
		Value:     &value,
		Timestamp: Timestamp{ts},
		Comment:   &comment,
	})
	return true
}

// Marker remembers the last fully processed accounting date.
type Marker struct {
	LastRun           Timestamp  `json:"last_run"`
	LastProcessedDate civil.Date `json:"last_processed_date"`
}
