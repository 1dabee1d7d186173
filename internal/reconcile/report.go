package reconcile

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
)

// Report summarizes one run.
type Report struct {
	RunID      string
	Date       civil.Date
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	// Inserted is true when this run added the local record for Date.
	Inserted bool

	Deleted      int
	DeleteFailed []civil.Date

	Synced     int
	SyncFailed []civil.Date

	// FetchFailures counts remote list calls that failed.
	FetchFailures int

	// Skipped is true when Date was already fully processed.
	Skipped bool
	// Created is true when the ensure step had to create today's datapoint.
	Created bool

	// Err is the fatal error that aborted the run, if any.
	Err string
}

// Succeeded reports whether the run reached the marker update.
func (r *Report) Succeeded() bool {
	return r.Err == ""
}

// MarshalZerologObject lets a report be logged with Object.
func (r *Report) MarshalZerologObject(e *zerolog.Event) {
	e.Str("run_id", r.RunID).
		Str("date", r.Date.String()).
		Bool("dry_run", r.DryRun).
		Bool("inserted", r.Inserted).
		Int("deleted", r.Deleted).
		Strs("delete_failed", dateStrings(r.DeleteFailed)).
		Int("synced", r.Synced).
		Strs("sync_failed", dateStrings(r.SyncFailed)).
		Int("fetch_failures", r.FetchFailures).
		Bool("skipped", r.Skipped).
		Bool("created", r.Created)
	if r.Err != "" {
		e.Str("error", r.Err)
	}
}

func dateStrings(dates []civil.Date) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.String()
	}
	return out
}
