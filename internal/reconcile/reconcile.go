// Package reconcile keeps the remote goal consistent with the local database.
//
// The local database is authoritative. A run records the trigger's event
// locally, deletes remote datapoints that have no local record, pushes local
// records that are missing or differ remotely, and finally makes sure the
// trigger's own datapoint exists. The last-run marker is only written when
// that last step succeeds, so a failed run is retried in full by the next
// trigger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/dvloznov/phone-usage-tracker/internal/accounting"
	"github.com/dvloznov/phone-usage-tracker/internal/beeminder"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
	"github.com/dvloznov/phone-usage-tracker/internal/store"
)

// ErrEnsureFailed is returned when today's datapoint could not be created
// remotely. The marker is left untouched.
var ErrEnsureFailed = errors.New("failed to create today's datapoint")

// Options configure a Reconciler.
type Options struct {
	// Location is the zone accounting dates are computed in.
	Location *time.Location
	Clock    quartz.Clock
	// DryRun logs remote mutations instead of performing them and writes no
	// local state.
	DryRun bool
	// Recorder, if set, receives the report of every run.
	Recorder Recorder
}

// Reconciler runs the reconciliation for one goal.
type Reconciler struct {
	store    StateStore
	mirror   Mirror
	loc      *time.Location
	clock    quartz.Clock
	dryRun   bool
	recorder Recorder
}

// New creates a Reconciler.
func New(st StateStore, mirror Mirror, opts Options) *Reconciler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Reconciler{
		store:    st,
		mirror:   mirror,
		loc:      opts.Location,
		clock:    opts.Clock,
		dryRun:   opts.DryRun,
		recorder: opts.Recorder,
	}
}

// Run performs one reconciliation. explicit, when non-nil, is the accounting
// date of the trigger; otherwise it is derived from the current time.
// The returned report is non-nil even when err is.
func (r *Reconciler) Run(ctx context.Context, explicit *civil.Date) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: r.clock.Now(),
		DryRun:    r.dryRun,
	}
	log := logger.FromContext(ctx).With().Str("run_id", report.RunID).Logger()
	ctx = logger.WithContext(ctx, log)

	err := r.run(ctx, explicit, report)

	report.FinishedAt = r.clock.Now()
	if err != nil {
		report.Err = err.Error()
		log.Error().Err(err).Object("report", report).Msg("Run aborted")
	} else {
		log.Info().Object("report", report).Msg("Workflow completed successfully")
	}

	if r.recorder != nil && !r.dryRun {
		if rerr := r.recorder.Record(ctx, report); rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to record run report")
		}
	}
	return report, err
}

func (r *Reconciler) run(ctx context.Context, explicit *civil.Date, report *Report) error {
	log := logger.FromContext(ctx)

	date, instant := accounting.Resolve(explicit, r.clock.Now(), r.loc)
	report.Date = date
	log.Info().Str("date", date.String()).Msg("Processing phone usage for accounting date")

	db, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load local database: %w", err)
	}
	if db.AppendIfAbsent(date, store.DefaultValue, store.DefaultComment, instant) {
		report.Inserted = true
		if !r.dryRun {
			if err := r.store.Save(ctx, db); err != nil {
				return fmt.Errorf("save local database: %w", err)
			}
		}
		log.Info().Str("date", date.String()).Msg("Added datapoint to local database")
	} else {
		log.Info().Str("date", date.String()).Msg("Datapoint already exists in local database")
	}

	// Clean before syncing so sync never works against same-date duplicates.
	remote, ok := r.fetch(ctx, report)
	if ok {
		for _, m := range DaystampMismatches(remote, r.loc) {
			log.Warn().
				Str("datapoint_id", m.ID).
				Str("daystamp", m.Daystamp.String()).
				Str("accounting_date", m.Date.String()).
				Msg("Remote datapoint is filed under a different day than its timestamp maps to")
		}
		report.Deleted, report.DeleteFailed = r.Validate(ctx, db, remote)
	} else {
		log.Warn().Msg("Skipping validation: remote state unavailable")
	}

	remote, _ = r.fetch(ctx, report)
	report.Synced, report.SyncFailed = r.Sync(ctx, db, DateMap(remote, r.loc))

	remote, _ = r.fetch(ctx, report)
	remoteMap := DateMap(remote, r.loc)

	marker, err := r.store.LoadMarker(ctx)
	if err != nil {
		return fmt.Errorf("load last-run marker: %w", err)
	}

	if AlreadyProcessed(date, marker, db, remoteMap) {
		report.Skipped = true
		log.Info().Str("date", date.String()).Msg("Already processed datapoint, skipping")
	} else if err := r.ensure(ctx, db, date, remoteMap, report); err != nil {
		return err
	}

	if r.dryRun {
		return nil
	}
	if err := r.store.SaveMarker(ctx, store.Marker{
		LastRun:           store.Timestamp{Time: r.clock.Now()},
		LastProcessedDate: date,
	}); err != nil {
		return fmt.Errorf("save last-run marker: %w", err)
	}
	return nil
}

// ensure creates the datapoint for date when the remote has none.
func (r *Reconciler) ensure(ctx context.Context, db *store.Database, date civil.Date, remoteMap map[civil.Date]beeminder.Datapoint, report *Report) error {
	log := logger.FromContext(ctx)

	if _, ok := remoteMap[date]; ok {
		log.Info().Str("date", date.String()).Msg("Datapoint already exists remotely")
		return nil
	}

	value, comment := store.DefaultValue, store.DefaultComment
	if rec, ok := db.Find(date); ok {
		if rec.Value != nil {
			value = *rec.Value
		}
		if rec.Comment != nil {
			comment = *rec.Comment
		}
	}

	if r.dryRun {
		log.Info().Str("date", date.String()).Msg("[DRY RUN] Would create today's datapoint")
		report.Created = true
		return nil
	}

	dp, err := r.mirror.Create(ctx, date, value, comment)
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrEnsureFailed, date, err)
	}
	report.Created = true
	log.Info().Str("date", date.String()).Str("datapoint_id", dp.ID).Msg("Added today's datapoint remotely")
	return nil
}

// fetch lists the remote datapoints. A failure is logged and reported as
// ok == false with an empty result.
func (r *Reconciler) fetch(ctx context.Context, report *Report) ([]beeminder.Datapoint, bool) {
	log := logger.FromContext(ctx)

	dps, err := r.mirror.List(ctx)
	if err != nil {
		report.FetchFailures++
		log.Error().Err(err).Msg("Failed to fetch remote datapoints")
		return nil, false
	}
	log.Debug().Int("remote_count", len(dps)).Msg("Fetched remote datapoints")
	return dps, true
}

// DateMap indexes datapoints by accounting date. When several datapoints
// share a date, the last one wins.
func DateMap(dps []beeminder.Datapoint, loc *time.Location) map[civil.Date]beeminder.Datapoint {
	m := make(map[civil.Date]beeminder.Datapoint, len(dps))
	for _, dp := range dps {
		m[accounting.Date(dp.Time(), loc)] = dp
	}
	return m
}

// Mismatch is a remote datapoint whose daystamp disagrees with the
// accounting date of its timestamp. Datapoints stamped at local midnight
// before the cutoff rule existed show up this way and are reconciled under
// the previous day.
type Mismatch struct {
	ID       string
	Daystamp civil.Date
	Date     civil.Date
}

// DaystampMismatches lists datapoints whose daystamp is set and differs from
// their accounting date. Datapoints without a parseable daystamp are skipped.
func DaystampMismatches(dps []beeminder.Datapoint, loc *time.Location) []Mismatch {
	var out []Mismatch
	for _, dp := range dps {
		if dp.Daystamp == "" {
			continue
		}
		t, err := time.Parse("20060102", dp.Daystamp)
		if err != nil {
			continue
		}
		stamped := civil.DateOf(t)
		if date := accounting.Date(dp.Time(), loc); date != stamped {
			out = append(out, Mismatch{ID: dp.ID, Daystamp: stamped, Date: date})
		}
	}
	return out
}
