package reconcile

import (
	"context"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/phone-usage-tracker/internal/accounting"
	"github.com/dvloznov/phone-usage-tracker/internal/beeminder"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
	"github.com/dvloznov/phone-usage-tracker/internal/store"
)

// Validate deletes remote datapoints that have no local record, and extra
// datapoints on dates that have more than one. It returns the number of
// successful deletions and the dates whose deletion failed. Local records
// without a remote datapoint are left for Sync.
func (r *Reconciler) Validate(ctx context.Context, db *store.Database, remote []beeminder.Datapoint) (int, []civil.Date) {
	log := logger.FromContext(ctx)

	local := db.Dates()
	kept := DateMap(remote, r.loc)

	var deleted int
	var failed []civil.Date
	for _, dp := range remote {
		date := accounting.Date(dp.Time(), r.loc)
		reason := ""
		switch {
		case !local[date]:
			reason = "no local record"
		case kept[date].ID != dp.ID:
			reason = "duplicate for date"
		default:
			continue
		}

		if r.dryRun {
			log.Info().
				Str("date", date.String()).
				Str("datapoint_id", dp.ID).
				Str("reason", reason).
				Msg("[DRY RUN] Would delete remote datapoint")
			deleted++
			continue
		}

		if err := r.mirror.Delete(ctx, dp.ID); err != nil {
			log.Warn().
				Err(err).
				Str("date", date.String()).
				Str("datapoint_id", dp.ID).
				Msg("Failed to delete remote datapoint")
			failed = append(failed, date)
			continue
		}
		log.Info().
			Str("date", date.String()).
			Str("datapoint_id", dp.ID).
			Str("reason", reason).
			Msg("Deleted remote datapoint")
		deleted++
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Deleted unauthorized remote datapoints")
	}
	if len(failed) > 0 {
		log.Warn().Strs("failed_dates", dateStrings(failed)).Msg("Failed to delete some remote datapoints")
	}
	return deleted, failed
}

// Sync creates local records that are missing remotely and updates remote
// datapoints whose value or comment differ from the local record. It returns
// the number of successful writes and the dates that failed.
func (r *Reconciler) Sync(ctx context.Context, db *store.Database, remoteMap map[civil.Date]beeminder.Datapoint) (int, []civil.Date) {
	log := logger.FromContext(ctx)

	var synced int
	var failed []civil.Date
	for _, rec := range db.Datapoints {
		value, comment := rec.EffectiveValue(), rec.EffectiveComment()
		existing, ok := remoteMap[rec.Date]

		switch {
		case !ok:
			if r.dryRun {
				log.Info().Str("date", rec.Date.String()).Msg("[DRY RUN] Would create missing remote datapoint")
				synced++
				continue
			}
			log.Info().Str("date", rec.Date.String()).Msg("Syncing missing datapoint")
			if _, err := r.mirror.Create(ctx, rec.Date, value, comment); err != nil {
				log.Warn().Err(err).Str("date", rec.Date.String()).Msg("Failed to create remote datapoint")
				failed = append(failed, rec.Date)
				continue
			}
			synced++

		case existing.Value != value || existing.Comment != comment:
			if r.dryRun {
				log.Info().
					Str("date", rec.Date.String()).
					Str("datapoint_id", existing.ID).
					Msg("[DRY RUN] Would update mismatched remote datapoint")
				synced++
				continue
			}
			log.Info().
				Str("date", rec.Date.String()).
				Str("datapoint_id", existing.ID).
				Float64("remote_value", existing.Value).
				Float64("local_value", value).
				Msg("Updating mismatched datapoint")
			if _, err := r.mirror.Update(ctx, existing.ID, value, comment); err != nil {
				log.Warn().Err(err).Str("date", rec.Date.String()).Msg("Failed to update remote datapoint")
				failed = append(failed, rec.Date)
				continue
			}
			synced++
		}
	}

	if synced > 0 {
		log.Info().Int("synced", synced).Msg("Synced datapoints to remote")
	}
	if len(failed) > 0 {
		log.Warn().Strs("failed_dates", dateStrings(failed)).Msg("Some datapoints failed to sync")
	}
	return synced, failed
}

// AlreadyProcessed reports whether date was the last fully processed date
// and the remote datapoint for it still matches the local record exactly.
func AlreadyProcessed(date civil.Date, marker *store.Marker, db *store.Database, remoteMap map[civil.Date]beeminder.Datapoint) bool {
	if marker == nil || marker.LastProcessedDate != date {
		return false
	}
	rec, ok := db.Find(date)
	if !ok {
		return false
	}
	dp, ok := remoteMap[date]
	if !ok {
		return false
	}
	return dp.Value == rec.EffectiveValue() && dp.Comment == rec.EffectiveComment()
}
