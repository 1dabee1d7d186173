// Package runlog keeps a history of reconciliation runs in BigQuery.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dvloznov/phone-usage-tracker/internal/reconcile"
)

const (
	// DefaultTable is the table run rows are written to.
	DefaultTable = "reconcile_runs"

	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"

	maxErrorLen = 2000
)

// RunRow is one run in the history table.
type RunRow struct {
	RunID          string     `bigquery:"run_id"`          // REQUIRED
	AccountingDate civil.Date `bigquery:"accounting_date"` // REQUIRED
	StartedTS      time.Time  `bigquery:"started_ts"`      // REQUIRED
	FinishedTS     time.Time  `bigquery:"finished_ts"`     // REQUIRED
	Status         string     `bigquery:"status"`          // REQUIRED

	Inserted      bool     `bigquery:"inserted"`
	Deleted       int64    `bigquery:"deleted"`
	DeleteFailed  []string `bigquery:"delete_failed"` // REPEATED
	Synced        int64    `bigquery:"synced"`
	SyncFailed    []string `bigquery:"sync_failed"` // REPEATED
	FetchFailures int64    `bigquery:"fetch_failures"`
	Skipped       bool     `bigquery:"skipped"`
	Created       bool     `bigquery:"created"`

	ErrorMessage string `bigquery:"error_message"` // NULLABLE
}

// RowFromReport converts a run report into a history row.
func RowFromReport(r *reconcile.Report) *RunRow {
	row := &RunRow{
		RunID:          r.RunID,
		AccountingDate: r.Date,
		StartedTS:      r.StartedAt,
		FinishedTS:     r.FinishedAt,
		Status:         StatusSuccess,
		Inserted:       r.Inserted,
		Deleted:        int64(r.Deleted),
		DeleteFailed:   dateStrings(r.DeleteFailed),
		Synced:         int64(r.Synced),
		SyncFailed:     dateStrings(r.SyncFailed),
		FetchFailures:  int64(r.FetchFailures),
		Skipped:        r.Skipped,
		Created:        r.Created,
	}
	if !r.Succeeded() {
		row.Status = StatusFailed
		row.ErrorMessage = r.Err
		if len(row.ErrorMessage) > maxErrorLen {
			row.ErrorMessage = row.ErrorMessage[:maxErrorLen]
		}
	}
	return row
}

func dateStrings(dates []civil.Date) []string {
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.String())
	}
	return out
}

// BigQueryRecorder writes run rows to <dataset>.<table>.
type BigQueryRecorder struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// NewBigQueryRecorder creates a BigQuery client for projectID.
func NewBigQueryRecorder(ctx context.Context, projectID, dataset string, opts ...option.ClientOption) (*BigQueryRecorder, error) {
	if projectID == "" || dataset == "" {
		return nil, errors.New("NewBigQueryRecorder: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryRecorder: creating client: %w", err)
	}
	return &BigQueryRecorder{client: client, dataset: dataset, table: DefaultTable}, nil
}

// Close closes the BigQuery client connection.
func (r *BigQueryRecorder) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// createTableSQL is the DDL for the history table. Columns follow RunRow.
func createTableSQL(dataset, table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			run_id          STRING NOT NULL,
			accounting_date DATE NOT NULL,
			started_ts      TIMESTAMP NOT NULL,
			finished_ts     TIMESTAMP NOT NULL,
			status          STRING NOT NULL,
			inserted        BOOL,
			deleted         INT64,
			delete_failed   ARRAY<STRING>,
			synced          INT64,
			sync_failed     ARRAY<STRING>,
			fetch_failures  INT64,
			skipped         BOOL,
			created         BOOL,
			error_message   STRING
		)
		PARTITION BY accounting_date
	`, dataset, table)
}

// EnsureTable creates the history table if it does not exist yet.
func (r *BigQueryRecorder) EnsureTable(ctx context.Context) error {
	job, err := r.client.Query(createTableSQL(r.dataset, r.table)).Run(ctx)
	if err != nil {
		return fmt.Errorf("EnsureTable: running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("EnsureTable: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("EnsureTable: job error: %w", err)
	}
	return nil
}

// Record inserts the report as a new row.
func (r *BigQueryRecorder) Record(ctx context.Context, report *reconcile.Report) error {
	row := RowFromReport(report)

	q := r.client.Query(fmt.Sprintf(`
		INSERT %s.%s (
			run_id,
			accounting_date,
			started_ts,
			finished_ts,
			status,
			inserted,
			deleted,
			delete_failed,
			synced,
			sync_failed,
			fetch_failures,
			skipped,
			created,
			error_message
		)
		VALUES (
			@run_id,
			@accounting_date,
			@started_ts,
			@finished_ts,
			@status,
			@inserted,
			@deleted,
			@delete_failed,
			@synced,
			@sync_failed,
			@fetch_failures,
			@skipped,
			@created,
			@error_message
		)
	`, r.dataset, r.table))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: row.RunID},
		{Name: "accounting_date", Value: row.AccountingDate},
		{Name: "started_ts", Value: row.StartedTS},
		{Name: "finished_ts", Value: row.FinishedTS},
		{Name: "status", Value: row.Status},
		{Name: "inserted", Value: row.Inserted},
		{Name: "deleted", Value: row.Deleted},
		{Name: "delete_failed", Value: row.DeleteFailed},
		{Name: "synced", Value: row.Synced},
		{Name: "sync_failed", Value: row.SyncFailed},
		{Name: "fetch_failures", Value: row.FetchFailures},
		{Name: "skipped", Value: row.Skipped},
		{Name: "created", Value: row.Created},
		{Name: "error_message", Value: row.ErrorMessage},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("Record: running insert query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("Record: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("Record: job error: %w", err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (r *BigQueryRecorder) Recent(ctx context.Context, limit int) ([]*RunRow, error) {
	if limit <= 0 {
		limit = 10
	}

	q := r.client.Query(fmt.Sprintf(`
		SELECT *
		FROM %s.%s
		ORDER BY started_ts DESC
		LIMIT @limit
	`, r.dataset, r.table))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("Recent: running query: %w", err)
	}

	var rows []*RunRow
	for {
		var row RunRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Recent: reading row: %w", err)
		}
		rows = append(rows, &row)
	}
	return rows, nil
}
