package runlog

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"

	"github.com/dvloznov/phone-usage-tracker/internal/reconcile"
)

func TestRowFromReport(t *testing.T) {
	started := time.Date(2025, 8, 25, 23, 0, 0, 0, time.UTC)
	report := &reconcile.Report{
		RunID:        "run-1",
		Date:         civil.Date{Year: 2025, Month: time.August, Day: 25},
		StartedAt:    started,
		FinishedAt:   started.Add(3 * time.Second),
		Inserted:     true,
		Deleted:      2,
		DeleteFailed: []civil.Date{{Year: 2025, Month: time.August, Day: 3}},
		Synced:       1,
		Created:      true,
	}

	want := &RunRow{
		RunID:          "run-1",
		AccountingDate: report.Date,
		StartedTS:      started,
		FinishedTS:     started.Add(3 * time.Second),
		Status:         StatusSuccess,
		Inserted:       true,
		Deleted:        2,
		DeleteFailed:   []string{"2025-08-03"},
		Synced:         1,
		SyncFailed:     []string{},
		Created:        true,
	}
	if diff := cmp.Diff(want, RowFromReport(report)); diff != "" {
		t.Errorf("RowFromReport (-want +got):\n%s", diff)
	}
}

func TestRowFromReport_Failure(t *testing.T) {
	report := &reconcile.Report{
		RunID: "run-2",
		Err:   strings.Repeat("x", maxErrorLen+50),
	}

	row := RowFromReport(report)
	if row.Status != StatusFailed {
		t.Errorf("status = %s, want %s", row.Status, StatusFailed)
	}
	if len(row.ErrorMessage) != maxErrorLen {
		t.Errorf("error message not truncated: %d", len(row.ErrorMessage))
	}
}

func TestCreateTableSQL_CoversRunRow(t *testing.T) {
	ddl := createTableSQL("tracker", DefaultTable)
	if !strings.Contains(ddl, "tracker.reconcile_runs") {
		t.Errorf("DDL does not target tracker.reconcile_runs:\n%s", ddl)
	}

	typ := reflect.TypeOf(RunRow{})
	for i := 0; i < typ.NumField(); i++ {
		col := typ.Field(i).Tag.Get("bigquery")
		if !strings.Contains(ddl, "\t"+col+" ") {
			t.Errorf("DDL is missing column %s", col)
		}
	}
}
