package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/phone-usage-tracker/internal/accounting"
	"github.com/dvloznov/phone-usage-tracker/internal/beeminder"
	"github.com/dvloznov/phone-usage-tracker/internal/store"
)

var errInjected = errors.New("injected failure")

type mirrorCall struct {
	Op      string
	ID      string
	Date    civil.Date
	Value   float64
	Comment string
}

// fakeMirror is an in-memory remote goal. Creates are stamped the way the
// real client stamps them and honour request-id idempotency.
type fakeMirror struct {
	loc    *time.Location
	dps    []beeminder.Datapoint
	nextID int

	failList   bool
	failCreate map[civil.Date]bool
	failUpdate map[string]bool
	failDelete map[string]bool

	calls []mirrorCall
	lists int
}

func newFakeMirror(loc *time.Location) *fakeMirror {
	return &fakeMirror{
		loc:        loc,
		failCreate: map[civil.Date]bool{},
		failUpdate: map[string]bool{},
		failDelete: map[string]bool{},
	}
}

// seed adds a datapoint for date without recording a call.
func (m *fakeMirror) seed(date civil.Date, value float64, comment string) string {
	m.nextID++
	id := fmt.Sprintf("dp%d", m.nextID)
	m.dps = append(m.dps, beeminder.Datapoint{
		ID:        id,
		Timestamp: accounting.Instant(date, m.loc).Unix(),
		Value:     value,
		Comment:   comment,
	})
	return id
}

func (m *fakeMirror) List(context.Context) ([]beeminder.Datapoint, error) {
	m.lists++
	if m.failList {
		return nil, errInjected
	}
	out := make([]beeminder.Datapoint, len(m.dps))
	copy(out, m.dps)
	return out, nil
}

func (m *fakeMirror) Create(_ context.Context, date civil.Date, value float64, comment string) (beeminder.Datapoint, error) {
	m.calls = append(m.calls, mirrorCall{Op: "create", Date: date, Value: value, Comment: comment})
	if m.failCreate[date] {
		return beeminder.Datapoint{}, errInjected
	}
	for _, dp := range m.dps {
		if dp.RequestID == beeminder.RequestID(date) {
			return dp, nil
		}
	}
	m.nextID++
	dp := beeminder.Datapoint{
		ID:        fmt.Sprintf("dp%d", m.nextID),
		Timestamp: accounting.Instant(date, m.loc).Unix(),
		Value:     value,
		Comment:   comment,
		RequestID: beeminder.RequestID(date),
	}
	m.dps = append(m.dps, dp)
	return dp, nil
}

func (m *fakeMirror) Update(_ context.Context, id string, value float64, comment string) (beeminder.Datapoint, error) {
	m.calls = append(m.calls, mirrorCall{Op: "update", ID: id, Value: value, Comment: comment})
	if m.failUpdate[id] {
		return beeminder.Datapoint{}, errInjected
	}
	for i := range m.dps {
		if m.dps[i].ID == id {
			m.dps[i].Value = value
			m.dps[i].Comment = comment
			return m.dps[i], nil
		}
	}
	return beeminder.Datapoint{}, &beeminder.APIError{Op: "Update", Status: 404}
}

func (m *fakeMirror) Delete(_ context.Context, id string) error {
	m.calls = append(m.calls, mirrorCall{Op: "delete", ID: id})
	if m.failDelete[id] {
		return errInjected
	}
	// Build a new slice: callers may be ranging over the old one.
	remaining := make([]beeminder.Datapoint, 0, len(m.dps))
	for _, dp := range m.dps {
		if dp.ID != id {
			remaining = append(remaining, dp)
		}
	}
	if len(remaining) == len(m.dps) {
		return &beeminder.APIError{Op: "Delete", Status: 404}
	}
	m.dps = remaining
	return nil
}

func (m *fakeMirror) callsOf(op string) []mirrorCall {
	var out []mirrorCall
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// byDate returns the remote datapoints grouped by accounting date.
func (m *fakeMirror) byDate() map[civil.Date][]beeminder.Datapoint {
	out := map[civil.Date][]beeminder.Datapoint{}
	for _, dp := range m.dps {
		d := accounting.Date(dp.Time(), m.loc)
		out[d] = append(out[d], dp)
	}
	return out
}

// memStore is a StateStore kept in memory.
type memStore struct {
	db     *store.Database
	marker *store.Marker

	loadErr error
	saves   int
}

func (s *memStore) Load(context.Context) (*store.Database, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.db == nil {
		return &store.Database{}, nil
	}
	cp := *s.db
	cp.Datapoints = append([]store.Record(nil), s.db.Datapoints...)
	return &cp, nil
}

func (s *memStore) Save(_ context.Context, db *store.Database) error {
	s.saves++
	cp := *db
	cp.Datapoints = append([]store.Record(nil), db.Datapoints...)
	s.db = &cp
	return nil
}

func (s *memStore) LoadMarker(context.Context) (*store.Marker, error) {
	if s.marker == nil {
		return nil, nil
	}
	m := *s.marker
	return &m, nil
}

func (s *memStore) SaveMarker(_ context.Context, m store.Marker) error {
	s.marker = &m
	return nil
}

type fakeRecorder struct {
	reports []*Report
}

func (f *fakeRecorder) Record(_ context.Context, r *Report) error {
	f.reports = append(f.reports, r)
	return nil
}

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func day(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func record(date string, value float64, comment string) store.Record {
	return store.Record{Date: day(date), Value: &value, Comment: &comment}
}
