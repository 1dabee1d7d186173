package beeminder

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// Datapoint is a datapoint as returned by the Beeminder API.
type Datapoint struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Daystamp  string  `json:"daystamp,omitempty"`
	Value     float64 `json:"value"`
	Comment   string  `json:"comment"`
	RequestID string  `json:"requestid,omitempty"`
	UpdatedAt int64   `json:"updated_at,omitempty"`
}

// Time returns the datapoint timestamp as a time.Time.
func (d Datapoint) Time() time.Time {
	return time.Unix(d.Timestamp, 0)
}

// RequestID is the idempotency key sent with creates for date. Beeminder
// returns the existing datapoint instead of adding a second one when a
// request id repeats.
func RequestID(date civil.Date) string {
	return "phone_usage_" + date.String()
}

// APIError is a non-2xx response from Beeminder.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: beeminder responded %d: %s", e.Op, e.Status, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

type createRequest struct {
	AuthToken string  `json:"auth_token"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Comment   string  `json:"comment"`
	RequestID string  `json:"requestid"`
}

type updateRequest struct {
	AuthToken string  `json:"auth_token"`
	Value     float64 `json:"value"`
	Comment   string  `json:"comment"`
}
