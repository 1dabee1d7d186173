// Package beeminder is a small client for the Beeminder datapoints API of a
// single goal.
package beeminder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/cenkalti/backoff/v4"

	"github.com/dvloznov/phone-usage-tracker/internal/accounting"
	"github.com/dvloznov/phone-usage-tracker/internal/logger"
)

// DefaultBaseURL is the public Beeminder endpoint.
const DefaultBaseURL = "https://www.beeminder.com"

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// Config holds what the client needs to reach one goal.
type Config struct {
	BaseURL   string
	Username  string
	AuthToken string
	GoalSlug  string

	// Location is the zone in which accounting dates are turned into
	// datapoint timestamps.
	Location *time.Location

	Timeout    time.Duration
	MaxRetries int
	// RetryInterval is the first backoff interval; it doubles per attempt.
	RetryInterval time.Duration
}

// Client talks to the Beeminder API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient returns a client for cfg, filling in defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &Client{cfg: cfg, http: newHTTPClient(cfg.Timeout)}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

func (c *Client) datapointsURL() string {
	return fmt.Sprintf("%s/api/v1/users/%s/goals/%s/datapoints.json",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Username), url.PathEscape(c.cfg.GoalSlug))
}

func (c *Client) datapointURL(id string) string {
	return fmt.Sprintf("%s/api/v1/users/%s/goals/%s/datapoints/%s.json",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Username), url.PathEscape(c.cfg.GoalSlug), url.PathEscape(id))
}

func (c *Client) withToken(raw string) string {
	return raw + "?" + url.Values{"auth_token": {c.cfg.AuthToken}}.Encode()
}

// List returns every datapoint of the goal.
func (c *Client) List(ctx context.Context) ([]Datapoint, error) {
	var dps []Datapoint
	if err := c.do(ctx, "List", http.MethodGet, c.withToken(c.datapointsURL()), nil, &dps); err != nil {
		return nil, err
	}
	return dps, nil
}

// Create adds a datapoint for an accounting date, keyed by RequestID(date).
func (c *Client) Create(ctx context.Context, date civil.Date, value float64, comment string) (Datapoint, error) {
	body := createRequest{
		AuthToken: c.cfg.AuthToken,
		Timestamp: accounting.Instant(date, c.cfg.Location).Unix(),
		Value:     value,
		Comment:   comment,
		RequestID: RequestID(date),
	}
	var dp Datapoint
	if err := c.do(ctx, "Create", http.MethodPost, c.datapointsURL(), body, &dp); err != nil {
		return Datapoint{}, err
	}
	return dp, nil
}

// Update overwrites the value and comment of datapoint id.
func (c *Client) Update(ctx context.Context, id string, value float64, comment string) (Datapoint, error) {
	body := updateRequest{AuthToken: c.cfg.AuthToken, Value: value, Comment: comment}
	var dp Datapoint
	if err := c.do(ctx, "Update", http.MethodPut, c.datapointURL(id), body, &dp); err != nil {
		return Datapoint{}, err
	}
	return dp, nil
}

// Delete removes datapoint id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, "Delete", http.MethodDelete, c.withToken(c.datapointURL(id)), nil, nil)
}

// do sends one request, retrying transport errors, 429 and 5xx responses.
func (c *Client) do(ctx context.Context, op, method, target string, body, out any) error {
	log := logger.FromContext(ctx)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.RetryInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxRetries)), ctx)

	attempt := func() error {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: build request: %w", op, err))
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", op, scrubURL(err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fmt.Errorf("%s: read response: %w", op, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
			if apiErr.Temporary() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("%s: decode response: %w", op, err))
			}
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", op).Dur("retry_in", wait).Msg("Beeminder request failed, retrying")
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	if err != nil {
		status := 0
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			status = apiErr.Status
		}
		log.Error().Err(err).Str("op", op).Int("status", status).Msg("Beeminder request failed")
	}
	return err
}

// scrubURL drops the query string, which carries the auth token, from
// transport errors before they are logged.
func scrubURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if i := strings.IndexByte(ue.URL, '?'); i >= 0 {
			ue.URL = ue.URL[:i]
		}
	}
	return err
}
