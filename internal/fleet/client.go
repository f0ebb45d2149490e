// Package fleet talks to the taxi fleet API: paginated driver listing with
// 429 backoff, single-driver lookups and the optional balance and order
// endpoints.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/m3rciful/taxibot/core/httpclient"
	"github.com/m3rciful/taxibot/core/logger"
)

// Endpoint paths relative to the base URL.
const (
	PathDriverProfiles = "/parks/driver-profiles/list"
	PathBalances       = "/parks/driver-profiles/balances/list"
	PathOrders         = "/parks/orders/list"
)

const (
	defaultPageLimit  = 1000
	defaultMaxRetries = 6
	defaultTimeout    = 40 * time.Second
	maxErrorBody      = 512
)

// Capabilities switches on the extended endpoints.
type Capabilities struct {
	Balances bool
	Orders   bool
}

// Credentials authenticate requests.
type Credentials struct {
	ParkID   string
	ClientID string
	APIKey   string
}

// merge returns c with every non-empty field of o applied on top.
func (c Credentials) merge(o Credentials) Credentials {
	if o.ParkID != "" {
		c.ParkID = o.ParkID
	}
	if o.ClientID != "" {
		c.ClientID = o.ClientID
	}
	if o.APIKey != "" {
		c.APIKey = o.APIKey
	}
	return c
}

func (c Credentials) complete() bool {
	return c.ParkID != "" && c.ClientID != "" && c.APIKey != ""
}

// Observer receives request level measurements.
type Observer interface {
	ObserveRequest(endpoint string, code int, took time.Duration)
	ObserveRateLimited(endpoint string)
}

// Options configures New.
type Options struct {
	BaseURL     string
	Credentials Credentials
	// Overrides, when set, is consulted on every request; non-empty values
	// replace the static credentials so admins can rotate keys at runtime.
	Overrides func(ctx context.Context) Credentials

	PageLimit  int
	MaxRetries int
	Timeout    time.Duration
	// RequestsPerSecond throttles requests before they are sent; 0 disables.
	RequestsPerSecond float64
	Capabilities      Capabilities

	HTTPClient *http.Client
	Observer   Observer
	// Sleep waits between 429 retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client is safe for concurrent use. Paginated sweeps additionally
// serialize through BeginSweep.
type Client struct {
	baseURL    string
	creds      Credentials
	overrides  func(ctx context.Context) Credentials
	pageLimit  int
	maxRetries int
	caps       Capabilities
	http       *http.Client
	limiter    *rate.Limiter
	observer   Observer
	sleep      func(ctx context.Context, d time.Duration) error
	sweepSlot  chan struct{}
}

// New builds a Client, filling zero options with defaults.
func New(opts Options) *Client {
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = httpclient.New(httpclient.Options{
			Timeout:         opts.Timeout,
			ResponseTimeout: opts.Timeout,
		})
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		creds:      opts.Credentials,
		overrides:  opts.Overrides,
		pageLimit:  opts.PageLimit,
		maxRetries: opts.MaxRetries,
		caps:       opts.Capabilities,
		http:       hc,
		limiter:    limiter,
		observer:   opts.Observer,
		sleep:      sleep,
		sweepSlot:  make(chan struct{}, 1),
	}
}

// PageLimit is the page size used by sweeps.
func (c *Client) PageLimit() int { return c.pageLimit }

// Capabilities reports the enabled extended endpoints.
func (c *Client) Capabilities() Capabilities { return c.caps }

// BeginSweep takes the process-wide sweep slot, waiting while another sweep
// holds it. The returned release must be called exactly once.
func (c *Client) BeginSweep(ctx context.Context) (func(), error) {
	select {
	case c.sweepSlot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-c.sweepSlot })
	}, nil
}

// Query selects one page of driver profiles.
type Query struct {
	Offset int
	Limit  int
	// DriverID narrows the listing to a single driver.
	DriverID string
}

// Page is one fetched page.
type Page struct {
	Profiles []Profile
	// Received counts raw entries, including ones Normalize dropped.
	Received int
	Limit    int
	// OldestCreated is the oldest creation time among raw entries.
	OldestCreated *time.Time
}

// Short reports whether this is the last page.
func (p Page) Short() bool {
	return p.Received == 0 || p.Received < p.Limit
}

type parkFilter struct {
	ID            string       `json:"id"`
	DriverProfile *idFilter    `json:"driver_profile,omitempty"`
	Order         *orderFilter `json:"order,omitempty"`
}

type idFilter struct {
	ID []string `json:"id"`
}

type listRequest struct {
	Fields map[string][]string `json:"fields,omitempty"`
	Query  struct {
		Park parkFilter `json:"park"`
	} `json:"query"`
	Limit     int         `json:"limit"`
	Offset    int         `json:"offset"`
	SortOrder []sortOrder `json:"sort_order,omitempty"`
}

type sortOrder struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

var profileFields = map[string][]string{
	"driver_profile": {"id", "first_name", "last_name", "phones", "work_status", "created_date"},
	"car":            {"brand", "model", "number", "callsign"},
	"accounts":       {"balance", "last_transaction_date"},
	"current_status": {"status"},
}

type listResponse struct {
	DriverProfiles []rawProfile `json:"driver_profiles"`
	Total          int          `json:"total"`
}

// FetchPage requests one page sorted by creation date, newest first.
func (c *Client) FetchPage(ctx context.Context, q Query) (Page, error) {
	if q.Limit <= 0 {
		q.Limit = c.pageLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	creds, err := c.credentials(ctx)
	if err != nil {
		return Page{}, err
	}

	var body listRequest
	body.Fields = profileFields
	body.Query.Park.ID = creds.ParkID
	if q.DriverID != "" {
		body.Query.Park.DriverProfile = &idFilter{ID: []string{q.DriverID}}
	}
	body.Limit = q.Limit
	body.Offset = q.Offset
	body.SortOrder = []sortOrder{{Field: "driver_profile.created_date", Direction: "desc"}}

	var resp listResponse
	if err := c.post(ctx, creds, PathDriverProfiles, body, &resp); err != nil {
		return Page{}, err
	}

	page := Page{
		Received: len(resp.DriverProfiles),
		Limit:    q.Limit,
		Profiles: make([]Profile, 0, len(resp.DriverProfiles)),
	}
	skipped := 0
	for _, raw := range resp.DriverProfiles {
		if ts := raw.createdAt(); ts != nil && (page.OldestCreated == nil || ts.Before(*page.OldestCreated)) {
			page.OldestCreated = ts
		}
		p, ok := Normalize(raw)
		if !ok {
			skipped++
			continue
		}
		page.Profiles = append(page.Profiles, p)
	}

	logger.Debug(ctx, logger.CompFleet, "fleet.page",
		slog.String("status", "ok"),
		slog.Int("offset", q.Offset),
		slog.Int("limit", q.Limit),
		slog.Int("received", page.Received),
		slog.Int("skipped", skipped),
	)
	return page, nil
}

// FetchDriver returns the profile of a single driver.
func (c *Client) FetchDriver(ctx context.Context, driverID string) (Profile, error) {
	if strings.TrimSpace(driverID) == "" {
		return Profile{}, ErrNotFound
	}
	page, err := c.FetchPage(ctx, Query{Limit: 1, DriverID: driverID})
	if err != nil {
		return Profile{}, err
	}
	for _, p := range page.Profiles {
		if p.DriverID == driverID {
			return p, nil
		}
	}
	return Profile{}, ErrNotFound
}

type balancesResponse struct {
	DriverProfiles []rawProfile `json:"driver_profiles"`
}

// GetBalance reads the current balance from the balances endpoint.
func (c *Client) GetBalance(ctx context.Context, driverID string) (float64, error) {
	if !c.caps.Balances {
		return 0, ErrUnsupported
	}
	creds, err := c.credentials(ctx)
	if err != nil {
		return 0, err
	}
	var body listRequest
	body.Query.Park.ID = creds.ParkID
	body.Query.Park.DriverProfile = &idFilter{ID: []string{driverID}}
	body.Limit = 1

	var resp balancesResponse
	if err := c.post(ctx, creds, PathBalances, body, &resp); err != nil {
		return 0, err
	}
	for _, raw := range resp.DriverProfiles {
		if raw.DriverProfile != nil && raw.DriverProfile.ID == driverID && len(raw.Accounts) > 0 {
			return float64(raw.Accounts[0].Balance), nil
		}
	}
	return 0, ErrNotFound
}

// Order is a finished trip.
type Order struct {
	ID      string
	Status  string
	EndedAt *time.Time
	Price   float64
}

type orderFilter struct {
	EndedAt  timeRange `json:"ended_at"`
	Statuses []string  `json:"statuses,omitempty"`
}

type timeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ordersResponse struct {
	Orders []struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		EndedAt string `json:"ended_at"`
		Price   Number `json:"price"`
	} `json:"orders"`
}

// RecentOrders lists completed orders of a driver that ended after since.
func (c *Client) RecentOrders(ctx context.Context, driverID string, since time.Time) ([]Order, error) {
	if !c.caps.Orders {
		return nil, ErrUnsupported
	}
	creds, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}
	var body listRequest
	body.Query.Park.ID = creds.ParkID
	body.Query.Park.DriverProfile = &idFilter{ID: []string{driverID}}
	body.Query.Park.Order = &orderFilter{
		EndedAt: timeRange{
			From: since.UTC().Format(time.RFC3339),
			To:   time.Now().UTC().Format(time.RFC3339),
		},
		Statuses: []string{"complete"},
	}
	body.Limit = 500

	var resp ordersResponse
	if err := c.post(ctx, creds, PathOrders, body, &resp); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		orders = append(orders, Order{
			ID:      o.ID,
			Status:  o.Status,
			EndedAt: ParseTimestamp(o.EndedAt),
			Price:   float64(o.Price),
		})
	}
	return orders, nil
}

// LatestOrder returns the most recently ended order, if any.
func LatestOrder(orders []Order) (Order, bool) {
	var (
		best  Order
		found bool
	)
	for _, o := range orders {
		if o.EndedAt == nil {
			continue
		}
		if !found || o.EndedAt.After(*best.EndedAt) {
			best, found = o, true
		}
	}
	return best, found
}

func (c *Client) credentials(ctx context.Context) (Credentials, error) {
	creds := c.creds
	if c.overrides != nil {
		creds = creds.merge(c.overrides(ctx))
	}
	if !creds.complete() {
		return Credentials{}, ErrNoCredentials
	}
	return creds, nil
}

// post sends body and decodes a 2xx response into out. 429 responses are
// retried up to maxRetries times with BackoffDelay between attempts.
func (c *Client) post(ctx context.Context, creds Credentials, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("fleet: encode %s: %w", path, err)
	}

	for retry := 0; ; retry++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		code, retryAfter, err := c.send(ctx, creds, path, payload, out)
		if err == nil {
			return nil
		}
		if code != http.StatusTooManyRequests {
			return err
		}
		if c.observer != nil {
			c.observer.ObserveRateLimited(path)
		}
		if retry >= c.maxRetries {
			logger.Error(ctx, logger.CompFleet, "fleet.rate_limited",
				slog.String("status", "rate_limited"),
				slog.String("op", path),
				slog.Int("attempts", retry+1),
			)
			return fmt.Errorf("%s after %d attempts: %w", path, retry+1, ErrRateLimited)
		}
		delay := BackoffDelay(retry, retryAfter)
		logger.Warn(ctx, logger.CompFleet, "fleet.backoff",
			slog.String("status", "retry"),
			slog.String("op", path),
			slog.Int("retry", retry+1),
			slog.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// send performs a single attempt. It returns the HTTP status (0 on
// transport failure) and the Retry-After header for 429s.
func (c *Client) send(ctx context.Context, creds Credentials, path string, payload []byte, out any) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("fleet: build request: %w", err)
	}
	req.Header.Set("X-API-Key", creds.APIKey)
	req.Header.Set("X-Client-ID", creds.ClientID)
	req.Header.Set("X-Park-ID", creds.ParkID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if c.observer != nil {
			c.observer.ObserveRequest(path, 0, time.Since(start))
		}
		return 0, "", fmt.Errorf("fleet: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if c.observer != nil {
		c.observer.ObserveRequest(path, resp.StatusCode, time.Since(start))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, resp.Header.Get("Retry-After"), &APIError{Endpoint: path, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, "", &APIError{Endpoint: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, "", fmt.Errorf("fleet: decode %s: %w", path, err)
	}
	return resp.StatusCode, "", nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRateLimited reports whether err came from an exhausted 429 budget.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
