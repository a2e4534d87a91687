package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"compliance-watch/internal/storage"
)

// AuthorityOptions parameterise the authority API client.
type AuthorityOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries uint
	RateLimit  float64
	Burst      int
	UserAgent  string
	// RetryInitial overrides the first backoff interval.
	RetryInitial time.Duration
}

// Authority is the HTTP client for the tax authority compliance API.
type Authority struct {
	opts    AuthorityOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	healthy atomic.Bool
}

// NewAuthority constructs an authority client.
func NewAuthority(opts AuthorityOptions, logger zerolog.Logger) *Authority {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 1
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	a := &Authority{
		opts:    opts,
		logger:  logger.With().Str("component", "authority_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		limiter: rate.NewLimiter(limit, burst),
	}
	a.healthy.Store(true)
	return a
}

// Healthy reports whether the most recent call reached the authority.
func (a *Authority) Healthy() bool {
	return a.healthy.Load()
}

// GetFiscalStatus fetches whether the taxpayer is active.
func (a *Authority) GetFiscalStatus(ctx context.Context, entityID string) (*storage.FiscalStatus, error) {
	var out storage.FiscalStatus
	if err := a.get(ctx, entityID, "fiscal-status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRegistrationStatus fetches VAT registration.
func (a *Authority) GetRegistrationStatus(ctx context.Context, entityID string) (*storage.RegistrationStatus, error) {
	var out storage.RegistrationStatus
	if err := a.get(ctx, entityID, "registration", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEntityProfile fetches the taxpayer profile and obligations.
func (a *Authority) GetEntityProfile(ctx context.Context, entityID string) (*storage.TaxpayerProfile, error) {
	var out storage.TaxpayerProfile
	if err := a.get(ctx, entityID, "profile", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchSnapshot runs the three sub-checks in parallel. Sub-checks that fail
// are left nil; the call fails only when every sub-check failed.
func (a *Authority) FetchSnapshot(ctx context.Context, entityID string) (*storage.ComplianceSnapshot, error) {
	return CollectSnapshot(ctx, a, entityID, a.logger)
}

// CollectSnapshot assembles a snapshot from any DataSource.
func CollectSnapshot(ctx context.Context, src DataSource, entityID string, logger zerolog.Logger) (*storage.ComplianceSnapshot, error) {
	snap := &storage.ComplianceSnapshot{EntityID: entityID}
	var fiscalErr, regErr, profileErr error

	// Sub-check failures are collected, never returned: one failed endpoint
	// must not cancel the others.
	var g errgroup.Group
	g.Go(func() error {
		snap.Fiscal, fiscalErr = src.GetFiscalStatus(ctx, entityID)
		return nil
	})
	g.Go(func() error {
		snap.Registration, regErr = src.GetRegistrationStatus(ctx, entityID)
		return nil
	})
	g.Go(func() error {
		snap.Profile, profileErr = src.GetEntityProfile(ctx, entityID)
		return nil
	})
	_ = g.Wait()

	failures := map[string]error{"fiscal": fiscalErr, "registration": regErr, "profile": profileErr}
	for name, err := range failures {
		if err != nil {
			logger.Warn().Err(err).Str("entity_id", entityID).Str("sub_check", name).Msg("sub-check failed")
		}
	}

	if fiscalErr != nil && regErr != nil && profileErr != nil {
		if errors.Is(fiscalErr, ErrNotFound) && errors.Is(regErr, ErrNotFound) && errors.Is(profileErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch snapshot %s: %w", entityID, errors.Join(fiscalErr, regErr, profileErr))
	}

	snap.FetchedAt = time.Now().UTC()
	return snap, nil
}

func (a *Authority) get(ctx context.Context, entityID, resource string, out any) error {
	if a.baseURL == "" {
		return errors.New("authority base url not configured")
	}
	endpoint := fmt.Sprintf("%s/taxpayers/%s/%s", a.baseURL, url.PathEscape(entityID), resource)

	bo := backoff.NewExponentialBackOff()
	if a.opts.RetryInitial > 0 {
		bo.InitialInterval = a.opts.RetryInitial
	}

	payload, err := backoff.Retry(ctx, func() ([]byte, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return a.do(ctx, endpoint)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(a.opts.MaxRetries))

	var status *statusError
	switch {
	case err == nil:
		a.healthy.Store(true)
	case errors.As(err, &status) && status.code < http.StatusInternalServerError && status.code != http.StatusTooManyRequests:
		// the authority answered; the request itself was rejected
		a.healthy.Store(true)
	default:
		a.healthy.Store(false)
	}
	if err != nil {
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("authority %s: %w", resource, err)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}

func (a *Authority) do(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "compliancewatch/1.0")
	}
	if a.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		serr := parseHTTPError(resp.StatusCode, body)
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			a.logger.Debug().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("retryable authority response")
			return nil, serr
		}
		return nil, backoff.Permanent(serr)
	}
	return body, nil
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	if e.message == "" {
		return fmt.Sprintf("authority api error (%d)", e.code)
	}
	return fmt.Sprintf("authority api error (%d): %s", e.code, e.message)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return &statusError{code: status, message: apiErr.Message}
		}
		if apiErr.Error != "" {
			return &statusError{code: status, message: apiErr.Error}
		}
	}
	return &statusError{code: status, message: strings.TrimSpace(string(payload))}
}

var (
	_ DataSource     = (*Authority)(nil)
	_ SnapshotSource = (*Authority)(nil)
)
