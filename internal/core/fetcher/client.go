package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/core/engine"
)

const (
	profilePath     = "/v1/profile/"
	maxProfileBytes = 1 << 20
)

// StatusError reports a non-200 answer from the profile service.
type StatusError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("profile service returned %s (retry after %s)", e.Status, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("profile service returned %s", e.Status)
}

// Unwrap hands a Retry-After hint to retry policies.
func (e *StatusError) Unwrap() error {
	if e.RetryAfter <= 0 {
		return nil
	}
	return &backoff.RetryAfterError{Duration: e.RetryAfter}
}

// ProfileClient fetches public profiles from the remote profile service.
type ProfileClient struct {
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Client    *http.Client
	Limiter   *engine.HostLimiter
}

// GetProfile requests the profile of recipientID and returns the raw body.
// Decoding is left to the caller.
func (c *ProfileClient) GetProfile(ctx context.Context, recipientID core.RecipientID) (any, error) {
	if c == nil || strings.TrimSpace(c.BaseURL) == "" {
		return nil, errors.New("profile client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := c.profileURL(recipientID)
	if err != nil {
		return nil, err
	}
	host := core.ServiceHostOf(target)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if c.Username != "" || c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	if err := c.Limiter.Reserve(ctx, host); err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request profile: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup on HTTP response body

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
		if err != nil {
			return nil, fmt.Errorf("read profile: %w", err)
		}
		return body, nil
	case http.StatusTooManyRequests:
		wait := retryAfterHeader(resp)
		statusErr := &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, RetryAfter: wait}
		if err := c.Limiter.Cooldown(ctx, host, wait); err != nil {
			return nil, errors.Join(statusErr, err)
		}
		return nil, statusErr
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

func (c *ProfileClient) profileURL(recipientID core.RecipientID) (*url.URL, error) {
	base, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid profile service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid profile service url %q", c.BaseURL)
	}

	id := strings.TrimSpace(recipientID.String())
	if id == "" {
		return nil, errors.New("recipient id is required")
	}

	target := *base
	target.Path = base.Path + profilePath + id
	target.RawPath = base.EscapedPath() + profilePath + url.PathEscape(id)
	return &target, nil
}
