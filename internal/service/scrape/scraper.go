package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/castwatch/telemetry/internal/domain"
)

const scrapeBackoffBase = 250 * time.Millisecond

// Scraper polls the upstream server's exposition and usage endpoints. Every
// request carries a timeout; the metrics fetch retries transient failures a
// bounded number of times and then gives up, aborting the cycle.
type Scraper struct {
	client  *http.Client
	baseURL string
	retries uint64
	logger  *slog.Logger
}

// NewScraper constructs a Scraper against baseURL (e.g. http://soketi:9601).
func NewScraper(baseURL string, timeout time.Duration, retries int, logger *slog.Logger) *Scraper {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if logger != nil {
		logger = logger.With("component", "scraper")
	}
	return &Scraper{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		retries: uint64(retries),
		logger:  logger,
	}
}

// FetchMetrics retrieves and parses the exposition payload. Timeouts and 5xx
// responses are retried with exponential backoff up to the configured
// attempt budget; other HTTP errors fail immediately.
func (s *Scraper) FetchMetrics(ctx context.Context) ([]domain.RawSample, error) {
	var samples []domain.RawSample
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(scrapeBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, err := s.fetch(ctx, s.baseURL+"/metrics")
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("metrics fetch failed", "error", err)
			}
			return err
		}
		defer body.Close()
		parsed, err := ParseExposition(body)
		if err != nil {
			return retry.RetryableError(err)
		}
		samples = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch metrics: %w", err)
	}
	return samples, nil
}

// FetchUsage retrieves the optional usage document. Callers treat a failure
// here as non-fatal.
func (s *Scraper) FetchUsage(ctx context.Context) (json.RawMessage, error) {
	body, err := s.fetch(ctx, s.baseURL+"/usage")
	if err != nil {
		return nil, fmt.Errorf("fetch usage: %w", err)
	}
	defer body.Close()
	payload, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read usage payload: %w", err)
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("usage payload is not valid JSON")
	}
	return json.RawMessage(payload), nil
}

func (s *Scraper) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		err := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		if resp.StatusCode >= 500 {
			return nil, retry.RetryableError(err)
		}
		return nil, err
	}
	return resp.Body, nil
}
