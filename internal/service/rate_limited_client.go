package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ledgersync/internal/client/accounting"
	"ledgersync/internal/models"
	"ledgersync/internal/observability"
)

// PageFetcher is the raw accounting API surface.
type PageFetcher interface {
	FetchPage(ctx context.Context, entity models.EntityType, since time.Time, pageToken string) (accounting.Page, error)
}

type PageResult struct {
	Records       []json.RawMessage
	NextPageToken string
	Requested     int
	RateLimited   bool
	RateLimitHits int
	APICalls      int
}

type RateLimitOptions struct {
	MinCallInterval        time.Duration
	MaxRetries             int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	RateLimitBackoffFactor float64
}

// RateLimitedClient throttles every caller through one token bucket and retries
// rate-limited and transient failures. It is the only place retries happen.
type RateLimitedClient struct {
	api     PageFetcher
	limiter *rate.Limiter
	opts    RateLimitOptions
	logger  *zap.Logger
}

func NewRateLimitedClient(api PageFetcher, opts RateLimitOptions, logger *zap.Logger) *RateLimitedClient {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.RateLimitBackoffFactor < 1 {
		opts.RateLimitBackoffFactor = 1
	}
	limit := rate.Inf
	if opts.MinCallInterval > 0 {
		limit = rate.Every(opts.MinCallInterval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitedClient{
		api:     api,
		limiter: rate.NewLimiter(limit, 1),
		opts:    opts,
		logger:  logger,
	}
}

// FetchPage fetches one page, absorbing up to MaxRetries rate-limit or transient failures.
// A deadline on ctx surfaces as ErrSyncTimeout.
func (c *RateLimitedClient) FetchPage(ctx context.Context, entity models.EntityType, since time.Time, pageToken string) (PageResult, error) {
	ctx, span := observability.StartClientSpan(ctx, string(entity), attribute.String("page_token", pageToken))
	defer span.End()

	var result PageResult
	var lastRetryAfter time.Duration
	bo := c.newBackOff()

	page, err := backoff.Retry(ctx, func() (accounting.Page, error) {
		if err := c.wait(ctx); err != nil {
			return accounting.Page{}, backoff.Permanent(err)
		}
		result.APICalls++
		page, err := c.api.FetchPage(ctx, entity, since, pageToken)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return accounting.Page{}, backoff.Permanent(ctx.Err())
		}
		var apiErr *accounting.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.RateLimited():
			result.RateLimited = true
			result.RateLimitHits++
			lastRetryAfter = apiErr.RetryAfter
			bo.next(true, apiErr.RetryAfter)
			return accounting.Page{}, err
		case errors.As(err, &apiErr) && !apiErr.Temporary():
			return accounting.Page{}, backoff.Permanent(err)
		default:
			bo.next(false, 0)
			return accounting.Page{}, err
		}
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("accounting api retry",
				zap.String("entity", string(entity)),
				zap.String("page_token", pageToken),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	span.SetAttributes(
		attribute.Int("api_calls", result.APICalls),
		attribute.Int("rate_limit_hits", result.RateLimitHits),
	)
	if err != nil {
		err = c.classify(ctx, entity, result, lastRetryAfter, err)
		observability.RecordError(span, err)
		return result, err
	}
	result.Records = page.Records
	result.NextPageToken = page.NextPageToken
	result.Requested = page.Requested
	span.SetAttributes(attribute.Int("records", len(page.Records)))
	return result, nil
}

func (c *RateLimitedClient) classify(ctx context.Context, entity models.EntityType, result PageResult, retryAfter time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: fetching %s: %v", ErrSyncTimeout, entity, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *accounting.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited() {
			return &RateLimitedError{Entity: entity, Hits: result.RateLimitHits, RetryAfter: retryAfter, Err: err}
		}
		if !apiErr.Temporary() {
			return fmt.Errorf("fetch %s: %w", entity, err)
		}
	}
	return &TransientAPIError{Entity: entity, Attempts: result.APICalls, Err: err}
}

// wait blocks for a throttle token. A token that would arrive after the deadline
// fails immediately as a deadline error.
func (c *RateLimitedClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if _, ok := ctx.Deadline(); ok {
			return context.DeadlineExceeded
		}
		return err
	}
	return nil
}

func (c *RateLimitedClient) newBackOff() *pageBackOff {
	transient := backoff.NewExponentialBackOff()
	transient.InitialInterval = c.opts.InitialBackoff
	transient.MaxInterval = c.opts.MaxBackoff
	transient.Multiplier = 2
	transient.RandomizationFactor = 0

	limited := backoff.NewExponentialBackOff()
	limited.InitialInterval = time.Duration(float64(c.opts.InitialBackoff) * c.opts.RateLimitBackoffFactor)
	limited.MaxInterval = time.Duration(float64(c.opts.MaxBackoff) * c.opts.RateLimitBackoffFactor)
	limited.Multiplier = 2
	limited.RandomizationFactor = 0

	return &pageBackOff{transient: transient, limited: limited}
}

// pageBackOff keeps two doubling schedules: a longer one for rate-limit responses
// and a shorter one for transient failures. A server Retry-After acts as a floor.
type pageBackOff struct {
	transient   *backoff.ExponentialBackOff
	limited     *backoff.ExponentialBackOff
	rateLimited bool
	retryAfter  time.Duration
}

func (b *pageBackOff) next(rateLimited bool, retryAfter time.Duration) {
	b.rateLimited = rateLimited
	b.retryAfter = retryAfter
}

func (b *pageBackOff) Reset() {
	b.transient.Reset()
	b.limited.Reset()
	b.rateLimited = false
	b.retryAfter = 0
}

func (b *pageBackOff) NextBackOff() time.Duration {
	var wait time.Duration
	if b.rateLimited {
		wait = b.limited.NextBackOff()
	} else {
		wait = b.transient.NextBackOff()
	}
	if wait == backoff.Stop {
		return wait
	}
	if b.retryAfter > wait {
		wait = b.retryAfter
	}
	b.retryAfter = 0
	return wait
}
