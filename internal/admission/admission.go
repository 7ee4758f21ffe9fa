// Package admission implements the Admission Controller (C5): the gate a
// request must clear before it reaches authentication or the pipeline.
// Three independent checks run in a fixed order -- payload size, then
// per-IP and per-session rate limits, then queue backpressure -- mirroring
// the ordered condition checks of the teacher's rate_limit.go
// (CheckRateLimit's circuit-breaker-then-memory-then-rate sequence).
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scrybe/internal/cache"
)

// Reason names why a request was rejected, used both in the HTTP response
// and as the admission_rejections_total{reason} metric label.
type Reason string

const (
	ReasonPayloadTooLarge Reason = "payload_too_large"
	ReasonIPRateLimited   Reason = "ip_rate_limited"
	ReasonSessionRateLimited Reason = "session_rate_limited"
	ReasonQueueFull       Reason = "queue_full"
)

// Rejection is returned when a request is not admitted.
type Rejection struct {
	Reason     Reason
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("admission rejected: %s", r.Reason)
}

// AsRejection unwraps err into a *Rejection, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// Config configures the Controller's limits.
type Config struct {
	MaxBodyBytes   int64
	PerIPRate      int           // requests per window
	PerIPBurst     int           // additional burst allowance
	PerSessionRate int           // requests per window, per session
	Window         time.Duration // rate-limit window, default 1s
	QueueCapacity  int           // bounded ingress channel capacity
}

// QueueDepther reports the current depth of the pipeline's bounded
// ingress channel, so admission can reject before the channel blocks.
type QueueDepther interface {
	QueueDepth() int
}

// Controller gates requests before they reach authentication. It holds no
// state of its own beyond configuration: rate counters live in the Cache
// (C2), so admission decisions are consistent across multiple gateway
// instances sharing one Redis cache.
type Controller struct {
	cfg   Config
	cache cache.Cache
	queue QueueDepther
}

// New constructs a Controller. queue may be nil if backpressure checks
// are not applicable (e.g. in tests).
func New(cfg Config, c cache.Cache, queue QueueDepther) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &Controller{cfg: cfg, cache: c, queue: queue}
}

// MaxBodyBytes returns the configured body-size ceiling, so callers that
// must bound a read (rather than just check a known size) can size their
// reader without reaching into Config directly.
func (c *Controller) MaxBodyBytes() int64 {
	return c.cfg.MaxBodyBytes
}

// CheckBodySize rejects a request whose declared or observed body size
// exceeds the configured ceiling. Checked first, before any cache round
// trip, since it is the cheapest possible rejection.
func (c *Controller) CheckBodySize(size int64) error {
	if c.cfg.MaxBodyBytes > 0 && size > c.cfg.MaxBodyBytes {
		return &Rejection{Reason: ReasonPayloadTooLarge}
	}
	return nil
}

// CheckRate enforces the per-IP and, if sessionID is non-empty, the
// per-session rate ceiling, via the Cache's atomic increment-with-TTL
// primitive. A window's first request creates the counter with an
// expiry; every subsequent request in the same window just increments.
func (c *Controller) CheckRate(ctx context.Context, hashedIP, sessionID string) error {
	if c.cfg.PerIPRate > 0 {
		n, err := c.cache.IncrRate(ctx, "ip:"+hashedIP, c.cfg.Window)
		if err != nil {
			return fmt.Errorf("checking ip rate: %w", err)
		}
		if int(n) > c.cfg.PerIPRate+c.cfg.PerIPBurst {
			return &Rejection{Reason: ReasonIPRateLimited, RetryAfter: c.cfg.Window}
		}
	}

	if sessionID != "" && c.cfg.PerSessionRate > 0 {
		n, err := c.cache.IncrRate(ctx, "session:"+sessionID, c.cfg.Window)
		if err != nil {
			return fmt.Errorf("checking session rate: %w", err)
		}
		if int(n) > c.cfg.PerSessionRate {
			return &Rejection{Reason: ReasonSessionRateLimited, RetryAfter: c.cfg.Window}
		}
	}
	return nil
}

// CheckBackpressure rejects with 503 semantics (queue_full) when the
// pipeline's bounded ingress channel is already at capacity, so the
// gateway never blocks a request handler waiting on channel send.
func (c *Controller) CheckBackpressure() error {
	if c.queue == nil || c.cfg.QueueCapacity <= 0 {
		return nil
	}
	if c.queue.QueueDepth() >= c.cfg.QueueCapacity {
		return &Rejection{Reason: ReasonQueueFull, RetryAfter: 100 * time.Millisecond}
	}
	return nil
}

// Admit runs all checks in order, short-circuiting on the first
// rejection, matching spec.md §4.2's ordered admission sequence: payload
// size, then rate limit, then queue backpressure.
func (c *Controller) Admit(ctx context.Context, bodySize int64, hashedIP, sessionID string) error {
	if err := c.CheckBodySize(bodySize); err != nil {
		return err
	}
	if err := c.CheckRate(ctx, hashedIP, sessionID); err != nil {
		return err
	}
	if err := c.CheckBackpressure(); err != nil {
		return err
	}
	return nil
}
