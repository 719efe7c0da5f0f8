// Package retry retries single remote calls that fail with transient errors.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

// Policy is exponential backoff with jitter over a fixed attempt budget.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first. Minimum 1.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// JitterFactor randomizes each delay by up to ± this fraction (0.0 to 1.0).
	JitterFactor float64

	// OnRetry is called before each retry with the operation name.
	OnRetry func(operation string)

	// Logger receives a warning per retry.
	Logger zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns a policy of 5 attempts, 100ms initial delay doubling up to 5s.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
		Logger:       zerolog.Nop(),
	}
}

// Do calls fn until it succeeds, fails with a non-transient error, the
// attempt budget is spent, or ctx ends. The last error is returned.
func (p *Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := p.delay(attempt - 1)
			p.Logger.Warn().
				Err(err).
				Str("operation", operation).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying transient store error")
			if p.OnRetry != nil {
				p.OnRetry(operation)
			}
			if werr := p.wait(ctx, delay); werr != nil {
				return werr
			}
		}

		err = fn(ctx)
		if err == nil || !IsTransient(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// delay computes the wait before retry number retry (0-based).
func (p *Policy) delay(retry int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retry))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		d += d * p.JitterFactor * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (p *Policy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transientCodes are service error codes worth retrying.
var transientCodes = map[string]bool{
	"ThrottlingException":                    true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"TransactionInProgressException":         true,
}

// transientReasons are cancellation reasons that do not depend on item state.
var transientReasons = map[string]bool{
	"ThrottlingError":               true,
	"ProvisionedThroughputExceeded": true,
	"TransactionConflict":           true,
	"RequestLimitExceeded":          true,
	"None":                          true,
}

// IsTransient reports whether err is a timeout, throttle, or service-side
// failure. Conditional failures, validation errors, and caller
// cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		if len(txErr.CancellationReasons) == 0 {
			return false
		}
		sawTransient := false
		for _, reason := range txErr.CancellationReasons {
			code := "None"
			if reason.Code != nil {
				code = *reason.Code
			}
			if !transientReasons[code] {
				return false
			}
			if code != "None" {
				sawTransient = true
			}
		}
		return sawTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return transientCodes[apiErr.ErrorCode()]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
