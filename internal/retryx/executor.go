package retryx

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Attempt is one upstream call's outcome: either a response (status code
// plus a short body snippet used for retryable-text matching) or a
// transport-level error.
type Attempt struct {
	Status      int
	BodySnippet string
	Err         error
}

// Result is what the executor hands back once the per-account retry budget
// is spent or a non-retryable outcome is reached — it never decides account
// rotation, that's the forwarding engine's job one layer up.
type Result struct {
	Last     Attempt
	Attempts int
}

// OperationFunc performs one upstream call for the given attempt index
// (0-based).
type OperationFunc func(ctx context.Context, attempt int) Attempt

// Execute runs opFn up to cfg.TotalAttempts() times, backing off between
// retryable attempts. It stops as soon as an attempt is not retryable
// (success, non-retryable error, or non-retryable status).
func Execute(ctx context.Context, cfg Config, accountID string, opFn OperationFunc) Result {
	var last Attempt
	attempts := 0

	for attempt := 0; attempt < cfg.TotalAttempts(); attempt++ {
		attempts++

		if attempt > 0 {
			backoff := cfg.Backoff(attempt)
			log.Debug().Str("account_id", accountID).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("retrying upstream call")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				last = Attempt{Err: ctx.Err()}
				return Result{Last: last, Attempts: attempts}
			}
		}

		last = opFn(ctx, attempt)

		if !shouldRetry(last) {
			break
		}
	}

	return Result{Last: last, Attempts: attempts}
}

func shouldRetry(a Attempt) bool {
	if a.Err != nil {
		return ShouldRetryTransportError(a.Err.Error())
	}
	if a.Status >= 200 && a.Status < 300 {
		return false
	}
	return ShouldRetryResponse(a.Status, a.BodySnippet)
}
