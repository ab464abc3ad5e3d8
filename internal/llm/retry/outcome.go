package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	llmerrors "github.com/ahrav/go-annotator/internal/llm/errors"
)

// OutcomeKind is the disposition of one envelope call.
type OutcomeKind int

const (
	// OutcomeSuccess carries the generated text.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry means the unit must be re-submitted after RetryAfter.
	OutcomeRetry
	// OutcomeTerminal means the unit cannot succeed and must be recorded as
	// an error.
	OutcomeTerminal
)

// String returns the kind name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetry:
		return "retry"
	case OutcomeTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the result of an envelope call expressed as a value rather than
// an error to be interpreted by whoever re-submits work.
type Outcome struct {
	Kind       OutcomeKind
	Text       string
	RetryAfter time.Duration
	Reason     string
	Err        error
}

// Success returns a success outcome.
func Success(text string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Text: text}
}

// Retry returns a re-submission outcome.
func Retry(after time.Duration, err error) Outcome {
	o := Outcome{Kind: OutcomeRetry, RetryAfter: after, Err: err}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}

// Terminal returns a terminal outcome.
func Terminal(err error) Outcome {
	o := Outcome{Kind: OutcomeTerminal, Err: err}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}

// IsSuccess reports whether the call produced text.
func (o Outcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }

// ToOutcome maps the envelope's typed failure to an Outcome.
//
//   - nil: success with text.
//   - RateLimitError: retry after its RetryAfter.
//   - InvalidRequestError: terminal.
//   - ctx ended: terminal with the context error.
//   - anything else, GenericAPIError included: retry after resubmitDelay.
//
// Only the caller's ctx decides cancellation; a per-attempt timeout inside
// the envelope is an ordinary retryable failure.
func ToOutcome(ctx context.Context, text string, err error, resubmitDelay time.Duration) Outcome {
	if err == nil {
		return Success(text)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Terminal(fmt.Errorf("%w: %w", ctxErr, err))
	}
	if llmerrors.IsInvalidRequest(err) {
		return Terminal(err)
	}
	var rl *llmerrors.RateLimitError
	if errors.As(err, &rl) {
		after := rl.RetryAfter
		if after <= 0 {
			after = resubmitDelay
		}
		return Retry(after, err)
	}
	return Retry(resubmitDelay, err)
}
