// Package coreerrors names the error kinds the executor's components use to
// decide how to react to a failure: retry, absorb into a counter, engage a
// latch, or abort startup. Kinds are sentinel values wrapped with
// fmt.Errorf("...: %w", err) at the call site, matching the plain error
// handling used throughout the exchange client this system is built on top
// of — no typed-errors package, no multierr.
package coreerrors

import "errors"

var (
	// ErrTransientNetwork covers timeouts and connection resets on any
	// REST/websocket call. Callers retry with backoff.
	ErrTransientNetwork = errors.New("transient_network")

	// ErrRateLimitedByVenue means the exchange itself rejected the call
	// for exceeding its own budget (as opposed to our local limiter
	// denying admission before the call was even made).
	ErrRateLimitedByVenue = errors.New("rate_limited_by_venue")

	// ErrPostOnlyReject is Binance -5022: a GTX order would have crossed
	// the book and was rejected instead of filling as taker.
	ErrPostOnlyReject = errors.New("post_only_reject")

	// ErrDuplicateClientID means the venue already has an order with
	// this clientOrderId in its 7-day dedup window.
	ErrDuplicateClientID = errors.New("duplicate_client_id")

	// ErrOrderNotFound means a cancel targeted an order the venue no
	// longer knows about (already terminal or never existed).
	ErrOrderNotFound = errors.New("order_not_found")

	// ErrPrecisionViolation means qty/price failed venue-side tick/step
	// validation, most likely from a stale local snapshot.
	ErrPrecisionViolation = errors.New("precision_violation")

	// ErrReduceOnlyViolation means the venue rejected an order for
	// increasing exposure; the local position cache was stale.
	ErrReduceOnlyViolation = errors.New("reduce_only_violation")

	// ErrExternalConflict marks a protective-stop takeover: another
	// live reduce-only stop/take-profit already exists on this side.
	ErrExternalConflict = errors.New("external_conflict")

	// ErrFatalConfig aborts initialization before the main loop starts.
	ErrFatalConfig = errors.New("fatal_config")

	// ErrFatalAuth aborts initialization: credentials rejected by the
	// venue.
	ErrFatalAuth = errors.New("fatal_auth")
)

// Retryable reports whether err (or something it wraps) is one of the two
// kinds that should be retried with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrRateLimitedByVenue)
}

// Fatal reports whether err should abort initialization rather than enter
// the main loop.
func Fatal(err error) bool {
	return errors.Is(err, ErrFatalConfig) || errors.Is(err, ErrFatalAuth)
}
