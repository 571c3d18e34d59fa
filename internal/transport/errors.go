package transport

import "errors"

// The transport error taxonomy from spec.md §7. Callers branch on these
// with errors.Is; none of them wrap an HTTP status that merits surfacing
// to the handler's caller — they're all either transient-and-retried or
// policy-level "there was nothing to do".
var (
	// ErrRateLimited is returned when acquisition answers 429. Callers
	// must back off 5s before trying again.
	ErrRateLimited = errors.New("transport: rate limited")

	// ErrNoJobs is returned for acquisition 204/400 (fast-boot). Not an
	// error condition; callers should resume their poll cadence with no
	// extra delay.
	ErrNoJobs = errors.New("transport: no jobs available")

	// ErrTransient wraps network errors and 5xx/other 4xx responses that
	// should be logged and retried after a brief delay.
	ErrTransient = errors.New("transport: transient failure")
)
