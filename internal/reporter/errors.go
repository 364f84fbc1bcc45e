package reporter

import "errors"

var (
	// ErrReportingUnavailable means the billing platform could not take the
	// report right now. The report is retried later and never surfaced to
	// the end user.
	ErrReportingUnavailable = errors.New("usage reporting unavailable")

	// ErrReportRejected means the report can never succeed as submitted,
	// e.g. the user has no metered subscription item. It skips the retry
	// loop and goes straight to the dead letter queue.
	ErrReportRejected = errors.New("usage report rejected")

	// ErrAlreadyReported means the platform already holds a record for the
	// idempotency key, submitted with other parameters. The report counts
	// as delivered.
	ErrAlreadyReported = errors.New("usage already reported under this key")

	// ErrDeadLetterDisabled is returned by dead letter operations when no
	// dead letter queue is configured
	ErrDeadLetterDisabled = errors.New("dead letter queue not configured")
)

// IsPermanent reports whether retrying err cannot help
func IsPermanent(err error) bool {
	return errors.Is(err, ErrReportRejected)
}
