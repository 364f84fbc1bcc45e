package storage

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrLedgerNotFound is returned when a user has no spending ledger
	ErrLedgerNotFound = errors.New("spending ledger not found")

	// ErrLedgerWriteConflict is returned when a ledger write lost a
	// serialization race and may be retried
	ErrLedgerWriteConflict = errors.New("spending ledger write conflict")

	// ErrEventAlreadyCharged is returned when a charge names an event id
	// that the journal already holds. Nothing was applied.
	ErrEventAlreadyCharged = errors.New("usage event already charged")

	// ErrChargedEventNotFound is returned when the journal has no such event
	ErrChargedEventNotFound = errors.New("charged event not found")

	// ErrSubscriptionNotFound is returned when a user has no billable subscription
	ErrSubscriptionNotFound = errors.New("billing subscription not found")

	// ErrPricingNotFound is returned when a model has no pricing row
	ErrPricingNotFound = errors.New("model pricing not found")
)

// Postgres error codes that mean "retry the statement"
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"

	chargedEventsPrimaryKey = "charged_events_pkey"
)

// classifyWriteError maps retryable Postgres errors to ErrLedgerWriteConflict
// and a concurrent journal insert of the same event to ErrEventAlreadyCharged
func classifyWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected:
			return errors.Join(ErrLedgerWriteConflict, err)
		case pqUniqueViolation:
			if pqErr.Constraint == chargedEventsPrimaryKey {
				return errors.Join(ErrEventAlreadyCharged, err)
			}
		}
	}
	return err
}
