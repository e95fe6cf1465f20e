package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ValidationError reports malformed or out-of-range input: a non-positive
// payment, an overpayment, a negative item amount.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError reports an id that does not resolve.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

// ConflictError reports a state conflict: deleting a bill with payments, or a
// lost optimistic-version race.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// StoreUnavailableError reports a transient store failure, safe to retry.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// PropagationFailure identifies one link write that did not apply.
type PropagationFailure struct {
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	Reason     string    `json:"reason"`
}

// PartialPropagationError reports an incompletely applied cross-entity
// fan-out. The primary bill operation has already succeeded; the failed links
// are left as pending intents and can be replayed via reconciliation.
type PartialPropagationError struct {
	BillID uuid.UUID
	Failed []PropagationFailure
}

func (e *PartialPropagationError) Error() string {
	return fmt.Sprintf("bill %s: %d link propagation(s) failed", e.BillID, len(e.Failed))
}

func errNoBill() *NotFoundError {
	return &NotFoundError{Msg: "No bill found with that ID"}
}

// classifyStoreErr maps low-level store failures onto the error taxonomy.
// pgx.ErrNoRows becomes NotFoundError; context deadlines and connection-level
// failures become StoreUnavailableError; anything else passes through.
func classifyStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoBill()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &StoreUnavailableError{Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57 operator intervention
		// (shutdown), 53 insufficient resources. All transient.
		switch pgErr.Code[:2] {
		case "08", "57", "53":
			return &StoreUnavailableError{Err: err}
		}
		return err
	}
	if pgconn.Timeout(err) {
		return &StoreUnavailableError{Err: err}
	}
	return err
}
