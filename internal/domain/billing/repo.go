package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BillPatch carries the mutable fields of an update. Nil means "leave as
// stored".
type BillPatch struct {
	Items    *[]BillItem
	Discount *float64
}

type BillRepository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	List(ctx context.Context, f BillFilter, limit, offset int) ([]*Bill, int, error)
	// UpdateDerived applies the patch and re-derives the computed fields
	// against the persisted payment total, all under a per-bill lock.
	UpdateDerived(ctx context.Context, id uuid.UUID, patch BillPatch) (*Bill, error)
	// DeleteGuarded removes the bill unless any payment references it, in
	// which case it fails with ConflictError. Returns the deleted bill so
	// the caller can detach its links.
	DeleteGuarded(ctx context.Context, id uuid.UUID) (*Bill, error)
	// RecordPayment appends the payment and updates the owning bill's
	// derived state as one atomic unit, serialized per bill. A retry with
	// the same transaction id returns the already-recorded payment.
	RecordPayment(ctx context.Context, p *Payment) (*Payment, *Bill, error)
}

type PaymentRepository interface {
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error)
}

type IntentRepository interface {
	Record(ctx context.Context, intents []*LinkIntent) error
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkAttempted(ctx context.Context, id uuid.UUID) error
	ListPending(ctx context.Context, billID uuid.UUID) ([]*LinkIntent, error)
}

type StatsRepository interface {
	BillStatistics(ctx context.Context, start, end *time.Time) (*Statistics, error)
	PaymentBreakdown(ctx context.Context, start, end *time.Time) (map[string]MethodStats, error)
}
