package billing

import (
	"time"

	"github.com/google/uuid"
)

// BillStatus is the derived settlement state of a bill.
type BillStatus string

const (
	StatusPending BillStatus = "pending"
	StatusPartial BillStatus = "partial"
	StatusPaid    BillStatus = "paid"
)

// BillItem maps to the bill_items table. Item order has no effect on totals.
type BillItem struct {
	ID       uuid.UUID `db:"id" json:"id"`
	BillID   uuid.UUID `db:"bill_id" json:"bill_id"`
	Name     string    `db:"name" json:"name"`
	Category *string   `db:"category" json:"category,omitempty"`
	Quantity int       `db:"quantity" json:"quantity"`
	Amount   float64   `db:"amount" json:"amount"`
}

// Bill maps to the bills table. TotalAmount, DiscountedAmount, RemainingAmount
// and Status are derived: they are recomputed by Recompute on every mutation
// and never written independently of it.
type Bill struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	PatientID        uuid.UUID  `db:"patient_id" json:"patient_id"`
	CreatedBy        uuid.UUID  `db:"created_by" json:"created_by"`
	Items            []BillItem `json:"items"`
	Discount         float64    `db:"discount" json:"discount"`
	TotalAmount      float64    `db:"total_amount" json:"total_amount"`
	DiscountedAmount float64    `db:"discounted_amount" json:"discounted_amount"`
	RemainingAmount  float64    `db:"remaining_amount" json:"remaining_amount"`
	Status           BillStatus `db:"status" json:"status"`
	AppointmentID    *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	LabTestIDs       []uuid.UUID `json:"lab_test_ids,omitempty"`
	PrescriptionIDs  []uuid.UUID `json:"prescription_ids,omitempty"`
	VersionID        int        `db:"version_id" json:"version_id"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (b *Bill) GetVersionID() int { return b.VersionID }

// SetVersionID sets the current version.
func (b *Bill) SetVersionID(v int) { b.VersionID = v }

// ItemTotal returns the sum of line item amounts.
func (b *Bill) ItemTotal() float64 {
	var sum float64
	for _, it := range b.Items {
		sum += it.Amount
	}
	return sum
}

// Recompute re-derives every computed field from the item list, the discount
// and the given persisted payment total. paidTotal must be read from the store
// inside the same atomic unit as the write that follows, never from a bill
// fetched in an earlier call.
func (b *Bill) Recompute(paidTotal float64) {
	b.TotalAmount = b.ItemTotal()
	b.DiscountedAmount = b.TotalAmount - b.Discount
	b.RemainingAmount = b.DiscountedAmount - paidTotal

	switch {
	case b.RemainingAmount <= 0:
		b.Status = StatusPaid
	case b.RemainingAmount < b.DiscountedAmount:
		b.Status = StatusPartial
	default:
		b.Status = StatusPending
	}
}

// Links returns the cross-entity references carried by the bill.
func (b *Bill) Links() BillLinks {
	return BillLinks{
		AppointmentID:   b.AppointmentID,
		LabTestIDs:      b.LabTestIDs,
		PrescriptionIDs: b.PrescriptionIDs,
	}
}

// BillLinks names the clinical records a bill is attached to.
type BillLinks struct {
	AppointmentID   *uuid.UUID  `json:"appointment_id,omitempty"`
	LabTestIDs      []uuid.UUID `json:"lab_test_ids,omitempty"`
	PrescriptionIDs []uuid.UUID `json:"prescription_ids,omitempty"`
}

// Empty reports whether no link targets are present.
func (l BillLinks) Empty() bool {
	return l.AppointmentID == nil && len(l.LabTestIDs) == 0 && len(l.PrescriptionIDs) == 0
}

// Payment maps to the payments table. Payments are append-only: once recorded
// they are never edited or deleted by this subsystem.
type Payment struct {
	ID            uuid.UUID `db:"id" json:"id"`
	BillID        uuid.UUID `db:"bill_id" json:"bill_id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patient_id"`
	Amount        float64   `db:"amount" json:"amount"`
	PaymentMethod string    `db:"payment_method" json:"payment_method"`
	TransactionID *string   `db:"transaction_id" json:"transaction_id,omitempty"`
	Notes         *string   `db:"notes" json:"notes,omitempty"`
	ReceivedBy    uuid.UUID `db:"received_by" json:"received_by"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// BillFilter narrows a bill listing.
type BillFilter struct {
	PatientID *uuid.UUID
	Status    *BillStatus
	MinDate   *time.Time
	MaxDate   *time.Time
}

// Statistics is the aggregate rollup over bills in a date range.
type Statistics struct {
	TotalBills       int     `json:"totalBills"`
	TotalAmount      float64 `json:"totalAmount"`
	DiscountedAmount float64 `json:"discountedAmount"`
	CollectedAmount  float64 `json:"collectedAmount"`
	PendingAmount    float64 `json:"pendingAmount"`
}

// MethodStats is the per-payment-method slice of the statistics rollup.
type MethodStats struct {
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

// LinkAction distinguishes attach from detach propagation.
type LinkAction string

const (
	ActionAttach LinkAction = "attach"
	ActionDetach LinkAction = "detach"
)

// LinkIntent maps to the bill_link_intents table. Intents are recorded before
// the fan-out writes so a failed propagation can be replayed idempotently.
type LinkIntent struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	BillID     uuid.UUID  `db:"bill_id" json:"bill_id"`
	Action     LinkAction `db:"action" json:"action"`
	EntityType string     `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID  `db:"entity_id" json:"entity_id"`
	Done       bool       `db:"done" json:"done"`
	Attempts   int        `db:"attempts" json:"attempts"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// Entity type names used in link intents.
const (
	EntityAppointment  = "appointment"
	EntityLabTest      = "lab_test"
	EntityPrescription = "prescription"
	EntityPatient      = "patient"
)
