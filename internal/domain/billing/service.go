package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/piyushrkc/Hospital-Clinic-Management/internal/domain/records"
	"github.com/piyushrkc/Hospital-Clinic-Management/internal/platform/cache"
	"github.com/piyushrkc/Hospital-Clinic-Management/internal/platform/db"
)

const statsCacheTTL = 60 * time.Second

// Service carries the billing business rules: input validation, derived
// amount consistency, payment acceptance, and link propagation.
type Service struct {
	bills      BillRepository
	payments   PaymentRepository
	stats      StatsRepository
	records    records.Repository
	propagator *Propagator
	cache      *cache.Cache
	logger     zerolog.Logger
}

func NewService(bills BillRepository, payments PaymentRepository, stats StatsRepository,
	rec records.Repository, propagator *Propagator, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		bills:      bills,
		payments:   payments,
		stats:      stats,
		records:    rec,
		propagator: propagator,
		cache:      c,
		logger:     logger,
	}
}

// CreateBillInput is the validated payload for opening a new bill.
type CreateBillInput struct {
	PatientID       uuid.UUID
	Items           []BillItem
	Discount        float64
	AppointmentID   *uuid.UUID
	LabTestIDs      []uuid.UUID
	PrescriptionIDs []uuid.UUID
	CreatedBy       uuid.UUID
}

// RecordPaymentInput is the validated payload for settling part of a bill.
type RecordPaymentInput struct {
	BillID        uuid.UUID
	Amount        float64
	PaymentMethod string
	TransactionID *string
	Notes         *string
	ReceivedBy    uuid.UUID
}

// BillDetail is a bill joined with its referenced clinical records and its
// payment history. Reference resolution is best effort; a record that cannot
// be loaded is left nil rather than failing the read.
type BillDetail struct {
	*Bill
	Patient       *records.Patient        `json:"patient,omitempty"`
	Appointment   *records.Appointment    `json:"appointment,omitempty"`
	LabTests      []*records.LabTest      `json:"labTests,omitempty"`
	Prescriptions []*records.Prescription `json:"prescriptions,omitempty"`
	Payments      []*Payment              `json:"payments"`
}

// StatisticsReport is the aggregate view over bills plus the per-method
// payment breakdown.
type StatisticsReport struct {
	Statistics
	PaymentBreakdown map[string]MethodStats `json:"paymentBreakdown"`
}

func validateItems(items []BillItem) error {
	if len(items) == 0 {
		return &ValidationError{Msg: "At least one bill item is required"}
	}
	for _, it := range items {
		if it.Name == "" {
			return &ValidationError{Msg: "Item name is required"}
		}
		if it.Amount < 0 {
			return &ValidationError{Msg: "Item amount must not be negative"}
		}
	}
	return nil
}

// CreateBill opens a bill with its derived amounts computed from the items
// and discount, then propagates the bill's id onto the linked records. A
// *PartialPropagationError is returned alongside the created bill when some
// link writes did not land; the bill itself is committed either way.
func (s *Service) CreateBill(ctx context.Context, in CreateBillInput) (*Bill, error) {
	if in.PatientID == uuid.Nil {
		return nil, &ValidationError{Msg: "Patient is required"}
	}
	if err := validateItems(in.Items); err != nil {
		return nil, err
	}
	if in.Discount < 0 {
		return nil, &ValidationError{Msg: "Discount must not be negative"}
	}

	if _, err := s.records.GetPatient(ctx, in.PatientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{Msg: "No patient found with that ID"}
		}
		return nil, classifyStoreErr(err)
	}
	if err := s.checkLinksUnclaimed(ctx, in); err != nil {
		return nil, err
	}

	b := &Bill{
		PatientID:       in.PatientID,
		CreatedBy:       in.CreatedBy,
		Items:           in.Items,
		Discount:        in.Discount,
		AppointmentID:   in.AppointmentID,
		LabTestIDs:      in.LabTestIDs,
		PrescriptionIDs: in.PrescriptionIDs,
	}
	b.Recompute(0)
	if b.RemainingAmount < 0 {
		return nil, &ValidationError{Msg: "Discount cannot exceed the bill total"}
	}

	if err := s.bills.Create(ctx, b); err != nil {
		return nil, err
	}
	s.invalidate(ctx)

	if err := s.propagator.Attach(ctx, b); err != nil {
		var partial *PartialPropagationError
		if errors.As(err, &partial) {
			return b, partial
		}
		return b, err
	}
	return b, nil
}

// checkLinksUnclaimed refuses link targets that already belong to another
// bill. The check is advisory; the link write itself carries the
// authoritative guard, so a race here surfaces as a propagation failure
// rather than a stolen reference.
func (s *Service) checkLinksUnclaimed(ctx context.Context, in CreateBillInput) error {
	if in.AppointmentID != nil {
		if appt, err := s.records.GetAppointment(ctx, *in.AppointmentID); err == nil && appt.BillID != nil {
			return &ConflictError{Msg: "Appointment is already attached to another bill"}
		}
	}
	if len(in.LabTestIDs) > 0 {
		tests, err := s.records.GetLabTests(ctx, in.LabTestIDs)
		if err == nil {
			for _, lt := range tests {
				if lt.BillID != nil {
					return &ConflictError{Msg: "Lab test is already attached to another bill"}
				}
			}
		}
	}
	if len(in.PrescriptionIDs) > 0 {
		scripts, err := s.records.GetPrescriptions(ctx, in.PrescriptionIDs)
		if err == nil {
			for _, p := range scripts {
				if p.BillID != nil {
					return &ConflictError{Msg: "Prescription is already attached to another bill"}
				}
			}
		}
	}
	return nil
}

// GetBill loads a bill with its payment history and the records it
// references.
func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*BillDetail, error) {
	b, err := s.bills.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &BillDetail{Bill: b}
	payments, err := s.payments.ListByBill(ctx, id)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*Payment{}
	}
	detail.Payments = payments

	if patient, err := s.records.GetPatient(ctx, b.PatientID); err == nil {
		detail.Patient = patient
	} else if !errors.Is(err, pgx.ErrNoRows) {
		s.logger.Warn().Err(err).Str("bill_id", id.String()).Msg("failed to resolve bill patient")
	}
	if b.AppointmentID != nil {
		if appt, err := s.records.GetAppointment(ctx, *b.AppointmentID); err == nil {
			detail.Appointment = appt
		} else if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn().Err(err).Str("bill_id", id.String()).Msg("failed to resolve bill appointment")
		}
	}
	if len(b.LabTestIDs) > 0 {
		if tests, err := s.records.GetLabTests(ctx, b.LabTestIDs); err == nil {
			detail.LabTests = tests
		} else {
			s.logger.Warn().Err(err).Str("bill_id", id.String()).Msg("failed to resolve bill lab tests")
		}
	}
	if len(b.PrescriptionIDs) > 0 {
		if scripts, err := s.records.GetPrescriptions(ctx, b.PrescriptionIDs); err == nil {
			detail.Prescriptions = scripts
		} else {
			s.logger.Warn().Err(err).Str("bill_id", id.String()).Msg("failed to resolve bill prescriptions")
		}
	}
	return detail, nil
}

func (s *Service) ListBills(ctx context.Context, f BillFilter, limit, offset int) ([]*Bill, int, error) {
	return s.bills.List(ctx, f, limit, offset)
}

// UpdateBill patches the bill's items or discount and re-derives the
// computed amounts against the payments already taken. A patch that would
// push the remaining amount below zero is refused.
func (s *Service) UpdateBill(ctx context.Context, id uuid.UUID, patch BillPatch) (*Bill, error) {
	if patch.Items == nil && patch.Discount == nil {
		return nil, &ValidationError{Msg: "Nothing to update"}
	}
	if patch.Items != nil {
		if err := validateItems(*patch.Items); err != nil {
			return nil, err
		}
	}
	b, err := s.bills.UpdateDerived(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return b, nil
}

// DeleteBill removes a bill that has no payments and detaches it from the
// linked records. Propagation failures do not resurrect the bill; the
// remaining intents stay pending for Reconcile.
func (s *Service) DeleteBill(ctx context.Context, id uuid.UUID) error {
	b, err := s.bills.DeleteGuarded(ctx, id)
	if err != nil {
		return err
	}
	s.invalidate(ctx)

	if err := s.propagator.Detach(ctx, b); err != nil {
		var partial *PartialPropagationError
		if errors.As(err, &partial) {
			s.logger.Warn().Str("bill_id", id.String()).Int("failed", len(partial.Failed)).
				Msg("bill deleted with unpropagated detachments")
			return nil
		}
		return err
	}
	return nil
}

// RecordPayment settles part of a bill. The amount must be positive and must
// not exceed the bill's remaining amount; the check and the write happen
// atomically per bill.
func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (*Payment, *Bill, error) {
	if in.Amount <= 0 {
		return nil, nil, &ValidationError{Msg: "Payment amount must be greater than 0"}
	}
	if in.PaymentMethod == "" {
		return nil, nil, &ValidationError{Msg: "Payment method is required"}
	}

	p := &Payment{
		BillID:        in.BillID,
		Amount:        in.Amount,
		PaymentMethod: in.PaymentMethod,
		TransactionID: in.TransactionID,
		Notes:         in.Notes,
		ReceivedBy:    in.ReceivedBy,
	}
	payment, bill, err := s.bills.RecordPayment(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	s.invalidate(ctx)
	return payment, bill, nil
}

// GetBillPayments returns a bill's payments, newest first.
func (s *Service) GetBillPayments(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	if _, err := s.bills.GetByID(ctx, billID); err != nil {
		return nil, err
	}
	return s.payments.ListByBill(ctx, billID)
}

// GetPatientBills returns the patient's bills, newest first.
func (s *Service) GetPatientBills(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	if _, err := s.records.GetPatient(ctx, patientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, &NotFoundError{Msg: "No patient found with that ID"}
		}
		return nil, 0, classifyStoreErr(err)
	}
	return s.bills.List(ctx, BillFilter{PatientID: &patientID}, limit, offset)
}

// GetStatistics aggregates bill totals and the per-method payment breakdown.
// The unfiltered report is served from cache for a short window.
func (s *Service) GetStatistics(ctx context.Context, start, end *time.Time) (*StatisticsReport, error) {
	cacheable := start == nil && end == nil
	key := cache.StatsKey(db.TenantFromContext(ctx))

	if cacheable {
		if data, ok := s.cache.Get(ctx, key); ok {
			var report StatisticsReport
			if err := json.Unmarshal(data, &report); err == nil {
				return &report, nil
			}
			s.cache.Delete(ctx, key)
		}
	}

	stats, err := s.stats.BillStatistics(ctx, start, end)
	if err != nil {
		return nil, err
	}
	breakdown, err := s.stats.PaymentBreakdown(ctx, start, end)
	if err != nil {
		return nil, err
	}
	report := &StatisticsReport{Statistics: *stats, PaymentBreakdown: breakdown}

	if cacheable {
		if data, err := json.Marshal(report); err == nil {
			s.cache.Set(ctx, key, data, statsCacheTTL)
		}
	}
	return report, nil
}

// Reconcile replays the bill's pending link intents and reports how many
// were attempted. Replays are idempotent. The bill row may already be gone:
// detach intents left behind by a delete must stay replayable, so there is
// no existence check here.
func (s *Service) Reconcile(ctx context.Context, billID uuid.UUID) (int, error) {
	return s.propagator.Reconcile(ctx, billID)
}

func (s *Service) invalidate(ctx context.Context) {
	s.cache.InvalidateBillingCaches(ctx, db.TenantFromContext(ctx))
}
