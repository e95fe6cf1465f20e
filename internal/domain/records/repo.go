package records

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrAlreadyBilled is returned by the Set*Bill writes when the record already
// carries a different bill's reference. A record belongs to at most one bill.
var ErrAlreadyBilled = errors.New("record is already attached to another bill")

// Repository reads the clinical records the billing ledger links against and
// maintains their bill references. Full CRUD on these entities is owned by
// other services; only the bill-linkage surface is exposed here.
type Repository interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetLabTests(ctx context.Context, ids []uuid.UUID) ([]*LabTest, error)
	GetPrescriptions(ctx context.Context, ids []uuid.UUID) ([]*Prescription, error)

	SetAppointmentBill(ctx context.Context, id, billID uuid.UUID) error
	ClearAppointmentBill(ctx context.Context, id, billID uuid.UUID) error
	SetLabTestBill(ctx context.Context, id, billID uuid.UUID) error
	ClearLabTestBill(ctx context.Context, id, billID uuid.UUID) error
	SetPrescriptionBill(ctx context.Context, id, billID uuid.UUID) error
	ClearPrescriptionBill(ctx context.Context, id, billID uuid.UUID) error
	AddPatientBill(ctx context.Context, patientID, billID uuid.UUID) error
	RemovePatientBill(ctx context.Context, patientID, billID uuid.UUID) error
}
