package records

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patients table. Only the fields the billing ledger
// touches are modeled here; full patient CRUD lives outside this service.
type Patient struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	ContactNumber *string    `db:"contact_number" json:"contact_number,omitempty"`
	Email         *string    `db:"email" json:"email,omitempty"`
	Address       *string    `db:"address" json:"address,omitempty"`
	DateOfBirth   *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Appointment maps to the appointments table. bill_id is owned by the billing
// propagator; at most one bill references a given appointment at a time.
type Appointment struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	DoctorName  *string    `db:"doctor_name" json:"doctor_name,omitempty"`
	ScheduledAt time.Time  `db:"scheduled_at" json:"scheduled_at"`
	Status      string     `db:"status" json:"status"`
	BillID      *uuid.UUID `db:"bill_id" json:"bill_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// LabTest maps to the lab_tests table.
type LabTest struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	PatientID uuid.UUID  `db:"patient_id" json:"patient_id"`
	TestName  string     `db:"test_name" json:"test_name"`
	Status    string     `db:"status" json:"status"`
	BillID    *uuid.UUID `db:"bill_id" json:"bill_id,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Prescription maps to the prescriptions table.
type Prescription struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	PatientID  uuid.UUID  `db:"patient_id" json:"patient_id"`
	Medication string     `db:"medication" json:"medication"`
	Dosage     *string    `db:"dosage" json:"dosage,omitempty"`
	BillID     *uuid.UUID `db:"bill_id" json:"bill_id,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}
