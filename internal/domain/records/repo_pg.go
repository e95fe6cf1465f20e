package records

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/piyushrkc/Hospital-Clinic-Management/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the postgres-backed records repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, name, contact_number, email, address, date_of_birth, created_at`

func (r *repoPG) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.ContactNumber, &p.Email, &p.Address, &p.DateOfBirth, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const appointmentCols = `id, patient_id, doctor_name, scheduled_at, status, bill_id, created_at`

func (r *repoPG) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var a Appointment
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id).
		Scan(&a.ID, &a.PatientID, &a.DoctorName, &a.ScheduledAt, &a.Status, &a.BillID, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) GetLabTests(ctx context.Context, ids []uuid.UUID) ([]*LabTest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, patient_id, test_name, status, bill_id, created_at FROM lab_tests WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*LabTest
	for rows.Next() {
		var t LabTest
		if err := rows.Scan(&t.ID, &t.PatientID, &t.TestName, &t.Status, &t.BillID, &t.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &t)
	}
	return items, rows.Err()
}

func (r *repoPG) GetPrescriptions(ctx context.Context, ids []uuid.UUID) ([]*Prescription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, patient_id, medication, dosage, bill_id, created_at FROM prescriptions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		var p Prescription
		if err := rows.Scan(&p.ID, &p.PatientID, &p.Medication, &p.Dosage, &p.BillID, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &p)
	}
	return items, rows.Err()
}

// setBill updates are idempotent: replaying an attach intent rewrites the
// same bill id, replaying a detach only clears when the bill still matches.

func (r *repoPG) SetAppointmentBill(ctx context.Context, id, billID uuid.UUID) error {
	return r.setBill(ctx, "appointments", id, billID)
}

func (r *repoPG) ClearAppointmentBill(ctx context.Context, id, billID uuid.UUID) error {
	return r.clearBill(ctx, "appointments", id, billID)
}

func (r *repoPG) SetLabTestBill(ctx context.Context, id, billID uuid.UUID) error {
	return r.setBill(ctx, "lab_tests", id, billID)
}

func (r *repoPG) ClearLabTestBill(ctx context.Context, id, billID uuid.UUID) error {
	return r.clearBill(ctx, "lab_tests", id, billID)
}

func (r *repoPG) SetPrescriptionBill(ctx context.Context, id, billID uuid.UUID) error {
	return r.setBill(ctx, "prescriptions", id, billID)
}

func (r *repoPG) ClearPrescriptionBill(ctx context.Context, id, billID uuid.UUID) error {
	return r.clearBill(ctx, "prescriptions", id, billID)
}

func (r *repoPG) setBill(ctx context.Context, table string, id, billID uuid.UUID) error {
	// The bill_id guard keeps a record on at most one bill: rewriting the
	// same bill id is an idempotent replay, a different one is a conflict.
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE `+table+` SET bill_id = $2 WHERE id = $1 AND (bill_id IS NULL OR bill_id = $2)`,
		id, billID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return pgx.ErrNoRows
		}
		return ErrAlreadyBilled
	}
	return nil
}

func (r *repoPG) clearBill(ctx context.Context, table string, id, billID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE `+table+` SET bill_id = NULL WHERE id = $1 AND bill_id = $2`, id, billID)
	return err
}

func (r *repoPG) AddPatientBill(ctx context.Context, patientID, billID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO patient_bills (patient_id, bill_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		patientID, billID)
	return err
}

func (r *repoPG) RemovePatientBill(ctx context.Context, patientID, billID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM patient_bills WHERE patient_id = $1 AND bill_id = $2`, patientID, billID)
	return err
}
