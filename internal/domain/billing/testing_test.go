package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/piyushrkc/Hospital-Clinic-Management/internal/domain/records"
	"github.com/piyushrkc/Hospital-Clinic-Management/internal/platform/cache"
)

// memStore backs BillRepository, PaymentRepository and StatsRepository with
// maps. Mutations take a single lock, which gives the same per-bill
// serialization the SQL implementation gets from row locks.
type memStore struct {
	mu       sync.Mutex
	bills    map[uuid.UUID]*Bill
	payments map[uuid.UUID][]*Payment
}

func newMemStore() *memStore {
	return &memStore{
		bills:    make(map[uuid.UUID]*Bill),
		payments: make(map[uuid.UUID][]*Payment),
	}
}

func copyBill(b *Bill) *Bill {
	cp := *b
	cp.Items = append([]BillItem(nil), b.Items...)
	return &cp
}

func (s *memStore) Create(ctx context.Context, b *Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.ID = uuid.New()
	b.VersionID = 1
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	s.bills[b.ID] = copyBill(b)
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bills[id]
	if !ok {
		return nil, errNoBill()
	}
	return copyBill(b), nil
}

func (s *memStore) List(ctx context.Context, f BillFilter, limit, offset int) ([]*Bill, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*Bill
	for _, b := range s.bills {
		if f.PatientID != nil && b.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && b.Status != *f.Status {
			continue
		}
		if f.MinDate != nil && b.CreatedAt.Before(*f.MinDate) {
			continue
		}
		if f.MaxDate != nil && b.CreatedAt.After(*f.MaxDate) {
			continue
		}
		all = append(all, copyBill(b))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *memStore) paidTotalLocked(billID uuid.UUID) float64 {
	var paid float64
	for _, p := range s.payments[billID] {
		paid += p.Amount
	}
	return paid
}

func (s *memStore) UpdateDerived(ctx context.Context, id uuid.UUID, patch BillPatch) (*Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.bills[id]
	if !ok {
		return nil, errNoBill()
	}
	b := copyBill(stored)
	if patch.Items != nil {
		for _, it := range *patch.Items {
			if it.Amount < 0 {
				return nil, &ValidationError{Msg: "Item amount must not be negative"}
			}
		}
		b.Items = append([]BillItem(nil), (*patch.Items)...)
	}
	if patch.Discount != nil {
		if *patch.Discount < 0 {
			return nil, &ValidationError{Msg: "Discount must not be negative"}
		}
		b.Discount = *patch.Discount
	}
	paid := s.paidTotalLocked(id)
	b.Recompute(paid)
	if b.RemainingAmount < 0 {
		return nil, &ValidationError{Msg: fmt.Sprintf(
			"Update would make remaining amount negative (%g already paid)", paid)}
	}
	b.VersionID++
	b.UpdatedAt = time.Now().UTC()
	s.bills[id] = copyBill(b)
	return b, nil
}

func (s *memStore) DeleteGuarded(ctx context.Context, id uuid.UUID) (*Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bills[id]
	if !ok {
		return nil, errNoBill()
	}
	if len(s.payments[id]) > 0 {
		return nil, &ConflictError{Msg: "Cannot delete a bill with payments"}
	}
	delete(s.bills, id)
	return copyBill(b), nil
}

func (s *memStore) RecordPayment(ctx context.Context, p *Payment) (*Payment, *Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.bills[p.BillID]
	if !ok {
		return nil, nil, errNoBill()
	}
	if p.TransactionID != nil && *p.TransactionID != "" {
		for _, existing := range s.payments[p.BillID] {
			if existing.TransactionID != nil && *existing.TransactionID == *p.TransactionID {
				cp := *existing
				return &cp, copyBill(stored), nil
			}
		}
	}
	if p.Amount > stored.RemainingAmount {
		return nil, nil, &ValidationError{Msg: fmt.Sprintf(
			"Payment amount exceeds remaining amount (%g)", stored.RemainingAmount)}
	}
	p.ID = uuid.New()
	p.PatientID = stored.PatientID
	p.CreatedAt = time.Now().UTC()
	cp := *p
	s.payments[p.BillID] = append(s.payments[p.BillID], &cp)

	b := copyBill(stored)
	b.Recompute(s.paidTotalLocked(p.BillID))
	b.VersionID++
	b.UpdatedAt = p.CreatedAt
	s.bills[p.BillID] = copyBill(b)
	return p, b, nil
}

func (s *memStore) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.payments[billID]
	out := make([]*Payment, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		cp := *stored[i]
		out = append(out, &cp)
	}
	return out, nil
}

func inRange(t time.Time, start, end *time.Time) bool {
	if start != nil && t.Before(*start) {
		return false
	}
	if end != nil && t.After(*end) {
		return false
	}
	return true
}

func (s *memStore) BillStatistics(ctx context.Context, start, end *time.Time) (*Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Statistics
	for _, b := range s.bills {
		if !inRange(b.CreatedAt, start, end) {
			continue
		}
		stats.TotalBills++
		stats.TotalAmount += b.TotalAmount
		stats.DiscountedAmount += b.DiscountedAmount
		stats.CollectedAmount += b.DiscountedAmount - b.RemainingAmount
		stats.PendingAmount += b.RemainingAmount
	}
	return &stats, nil
}

func (s *memStore) PaymentBreakdown(ctx context.Context, start, end *time.Time) (map[string]MethodStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	breakdown := make(map[string]MethodStats)
	for _, payments := range s.payments {
		for _, p := range payments {
			if !inRange(p.CreatedAt, start, end) {
				continue
			}
			ms := breakdown[p.PaymentMethod]
			ms.Count++
			ms.Amount += p.Amount
			breakdown[p.PaymentMethod] = ms
		}
	}
	return breakdown, nil
}

// memRecords backs records.Repository with maps. Entity ids listed in
// failing reject link writes, standing in for a downstream outage.
type memRecords struct {
	mu            sync.Mutex
	patients      map[uuid.UUID]*records.Patient
	appointments  map[uuid.UUID]*records.Appointment
	labTests      map[uuid.UUID]*records.LabTest
	prescriptions map[uuid.UUID]*records.Prescription
	patientBills  map[uuid.UUID][]uuid.UUID
	failing       map[uuid.UUID]bool
}

func newMemRecords() *memRecords {
	return &memRecords{
		patients:      make(map[uuid.UUID]*records.Patient),
		appointments:  make(map[uuid.UUID]*records.Appointment),
		labTests:      make(map[uuid.UUID]*records.LabTest),
		prescriptions: make(map[uuid.UUID]*records.Prescription),
		patientBills:  make(map[uuid.UUID][]uuid.UUID),
		failing:       make(map[uuid.UUID]bool),
	}
}

func (r *memRecords) setFailing(id uuid.UUID, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing[id] = fail
}

func (r *memRecords) checkWrite(id uuid.UUID) error {
	if r.failing[id] {
		return errors.New("record store offline")
	}
	return nil
}

func (r *memRecords) GetPatient(ctx context.Context, id uuid.UUID) (*records.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r *memRecords) GetAppointment(ctx context.Context, id uuid.UUID) (*records.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (r *memRecords) GetLabTests(ctx context.Context, ids []uuid.UUID) ([]*records.LabTest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*records.LabTest
	for _, id := range ids {
		if lt, ok := r.labTests[id]; ok {
			cp := *lt
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRecords) GetPrescriptions(ctx context.Context, ids []uuid.UUID) ([]*records.Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*records.Prescription
	for _, id := range ids {
		if p, ok := r.prescriptions[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func setBillRef(ref **uuid.UUID, billID uuid.UUID) error {
	if *ref != nil && **ref != billID {
		return records.ErrAlreadyBilled
	}
	*ref = &billID
	return nil
}

func (r *memRecords) SetAppointmentBill(ctx context.Context, id, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(id); err != nil {
		return err
	}
	a, ok := r.appointments[id]
	if !ok {
		return pgx.ErrNoRows
	}
	return setBillRef(&a.BillID, billID)
}

func (r *memRecords) ClearAppointmentBill(ctx context.Context, id, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(id); err != nil {
		return err
	}
	if a, ok := r.appointments[id]; ok && a.BillID != nil && *a.BillID == billID {
		a.BillID = nil
	}
	return nil
}

func (r *memRecords) SetLabTestBill(ctx context.Context, id, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(id); err != nil {
		return err
	}
	lt, ok := r.labTests[id]
	if !ok {
		return pgx.ErrNoRows
	}
	return setBillRef(&lt.BillID, billID)
}

func (r *memRecords) ClearLabTestBill(ctx context.Context, id, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(id); err != nil {
		return err
	}
	if lt, ok := r.labTests[id]; ok && lt.BillID != nil && *lt.BillID == billID {
		lt.BillID = nil
	}
	return nil
}

func (r *memRecords) SetPrescriptionBill(ctx context.Context, id, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(id); err != nil {
		return err
	}
	p, ok := r.prescriptions[id]
	if !ok {
		return pgx.ErrNoRows
	}
	return setBillRef(&p.BillID, billID)
}

func (r *memRecords) ClearPrescriptionBill(ctx context.Context, id, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(id); err != nil {
		return err
	}
	if p, ok := r.prescriptions[id]; ok && p.BillID != nil && *p.BillID == billID {
		p.BillID = nil
	}
	return nil
}

func (r *memRecords) AddPatientBill(ctx context.Context, patientID, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(patientID); err != nil {
		return err
	}
	for _, id := range r.patientBills[patientID] {
		if id == billID {
			return nil
		}
	}
	r.patientBills[patientID] = append(r.patientBills[patientID], billID)
	return nil
}

func (r *memRecords) RemovePatientBill(ctx context.Context, patientID, billID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWrite(patientID); err != nil {
		return err
	}
	ids := r.patientBills[patientID]
	for i, id := range ids {
		if id == billID {
			r.patientBills[patientID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

// memIntents backs IntentRepository with a slice. A non-nil recordErr
// rejects Record, standing in for the intent store being down.
type memIntents struct {
	mu        sync.Mutex
	intents   []*LinkIntent
	recordErr error
}

func (r *memIntents) Record(ctx context.Context, intents []*LinkIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return r.recordErr
	}
	for _, in := range intents {
		in.ID = uuid.New()
		in.CreatedAt = time.Now().UTC()
		cp := *in
		r.intents = append(r.intents, &cp)
	}
	return nil
}

func (r *memIntents) MarkDone(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.intents {
		if in.ID == id {
			in.Done = true
			in.Attempts++
		}
	}
	return nil
}

func (r *memIntents) MarkAttempted(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.intents {
		if in.ID == id {
			in.Attempts++
		}
	}
	return nil
}

func (r *memIntents) ListPending(ctx context.Context, billID uuid.UUID) ([]*LinkIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*LinkIntent
	for _, in := range r.intents {
		if in.BillID == billID && !in.Done {
			cp := *in
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *memStore, *memRecords, *memIntents) {
	t.Helper()
	store := newMemStore()
	rec := newMemRecords()
	intents := &memIntents{}
	prop := NewPropagator(rec, intents, zerolog.Nop())
	c := cache.New(context.Background(), "", zerolog.Nop())
	svc := NewService(store, store, store, rec, prop, c, zerolog.Nop())
	return svc, store, rec, intents
}

func addPatient(rec *memRecords) uuid.UUID {
	id := uuid.New()
	rec.mu.Lock()
	rec.patients[id] = &records.Patient{ID: id, Name: "Asha Rao", CreatedAt: time.Now().UTC()}
	rec.mu.Unlock()
	return id
}

func addAppointment(rec *memRecords, patientID uuid.UUID) uuid.UUID {
	id := uuid.New()
	rec.mu.Lock()
	rec.appointments[id] = &records.Appointment{
		ID: id, PatientID: patientID, ScheduledAt: time.Now().UTC(),
		Status: "completed", CreatedAt: time.Now().UTC(),
	}
	rec.mu.Unlock()
	return id
}

func addLabTest(rec *memRecords, patientID uuid.UUID) uuid.UUID {
	id := uuid.New()
	rec.mu.Lock()
	rec.labTests[id] = &records.LabTest{
		ID: id, PatientID: patientID, TestName: "CBC", Status: "completed", CreatedAt: time.Now().UTC(),
	}
	rec.mu.Unlock()
	return id
}
