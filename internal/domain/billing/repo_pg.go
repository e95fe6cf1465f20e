package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

func (r *billRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// begin opens a transaction on the tenant-scoped connection when one is in
// context, falling back to the pool. A transaction already in context yields
// a savepoint-backed nested transaction.
func (r *billRepoPG) begin(ctx context.Context) (pgx.Tx, error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx.Begin(ctx)
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c.Begin(ctx)
	}
	return r.pool.Begin(ctx)
}

const billCols = `id, patient_id, created_by, discount,
	total_amount, discounted_amount, remaining_amount, status,
	appointment_id, lab_test_ids, prescription_ids,
	version_id, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.PatientID, &b.CreatedBy, &b.Discount,
		&b.TotalAmount, &b.DiscountedAmount, &b.RemainingAmount, &b.Status,
		&b.AppointmentID, &b.LabTestIDs, &b.PrescriptionIDs,
		&b.VersionID, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *billRepoPG) loadItems(ctx context.Context, q queryable, billID uuid.UUID) ([]BillItem, error) {
	rows, err := q.Query(ctx,
		`SELECT id, bill_id, name, category, quantity, amount FROM bill_items WHERE bill_id = $1`, billID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BillItem
	for rows.Next() {
		var it BillItem
		if err := rows.Scan(&it.ID, &it.BillID, &it.Name, &it.Category, &it.Quantity, &it.Amount); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *billRepoPG) insertItems(ctx context.Context, q queryable, billID uuid.UUID, items []BillItem) error {
	for i := range items {
		items[i].ID = uuid.New()
		items[i].BillID = billID
		if items[i].Quantity <= 0 {
			items[i].Quantity = 1
		}
		_, err := q.Exec(ctx,
			`INSERT INTO bill_items (id, bill_id, name, category, quantity, amount) VALUES ($1,$2,$3,$4,$5,$6)`,
			items[i].ID, billID, items[i].Name, items[i].Category, items[i].Quantity, items[i].Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	tx, err := r.begin(ctx)
	if err != nil {
		return classifyStoreErr(err)
	}
	defer tx.Rollback(ctx)

	b.ID = uuid.New()
	b.VersionID = 1
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	// nil slices must encode as empty arrays, not SQL NULL
	if b.LabTestIDs == nil {
		b.LabTestIDs = []uuid.UUID{}
	}
	if b.PrescriptionIDs == nil {
		b.PrescriptionIDs = []uuid.UUID{}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bills (id, patient_id, created_by, discount,
			total_amount, discounted_amount, remaining_amount, status,
			appointment_id, lab_test_ids, prescription_ids,
			version_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		b.ID, b.PatientID, b.CreatedBy, b.Discount,
		b.TotalAmount, b.DiscountedAmount, b.RemainingAmount, b.Status,
		b.AppointmentID, b.LabTestIDs, b.PrescriptionIDs,
		b.VersionID, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return classifyStoreErr(err)
	}

	if err := r.insertItems(ctx, tx, b.ID, b.Items); err != nil {
		return classifyStoreErr(err)
	}

	return classifyStoreErr(tx.Commit(ctx))
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	q := r.conn(ctx)
	b, err := scanBill(q.QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1`, id))
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	if b.Items, err = r.loadItems(ctx, q, id); err != nil {
		return nil, classifyStoreErr(err)
	}
	return b, nil
}

func (r *billRepoPG) List(ctx context.Context, f BillFilter, limit, offset int) ([]*Bill, int, error) {
	where := ""
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(clause, len(args))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.MinDate != nil {
		add("created_at >= $%d", *f.MinDate)
	}
	if f.MaxDate != nil {
		add("created_at <= $%d", *f.MaxDate)
	}

	q := r.conn(ctx)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM bills`+where, args...).Scan(&total); err != nil {
		return nil, 0, classifyStoreErr(err)
	}

	dataArgs := append(args, limit, offset)
	rows, err := q.Query(ctx,
		fmt.Sprintf(`SELECT `+billCols+` FROM bills`+where+` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			len(args)+1, len(args)+2),
		dataArgs...)
	if err != nil {
		return nil, 0, classifyStoreErr(err)
	}
	defer rows.Close()

	var bills []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, 0, classifyStoreErr(err)
		}
		bills = append(bills, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyStoreErr(err)
	}
	for _, b := range bills {
		if b.Items, err = r.loadItems(ctx, q, b.ID); err != nil {
			return nil, 0, classifyStoreErr(err)
		}
	}
	return bills, total, nil
}

// lockBill reads the bill row under FOR UPDATE so concurrent mutations of the
// same bill serialize. Mutations of different bills do not contend.
func (r *billRepoPG) lockBill(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*Bill, error) {
	b, err := scanBill(tx.QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errNoBill()
		}
		return nil, classifyStoreErr(err)
	}
	return b, nil
}

func (r *billRepoPG) paidTotal(ctx context.Context, tx pgx.Tx, billID uuid.UUID) (float64, error) {
	var paid float64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE bill_id = $1`, billID).Scan(&paid)
	return paid, err
}

func (r *billRepoPG) UpdateDerived(ctx context.Context, id uuid.UUID, patch BillPatch) (*Bill, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	defer tx.Rollback(ctx)

	b, err := r.lockBill(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if patch.Items != nil {
		for _, it := range *patch.Items {
			if it.Amount < 0 {
				return nil, &ValidationError{Msg: "Item amount must not be negative"}
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, id); err != nil {
			return nil, classifyStoreErr(err)
		}
		b.Items = *patch.Items
		if err := r.insertItems(ctx, tx, id, b.Items); err != nil {
			return nil, classifyStoreErr(err)
		}
	} else {
		if b.Items, err = r.loadItems(ctx, tx, id); err != nil {
			return nil, classifyStoreErr(err)
		}
	}

	if patch.Discount != nil {
		if *patch.Discount < 0 {
			return nil, &ValidationError{Msg: "Discount must not be negative"}
		}
		b.Discount = *patch.Discount
	}

	// The payment total is read inside the same transaction as the write so
	// an already-settled balance can never be reintroduced.
	paid, err := r.paidTotal(ctx, tx, id)
	if err != nil {
		return nil, classifyStoreErr(err)
	}

	b.Recompute(paid)
	if b.RemainingAmount < 0 {
		return nil, &ValidationError{Msg: fmt.Sprintf(
			"Update would make remaining amount negative (%g already paid)", paid)}
	}

	b.VersionID++
	b.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE bills SET discount = $2, total_amount = $3, discounted_amount = $4,
			remaining_amount = $5, status = $6, version_id = $7, updated_at = $8
		WHERE id = $1`,
		b.ID, b.Discount, b.TotalAmount, b.DiscountedAmount,
		b.RemainingAmount, b.Status, b.VersionID, b.UpdatedAt)
	if err != nil {
		return nil, classifyStoreErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyStoreErr(err)
	}
	return b, nil
}

func (r *billRepoPG) DeleteGuarded(ctx context.Context, id uuid.UUID) (*Bill, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	defer tx.Rollback(ctx)

	b, err := r.lockBill(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE bill_id = $1`, id).Scan(&count); err != nil {
		return nil, classifyStoreErr(err)
	}
	if count > 0 {
		return nil, &ConflictError{Msg: "Cannot delete a bill with payments"}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM bill_items WHERE bill_id = $1`, id); err != nil {
		return nil, classifyStoreErr(err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM bills WHERE id = $1`, id); err != nil {
		return nil, classifyStoreErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyStoreErr(err)
	}
	return b, nil
}

func (r *billRepoPG) RecordPayment(ctx context.Context, p *Payment) (*Payment, *Bill, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}
	defer tx.Rollback(ctx)

	b, err := r.lockBill(ctx, tx, p.BillID)
	if err != nil {
		return nil, nil, err
	}

	// A retried request carrying the same transaction id returns the
	// already-recorded payment instead of applying it twice.
	if p.TransactionID != nil && *p.TransactionID != "" {
		existing, err := scanPayment(tx.QueryRow(ctx, `
			SELECT `+paymentCols+` FROM payments WHERE bill_id = $1 AND transaction_id = $2`,
			p.BillID, *p.TransactionID))
		if err == nil {
			return existing, b, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, classifyStoreErr(err)
		}
	}

	// The overpayment check runs under the row lock: two concurrent
	// payments cannot both read a stale remaining amount.
	if p.Amount > b.RemainingAmount {
		return nil, nil, &ValidationError{Msg: fmt.Sprintf(
			"Payment amount exceeds remaining amount (%g)", b.RemainingAmount)}
	}

	p.ID = uuid.New()
	p.PatientID = b.PatientID
	p.CreatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO payments (id, bill_id, patient_id, amount, payment_method, transaction_id, notes, received_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.BillID, p.PatientID, p.Amount, p.PaymentMethod, p.TransactionID, p.Notes, p.ReceivedBy, p.CreatedAt)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}

	paid, err := r.paidTotal(ctx, tx, p.BillID)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}

	if b.Items, err = r.loadItems(ctx, tx, p.BillID); err != nil {
		return nil, nil, classifyStoreErr(err)
	}
	b.Recompute(paid)
	b.VersionID++
	b.UpdatedAt = p.CreatedAt

	_, err = tx.Exec(ctx, `
		UPDATE bills SET remaining_amount = $2, status = $3, version_id = $4, updated_at = $5
		WHERE id = $1`,
		b.ID, b.RemainingAmount, b.Status, b.VersionID, b.UpdatedAt)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, classifyStoreErr(err)
	}
	return p, b, nil
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

func (r *paymentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const paymentCols = `id, bill_id, patient_id, amount, payment_method, transaction_id, notes, received_by, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.BillID, &p.PatientID, &p.Amount, &p.PaymentMethod,
		&p.TransactionID, &p.Notes, &p.ReceivedBy, &p.CreatedAt)
	return &p, err
}

func (r *paymentRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE bill_id = $1 ORDER BY created_at DESC`, billID)
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	defer rows.Close()
	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, classifyStoreErr(err)
		}
		payments = append(payments, p)
	}
	return payments, classifyStoreErr(rows.Err())
}

// =========== Link Intent Repository ===========

type intentRepoPG struct{ pool *pgxpool.Pool }

func NewIntentRepoPG(pool *pgxpool.Pool) IntentRepository { return &intentRepoPG{pool: pool} }

func (r *intentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *intentRepoPG) Record(ctx context.Context, intents []*LinkIntent) error {
	q := r.conn(ctx)
	for _, in := range intents {
		in.ID = uuid.New()
		_, err := q.Exec(ctx, `
			INSERT INTO bill_link_intents (id, bill_id, action, entity_type, entity_id, done, attempts)
			VALUES ($1,$2,$3,$4,$5,false,0)`,
			in.ID, in.BillID, in.Action, in.EntityType, in.EntityID)
		if err != nil {
			return classifyStoreErr(err)
		}
	}
	return nil
}

func (r *intentRepoPG) MarkDone(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE bill_link_intents SET done = true, attempts = attempts + 1, updated_at = NOW() WHERE id = $1`, id)
	return classifyStoreErr(err)
}

func (r *intentRepoPG) MarkAttempted(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE bill_link_intents SET attempts = attempts + 1, updated_at = NOW() WHERE id = $1`, id)
	return classifyStoreErr(err)
}

func (r *intentRepoPG) ListPending(ctx context.Context, billID uuid.UUID) ([]*LinkIntent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, bill_id, action, entity_type, entity_id, done, attempts, created_at, updated_at
		FROM bill_link_intents WHERE bill_id = $1 AND done = false ORDER BY created_at`, billID)
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	defer rows.Close()
	var intents []*LinkIntent
	for rows.Next() {
		var in LinkIntent
		if err := rows.Scan(&in.ID, &in.BillID, &in.Action, &in.EntityType, &in.EntityID,
			&in.Done, &in.Attempts, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, classifyStoreErr(err)
		}
		intents = append(intents, &in)
	}
	return intents, classifyStoreErr(rows.Err())
}

// =========== Statistics Repository ===========

type statsRepoPG struct{ pool *pgxpool.Pool }

func NewStatsRepoPG(pool *pgxpool.Pool) StatsRepository { return &statsRepoPG{pool: pool} }

func (r *statsRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func dateRange(start, end *time.Time) (string, []interface{}) {
	where := ""
	var args []interface{}
	if start != nil {
		args = append(args, *start)
		where = fmt.Sprintf(" WHERE created_at >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		if where == "" {
			where = fmt.Sprintf(" WHERE created_at <= $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND created_at <= $%d", len(args))
		}
	}
	return where, args
}

func (r *statsRepoPG) BillStatistics(ctx context.Context, start, end *time.Time) (*Statistics, error) {
	where, args := dateRange(start, end)
	var s Statistics
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(total_amount), 0),
			COALESCE(SUM(discounted_amount), 0),
			COALESCE(SUM(discounted_amount - remaining_amount), 0),
			COALESCE(SUM(remaining_amount), 0)
		FROM bills`+where, args...).
		Scan(&s.TotalBills, &s.TotalAmount, &s.DiscountedAmount, &s.CollectedAmount, &s.PendingAmount)
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	return &s, nil
}

func (r *statsRepoPG) PaymentBreakdown(ctx context.Context, start, end *time.Time) (map[string]MethodStats, error) {
	where, args := dateRange(start, end)
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT payment_method, COUNT(*), COALESCE(SUM(amount), 0)
		FROM payments`+where+` GROUP BY payment_method`, args...)
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	defer rows.Close()

	breakdown := make(map[string]MethodStats)
	for rows.Next() {
		var method string
		var ms MethodStats
		if err := rows.Scan(&method, &ms.Count, &ms.Amount); err != nil {
			return nil, classifyStoreErr(err)
		}
		breakdown[method] = ms
	}
	return breakdown, classifyStoreErr(rows.Err())
}
