package medication

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medstock/medstock/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func pgConn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// NewPGRepos wires every repository to the pool, with db.TxRunner as the
// transactor.
func NewPGRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Medications: NewMedicationRepoPG(pool),
		Taken:       NewTakenRepoPG(pool),
		Purchases:   NewPurchaseRepoPG(pool),
		Markers:     NewMarkerRepoPG(pool),
		Tx:          db.NewTxRunner(pool),
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// =========== Medication Repository ===========

type medicationRepoPG struct{ pool *pgxpool.Pool }

func NewMedicationRepoPG(pool *pgxpool.Pool) MedicationRepository {
	return &medicationRepoPG{pool: pool}
}

func (r *medicationRepoPG) conn(ctx context.Context) queryable { return pgConn(ctx, r.pool) }

const medCols = `id, name, dosage, form, frequency, timings, instructions,
	doctor_id, pharmacy_id, prescription_date::text, expiry_date::text,
	repeats_remaining, total_repeats, quantity_per_fill, current_quantity,
	cost, total_dispensings_purchased, yearly_total_cost,
	last_yearly_reset_date::text, is_active, notes, created_at, updated_at`

func (r *medicationRepoPG) scanMed(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Name, &m.Dosage, &m.Form, &m.Frequency, &m.Timings, &m.Instructions,
		&m.DoctorID, &m.PharmacyID, &m.PrescriptionDate, &m.ExpiryDate,
		&m.RepeatsRemaining, &m.TotalRepeats, &m.QuantityPerFill, &m.CurrentQuantity,
		&m.Cost, &m.TotalDispensingsPurchased, &m.YearlyTotalCost,
		&m.LastYearlyResetDate, &m.IsActive, &m.Notes, &m.CreatedAt, &m.UpdatedAt)
	if m.Timings == nil {
		m.Timings = []string{}
	}
	return &m, err
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication (id, name, dosage, form, frequency, timings, instructions,
			doctor_id, pharmacy_id, prescription_date, expiry_date,
			repeats_remaining, total_repeats, quantity_per_fill, current_quantity,
			cost, total_dispensings_purchased, yearly_total_cost, last_yearly_reset_date,
			is_active, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,
			COALESCE($22::timestamptz, NOW()), COALESCE($23::timestamptz, NOW()))
		RETURNING created_at, updated_at`,
		m.ID, m.Name, m.Dosage, m.Form, m.Frequency, m.Timings, m.Instructions,
		m.DoctorID, m.PharmacyID, m.PrescriptionDate, m.ExpiryDate,
		m.RepeatsRemaining, m.TotalRepeats, m.QuantityPerFill, m.CurrentQuantity,
		m.Cost, m.TotalDispensingsPurchased, m.YearlyTotalCost, m.LastYearlyResetDate,
		m.IsActive, m.Notes, nullTime(m.CreatedAt), nullTime(m.UpdatedAt),
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	return storageErr("create medication", err)
}

func (r *medicationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return r.get(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1`, id)
}

func (r *medicationRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return r.get(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1 FOR UPDATE`, id)
}

func (r *medicationRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Medication, error) {
	m, err := r.scanMed(r.conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get medication", err)
	}
	return m, nil
}

func (r *medicationRepoPG) Update(ctx context.Context, m *Medication) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medication SET name=$2, dosage=$3, form=$4, frequency=$5, timings=$6,
			instructions=$7, doctor_id=$8, pharmacy_id=$9, prescription_date=$10, expiry_date=$11,
			repeats_remaining=$12, total_repeats=$13, quantity_per_fill=$14, current_quantity=$15,
			cost=$16, total_dispensings_purchased=$17, yearly_total_cost=$18,
			last_yearly_reset_date=$19, is_active=$20, notes=$21, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.Name, m.Dosage, m.Form, m.Frequency, m.Timings,
		m.Instructions, m.DoctorID, m.PharmacyID, m.PrescriptionDate, m.ExpiryDate,
		m.RepeatsRemaining, m.TotalRepeats, m.QuantityPerFill, m.CurrentQuantity,
		m.Cost, m.TotalDispensingsPurchased, m.YearlyTotalCost,
		m.LastYearlyResetDate, m.IsActive, m.Notes)
	if err != nil {
		return storageErr("update medication", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *medicationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM medication WHERE id = $1`, id)
	if err != nil {
		return storageErr("delete medication", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *medicationRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Medication, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM medication WHERE ($1 = false OR is_active)`, activeOnly,
	).Scan(&total); err != nil {
		return nil, 0, storageErr("count medications", err)
	}

	query := `SELECT ` + medCols + ` FROM medication WHERE ($1 = false OR is_active)
		ORDER BY name, id`
	args := []interface{}{activeOnly}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storageErr("list medications", err)
	}
	defer rows.Close()

	var items []*Medication
	for rows.Next() {
		m, err := r.scanMed(rows)
		if err != nil {
			return nil, 0, storageErr("scan medication", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list medications", err)
	}
	return items, total, nil
}

// =========== Daily Taken Repository ===========

type takenRepoPG struct{ pool *pgxpool.Pool }

func NewTakenRepoPG(pool *pgxpool.Pool) TakenRepository {
	return &takenRepoPG{pool: pool}
}

func (r *takenRepoPG) conn(ctx context.Context) queryable { return pgConn(ctx, r.pool) }

const takenCols = `id, medication_id, taken_on::text, timings_taken, created_at`

func (r *takenRepoPG) scanTaken(row pgx.Row) (*DailyMedicationTaken, error) {
	var d DailyMedicationTaken
	err := row.Scan(&d.ID, &d.MedicationID, &d.Date, &d.TimingsTaken, &d.CreatedAt)
	return &d, err
}

func (r *takenRepoPG) Get(ctx context.Context, medicationID uuid.UUID, date string) (*DailyMedicationTaken, error) {
	d, err := r.scanTaken(r.conn(ctx).QueryRow(ctx,
		`SELECT `+takenCols+` FROM daily_medication_taken WHERE medication_id = $1 AND taken_on = $2`,
		medicationID, date))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get taken record", err)
	}
	return d, nil
}

func (r *takenRepoPG) Save(ctx context.Context, d *DailyMedicationTaken) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO daily_medication_taken (id, medication_id, taken_on, timings_taken, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()))
		ON CONFLICT (medication_id, taken_on) DO UPDATE SET timings_taken = EXCLUDED.timings_taken
		RETURNING id, created_at`,
		d.ID, d.MedicationID, d.Date, d.TimingsTaken, nullTime(d.CreatedAt),
	).Scan(&d.ID, &d.CreatedAt)
	return storageErr("save taken record", err)
}

func (r *takenRepoPG) Delete(ctx context.Context, medicationID uuid.UUID, date string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM daily_medication_taken WHERE medication_id = $1 AND taken_on = $2`,
		medicationID, date)
	return storageErr("delete taken record", err)
}

func (r *takenRepoPG) DeleteByMedication(ctx context.Context, medicationID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM daily_medication_taken WHERE medication_id = $1`, medicationID)
	return storageErr("delete taken records", err)
}

func (r *takenRepoPG) ListAll(ctx context.Context) ([]*DailyMedicationTaken, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+takenCols+` FROM daily_medication_taken ORDER BY taken_on, medication_id`)
	if err != nil {
		return nil, storageErr("list taken records", err)
	}
	defer rows.Close()

	var items []*DailyMedicationTaken
	for rows.Next() {
		d, err := r.scanTaken(rows)
		if err != nil {
			return nil, storageErr("scan taken record", err)
		}
		items = append(items, d)
	}
	return items, storageErr("list taken records", rows.Err())
}

// =========== Purchase History Repository ===========

type purchaseRepoPG struct{ pool *pgxpool.Pool }

func NewPurchaseRepoPG(pool *pgxpool.Pool) PurchaseRepository {
	return &purchaseRepoPG{pool: pool}
}

func (r *purchaseRepoPG) conn(ctx context.Context) queryable { return pgConn(ctx, r.pool) }

const purchaseCols = `id, medication_id, amount, purchase_date::text, created_at`

func (r *purchaseRepoPG) Create(ctx context.Context, p *PurchaseHistory) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO purchase_history (id, medication_id, amount, purchase_date, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()))
		RETURNING created_at`,
		p.ID, p.MedicationID, p.Amount, p.PurchaseDate, nullTime(p.CreatedAt),
	).Scan(&p.CreatedAt)
	return storageErr("create purchase", err)
}

func (r *purchaseRepoPG) list(ctx context.Context, op, query string, args ...interface{}) ([]*PurchaseHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var items []*PurchaseHistory
	for rows.Next() {
		var p PurchaseHistory
		if err := rows.Scan(&p.ID, &p.MedicationID, &p.Amount, &p.PurchaseDate, &p.CreatedAt); err != nil {
			return nil, storageErr(op, err)
		}
		items = append(items, &p)
	}
	return items, storageErr(op, rows.Err())
}

func (r *purchaseRepoPG) ListByMedication(ctx context.Context, medicationID uuid.UUID) ([]*PurchaseHistory, error) {
	return r.list(ctx, "list purchases",
		`SELECT `+purchaseCols+` FROM purchase_history WHERE medication_id = $1
		ORDER BY purchase_date, created_at`, medicationID)
}

func (r *purchaseRepoPG) ListBetween(ctx context.Context, from, to string) ([]*PurchaseHistory, error) {
	return r.list(ctx, "list purchases",
		`SELECT `+purchaseCols+` FROM purchase_history WHERE purchase_date BETWEEN $1 AND $2
		ORDER BY purchase_date, created_at`, from, to)
}

func (r *purchaseRepoPG) ListAll(ctx context.Context) ([]*PurchaseHistory, error) {
	return r.list(ctx, "list purchases",
		`SELECT `+purchaseCols+` FROM purchase_history ORDER BY purchase_date, created_at`)
}

func (r *purchaseRepoPG) DeleteByMedication(ctx context.Context, medicationID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM purchase_history WHERE medication_id = $1`, medicationID)
	return storageErr("delete purchases", err)
}

// =========== Marker Repository ===========

const (
	lastReductionKey = "last_stock_reduction_date"
	// reductionLockID is the pg_advisory_xact_lock key for reduction runs.
	reductionLockID int64 = 0x6d6564726564
)

type markerRepoPG struct{ pool *pgxpool.Pool }

func NewMarkerRepoPG(pool *pgxpool.Pool) MarkerRepository {
	return &markerRepoPG{pool: pool}
}

func (r *markerRepoPG) conn(ctx context.Context) queryable { return pgConn(ctx, r.pool) }

func (r *markerRepoPG) LastReductionDate(ctx context.Context) (string, error) {
	var v string
	err := r.conn(ctx).QueryRow(ctx, `SELECT value FROM app_marker WHERE key = $1`, lastReductionKey).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("read reduction marker", err)
	}
	return v, nil
}

func (r *markerRepoPG) SetLastReductionDate(ctx context.Context, date string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO app_marker (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		lastReductionKey, date)
	return storageErr("write reduction marker", err)
}

func (r *markerRepoPG) LockReduction(ctx context.Context) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, reductionLockID)
	return storageErr("lock reduction", err)
}
