package medication

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/internal/platform/telemetry"
)

type Service struct {
	medications MedicationRepository
	taken       TakenRepository
	purchases   PurchaseRepository
	markers     MarkerRepository
	tx          Transactor

	now     func() time.Time
	loc     *time.Location
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewService(r Repos) *Service {
	return &Service{
		medications: r.Medications,
		taken:       r.Taken,
		purchases:   r.Purchases,
		markers:     r.Markers,
		tx:          r.Tx,
		now:         time.Now,
		loc:         time.Local,
		logger:      zerolog.Nop(),
	}
}

// SetClock replaces the wall clock used to decide "today".
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetLocation sets the time zone calendar dates are computed in.
func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetMetrics attaches optional collectors (may be nil).
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// Now returns the current instant in the configured location.
func (s *Service) Now() time.Time { return s.now().In(s.loc) }

// Today returns the current calendar date in the configured location.
func (s *Service) Today() string { return Today(s.now(), s.loc) }

// -- Medication CRUD --

// ValidateMedication checks the fields a stored medication must satisfy. It
// trims the name, defaults the form and normalizes timings in place.
func ValidateMedication(m *Medication) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return invalidf("name is required")
	}
	if m.Frequency <= 0 {
		return invalidf("frequency must be positive, got %d", m.Frequency)
	}
	if m.QuantityPerFill <= 0 {
		return invalidf("quantity_per_fill must be positive, got %d", m.QuantityPerFill)
	}
	if m.Form == "" {
		m.Form = FormTablet
	}
	if !validForms[m.Form] {
		return invalidf("invalid form: %s", m.Form)
	}
	if m.CurrentQuantity < 0 {
		return invalidf("current_quantity must not be negative")
	}
	if m.Cost.IsNegative() {
		return invalidf("cost must not be negative")
	}
	if m.TotalDispensingsPurchased < 0 {
		return invalidf("total_dispensings_purchased must not be negative")
	}
	if m.RepeatsRemaining < 0 || m.TotalRepeats < 0 {
		return invalidf("repeats must not be negative")
	}
	if m.RepeatsRemaining > m.TotalRepeats {
		return invalidf("repeats_remaining (%d) exceeds total_repeats (%d)", m.RepeatsRemaining, m.TotalRepeats)
	}
	for _, d := range []*string{m.PrescriptionDate, m.ExpiryDate, m.LastYearlyResetDate} {
		if d != nil && *d != "" {
			if _, err := ParseDate(*d); err != nil {
				return err
			}
		}
	}
	m.Timings = normalizeTimings(m.Timings)
	return nil
}

// CreateMedication validates and stores m. The yearly accumulator always
// starts empty.
func (s *Service) CreateMedication(ctx context.Context, m *Medication) error {
	if err := ValidateMedication(m); err != nil {
		return err
	}
	m.YearlyTotalCost = decimal.Zero
	m.LastYearlyResetDate = nil
	return storageErr("create medication", s.medications.Create(ctx, m))
}

func (s *Service) GetMedication(ctx context.Context, id uuid.UUID) (*Medication, error) {
	m, err := s.medications.GetByID(ctx, id)
	if err != nil {
		return nil, storageErr("get medication", err)
	}
	m.YearlyTotalCost = ResolveYearlyTotal(m, s.Now())
	return m, nil
}

func (s *Service) ListMedications(ctx context.Context, activeOnly bool, limit, offset int) ([]*Medication, int, error) {
	items, total, err := s.medications.List(ctx, activeOnly, limit, offset)
	if err != nil {
		return nil, 0, storageErr("list medications", err)
	}
	now := s.Now()
	for _, m := range items {
		m.YearlyTotalCost = ResolveYearlyTotal(m, now)
	}
	return items, total, nil
}

// UpdateMedication applies the user-editable fields of in to the stored
// medication. Stock and the yearly accumulator are left untouched.
func (s *Service) UpdateMedication(ctx context.Context, in *Medication) (*Medication, error) {
	if err := ValidateMedication(in); err != nil {
		return nil, err
	}

	var out *Medication
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.medications.GetForUpdate(ctx, in.ID)
		if err != nil {
			return err
		}
		m.Name = in.Name
		m.Dosage = in.Dosage
		m.Form = in.Form
		m.Frequency = in.Frequency
		m.Timings = in.Timings
		m.Instructions = in.Instructions
		m.DoctorID = in.DoctorID
		m.PharmacyID = in.PharmacyID
		m.PrescriptionDate = in.PrescriptionDate
		m.ExpiryDate = in.ExpiryDate
		m.RepeatsRemaining = in.RepeatsRemaining
		m.TotalRepeats = in.TotalRepeats
		m.QuantityPerFill = in.QuantityPerFill
		m.Cost = in.Cost
		m.TotalDispensingsPurchased = in.TotalDispensingsPurchased
		m.IsActive = in.IsActive
		m.Notes = in.Notes
		if err := s.medications.Update(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, storageErr("update medication", err)
	}
	out.YearlyTotalCost = ResolveYearlyTotal(out, s.Now())
	return out, nil
}

// DeleteMedication removes the medication with its taken log and purchase
// history.
func (s *Service) DeleteMedication(ctx context.Context, id uuid.UUID) error {
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.medications.GetForUpdate(ctx, id); err != nil {
			return err
		}
		if err := s.taken.DeleteByMedication(ctx, id); err != nil {
			return err
		}
		if err := s.purchases.DeleteByMedication(ctx, id); err != nil {
			return err
		}
		return s.medications.Delete(ctx, id)
	})
	if err != nil {
		return storageErr("delete medication", err)
	}
	s.logger.Info().Str("medication_id", id.String()).Msg("medication deleted")
	return nil
}

// -- Dose tracking --

func cleanTiming(timing string) (string, error) {
	timing = strings.TrimSpace(timing)
	if timing == "" {
		return "", invalidf("timing is required")
	}
	return timing, nil
}

// MarkTaken records timing as taken on date and consumes one unit of stock,
// floored at zero. Marking an already taken timing is a no-op.
func (s *Service) MarkTaken(ctx context.Context, id uuid.UUID, timing, date string) error {
	timing, err := cleanTiming(timing)
	if err != nil {
		return err
	}
	if _, err := ParseDate(date); err != nil {
		return err
	}

	var consumed int
	noop := false
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.medications.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		rec, err := s.taken.Get(ctx, id, date)
		if err != nil {
			return err
		}
		if rec.Has(timing) {
			noop = true
			return nil
		}
		if rec == nil {
			rec = &DailyMedicationTaken{MedicationID: id, Date: date}
		}
		rec.TimingsTaken = normalizeTimings(append(rec.TimingsTaken, timing))
		if err := s.taken.Save(ctx, rec); err != nil {
			return err
		}

		before := m.CurrentQuantity
		m.CurrentQuantity = floorZero(before - 1)
		consumed = before - m.CurrentQuantity
		return s.medications.Update(ctx, m)
	})
	if err != nil {
		return storageErr("mark taken", err)
	}

	log := s.logger.With().Str("medication_id", id.String()).Str("timing", timing).Str("date", date).Logger()
	if noop {
		s.metrics.NoopGuard("mark_taken")
		log.Debug().Msg("timing already taken")
		return nil
	}
	s.metrics.DoseMarked()
	s.metrics.StockConsumed(consumed)
	log.Debug().Int("consumed", consumed).Msg("dose marked taken")
	return nil
}

// UnmarkTaken reverses MarkTaken, returning one unit to stock. Unmarking a
// timing that is not taken is a no-op.
func (s *Service) UnmarkTaken(ctx context.Context, id uuid.UUID, timing, date string) error {
	timing, err := cleanTiming(timing)
	if err != nil {
		return err
	}
	if _, err := ParseDate(date); err != nil {
		return err
	}

	noop := false
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.medications.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		rec, err := s.taken.Get(ctx, id, date)
		if err != nil {
			return err
		}
		if !rec.Has(timing) {
			noop = true
			return nil
		}

		rec.TimingsTaken = removeTiming(rec.TimingsTaken, timing)
		if len(rec.TimingsTaken) == 0 {
			err = s.taken.Delete(ctx, id, date)
		} else {
			err = s.taken.Save(ctx, rec)
		}
		if err != nil {
			return err
		}

		m.CurrentQuantity++
		return s.medications.Update(ctx, m)
	})
	if err != nil {
		return storageErr("unmark taken", err)
	}

	log := s.logger.With().Str("medication_id", id.String()).Str("timing", timing).Str("date", date).Logger()
	if noop {
		s.metrics.NoopGuard("unmark_taken")
		log.Debug().Msg("timing not taken")
		return nil
	}
	s.metrics.DoseUnmarked()
	log.Debug().Msg("dose unmarked")
	return nil
}

// TakenTimings returns the sorted timings taken on date, never nil.
func (s *Service) TakenTimings(ctx context.Context, id uuid.UUID, date string) ([]string, error) {
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}
	if _, err := s.medications.GetByID(ctx, id); err != nil {
		return nil, storageErr("get medication", err)
	}
	rec, err := s.taken.Get(ctx, id, date)
	if err != nil {
		return nil, storageErr("get taken record", err)
	}
	if rec == nil {
		return []string{}, nil
	}
	return normalizeTimings(rec.TimingsTaken), nil
}

// -- Daily reduction --

// RunDailyReduction consumes a full day's frequency from every active
// medication that has no taken record for today. It runs at most once per
// calendar date; later calls on the same date report AlreadyRan.
//
// Any taken record for the day exempts the medication, even a partial one.
func (s *Service) RunDailyReduction(ctx context.Context) (*ReductionResult, error) {
	today := s.Today()
	result := &ReductionResult{Date: today, Reduced: []uuid.UUID{}, Skipped: []uuid.UUID{}}
	consumed := 0

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.markers.LockReduction(ctx); err != nil {
			return err
		}
		last, err := s.markers.LastReductionDate(ctx)
		if err != nil {
			return err
		}
		if last == today {
			result.AlreadyRan = true
			return nil
		}

		active, _, err := s.medications.List(ctx, true, 0, 0)
		if err != nil {
			return err
		}
		for _, a := range active {
			m, err := s.medications.GetForUpdate(ctx, a.ID)
			if err != nil {
				return err
			}
			if !m.IsActive {
				continue
			}
			rec, err := s.taken.Get(ctx, m.ID, today)
			if err != nil {
				return err
			}
			if rec != nil {
				result.Skipped = append(result.Skipped, m.ID)
				continue
			}

			before := m.CurrentQuantity
			m.CurrentQuantity = floorZero(before - m.Frequency)
			if m.CurrentQuantity != before {
				if err := s.medications.Update(ctx, m); err != nil {
					return err
				}
			}
			consumed += before - m.CurrentQuantity
			result.Reduced = append(result.Reduced, m.ID)
		}
		return s.markers.SetLastReductionDate(ctx, today)
	})
	if err != nil {
		s.metrics.ReductionRun("error", 0)
		return nil, storageErr("daily reduction", err)
	}

	if result.AlreadyRan {
		s.metrics.ReductionRun("already_ran", 0)
		s.logger.Debug().Str("date", today).Msg("daily stock reduction already ran")
		return result, nil
	}
	s.metrics.ReductionRun("completed", len(result.Reduced))
	s.metrics.StockConsumed(consumed)
	s.logger.Info().
		Str("date", today).
		Int("reduced", len(result.Reduced)).
		Int("skipped", len(result.Skipped)).
		Int("units_consumed", consumed).
		Msg("daily stock reduction complete")
	return result, nil
}

// LastReductionDate returns the marker date, "" if the reduction never ran.
func (s *Service) LastReductionDate(ctx context.Context) (string, error) {
	d, err := s.markers.LastReductionDate(ctx)
	return d, storageErr("read reduction marker", err)
}

// -- Purchases and yearly cost --

// ResolveYearlyTotal returns the yearly accumulator as it stands for
// asOf's calendar year. A total stamped with an earlier year, or with no
// year at all, resolves to zero.
func ResolveYearlyTotal(m *Medication, asOf time.Time) decimal.Decimal {
	lastResetYear := asOf.Year() - 1
	if m.LastYearlyResetDate != nil && *m.LastYearlyResetDate != "" {
		if t, err := ParseDate(*m.LastYearlyResetDate); err == nil {
			lastResetYear = t.Year()
		}
	}
	if asOf.Year() > lastResetYear {
		return decimal.Zero
	}
	return m.YearlyTotalCost
}

// RecordPurchase appends a purchase and adds amount to the yearly
// accumulator of the purchase's year. A zero amount is a no-op.
func (s *Service) RecordPurchase(ctx context.Context, id uuid.UUID, amount decimal.Decimal, purchaseDate string) error {
	if amount.IsNegative() {
		return invalidf("amount must not be negative, got %s", amount)
	}
	pd, err := s.purchaseDate(purchaseDate)
	if err != nil {
		return err
	}

	if amount.IsZero() {
		if _, err := s.medications.GetByID(ctx, id); err != nil {
			return storageErr("get medication", err)
		}
		s.metrics.NoopGuard("record_purchase")
		s.logger.Debug().Str("medication_id", id.String()).Msg("zero purchase amount skipped")
		return nil
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.medications.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.appendPurchase(ctx, m, amount, purchaseDate, pd); err != nil {
			return err
		}
		return s.medications.Update(ctx, m)
	})
	if err != nil {
		return storageErr("record purchase", err)
	}

	s.metrics.PurchaseRecorded(amount.InexactFloat64())
	s.logger.Info().
		Str("medication_id", id.String()).
		Str("amount", amount.String()).
		Str("purchase_date", purchaseDate).
		Msg("purchase recorded")
	return nil
}

// purchaseDate parses date and rejects days after today.
func (s *Service) purchaseDate(date string) (time.Time, error) {
	pd, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	today := s.Today()
	if t, _ := ParseDate(today); pd.After(t) {
		return time.Time{}, invalidf("purchase_date %s is after today (%s)", date, today)
	}
	return pd, nil
}

// appendPurchase writes the history entry and folds amount into m's
// accumulator. The caller persists m.
//
// A purchase dated before the accumulator's year is kept in history only.
func (s *Service) appendPurchase(ctx context.Context, m *Medication, amount decimal.Decimal, date string, pd time.Time) error {
	if err := s.purchases.Create(ctx, &PurchaseHistory{
		MedicationID: m.ID,
		Amount:       amount,
		PurchaseDate: date,
	}); err != nil {
		return err
	}

	if m.LastYearlyResetDate != nil && *m.LastYearlyResetDate != "" {
		if last, err := ParseDate(*m.LastYearlyResetDate); err == nil && pd.Year() < last.Year() {
			return nil
		}
	}
	m.YearlyTotalCost = ResolveYearlyTotal(m, pd).Add(amount)
	reset := StartOfYear(pd.Year())
	m.LastYearlyResetDate = &reset
	return nil
}

// FinalizePurchase records TotalAmountForThisPurchase as one purchase on
// purchaseDate and resets the purchased-dispensings counter. It returns the
// amount recorded.
func (s *Service) FinalizePurchase(ctx context.Context, id uuid.UUID, purchaseDate string) (decimal.Decimal, error) {
	pd, err := s.purchaseDate(purchaseDate)
	if err != nil {
		return decimal.Zero, err
	}

	var amount decimal.Decimal
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.medications.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		amount = TotalAmountForThisPurchase(m)
		if amount.IsPositive() {
			if err := s.appendPurchase(ctx, m, amount, purchaseDate, pd); err != nil {
				return err
			}
		}
		m.TotalDispensingsPurchased = 0
		return s.medications.Update(ctx, m)
	})
	if err != nil {
		return decimal.Zero, storageErr("finalize purchase", err)
	}

	if amount.IsPositive() {
		s.metrics.PurchaseRecorded(amount.InexactFloat64())
	}
	s.logger.Info().
		Str("medication_id", id.String()).
		Str("amount", amount.String()).
		Str("purchase_date", purchaseDate).
		Msg("purchase finalized")
	return amount, nil
}

func (s *Service) ListPurchases(ctx context.Context, id uuid.UUID) ([]*PurchaseHistory, error) {
	if _, err := s.medications.GetByID(ctx, id); err != nil {
		return nil, storageErr("get medication", err)
	}
	items, err := s.purchases.ListByMedication(ctx, id)
	if err != nil {
		return nil, storageErr("list purchases", err)
	}
	if items == nil {
		items = []*PurchaseHistory{}
	}
	return items, nil
}

// Restock adds physically received units to the stock.
func (s *Service) Restock(ctx context.Context, id uuid.UUID, units int) (*Medication, error) {
	if units <= 0 {
		return nil, invalidf("units must be positive, got %d", units)
	}

	var out *Medication
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		m, err := s.medications.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		m.CurrentQuantity += units
		if err := s.medications.Update(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, storageErr("restock", err)
	}

	s.logger.Info().Str("medication_id", id.String()).Int("units", units).Int("current_quantity", out.CurrentQuantity).Msg("medication restocked")
	out.YearlyTotalCost = ResolveYearlyTotal(out, s.Now())
	return out, nil
}

func floorZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
