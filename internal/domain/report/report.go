// Package report derives dashboard statistics, spending series and
// spreadsheet exports from the medication store. It never mutates state.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/internal/domain/medication"
)

const (
	// ExpiryWindowDays is how far ahead an expiry date raises an alert.
	ExpiryWindowDays = 30
	// AdherenceWindowDays is the trailing window adherence is measured over.
	AdherenceWindowDays = 30
	MaxSpendingMonths   = 24
)

type Service struct {
	medications medication.MedicationRepository
	taken       medication.TakenRepository
	purchases   medication.PurchaseRepository

	threshold int
	currency  string
	now       func() time.Time
	loc       *time.Location
}

func NewService(r medication.Repos, lowStockThreshold int, currency string) *Service {
	return &Service{
		medications: r.Medications,
		taken:       r.Taken,
		purchases:   r.Purchases,
		threshold:   lowStockThreshold,
		currency:    currency,
		now:         time.Now,
		loc:         time.Local,
	}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

// Today returns the current calendar date as a UTC midnight instant.
func (s *Service) Today() time.Time {
	t, _ := medication.ParseDate(medication.Today(s.now(), s.loc))
	return t
}

// Alert names a medication that needs attention.
type Alert struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	CurrentQuantity int       `json:"current_quantity"`
	DaysOfSupply    *int      `json:"days_of_supply,omitempty"`
	ExpiryDate      *string   `json:"expiry_date,omitempty"`
}

type Stats struct {
	AsOf              string          `json:"as_of"`
	Currency          string          `json:"currency"`
	TotalMedications  int             `json:"total_medications"`
	ActiveMedications int             `json:"active_medications"`
	LowStock          int             `json:"low_stock"`
	UpcomingRefills   int             `json:"upcoming_refills"`
	YearlySpending    decimal.Decimal `json:"yearly_spending"`
	// AdherenceRate is the percentage of scheduled timings marked taken over
	// the trailing window; nil when nothing was scheduled.
	AdherenceRate *float64 `json:"adherence_rate"`

	LowStockMedications []Alert `json:"low_stock_medications"`
	NeedingAppointment  []Alert `json:"needing_appointment"`
	Expiring            []Alert `json:"expiring"`
}

func daysOfSupply(m *medication.Medication) *int {
	if d, ok := medication.RemainingDaysOfSupply(m.CurrentQuantity, m.Frequency); ok {
		return &d
	}
	return nil
}

func alertFor(m *medication.Medication) Alert {
	return Alert{
		ID:              m.ID,
		Name:            m.Name,
		CurrentQuantity: m.CurrentQuantity,
		DaysOfSupply:    daysOfSupply(m),
		ExpiryDate:      m.ExpiryDate,
	}
}

// Stats summarizes the store as of the calendar date asOf. Only active
// medications count toward stock and refill alerts.
func (s *Service) Stats(ctx context.Context, asOf time.Time) (*Stats, error) {
	meds, _, err := s.medications.List(ctx, false, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}

	st := &Stats{
		AsOf:                medication.FormatDate(asOf),
		Currency:            s.currency,
		TotalMedications:    len(meds),
		YearlySpending:      decimal.Zero,
		LowStockMedications: []Alert{},
		NeedingAppointment:  []Alert{},
		Expiring:            []Alert{},
	}

	expiryLimit := asOf.AddDate(0, 0, ExpiryWindowDays)
	for _, m := range meds {
		if m.ExpiryDate != nil {
			if exp, err := medication.ParseDate(*m.ExpiryDate); err == nil && exp.After(asOf) && !exp.After(expiryLimit) {
				st.Expiring = append(st.Expiring, alertFor(m))
			}
		}
		if !m.IsActive {
			continue
		}
		st.ActiveMedications++

		if m.CurrentQuantity <= s.threshold {
			st.LowStock++
			st.LowStockMedications = append(st.LowStockMedications, alertFor(m))
		}
		days, ok := medication.RemainingDaysOfSupply(m.CurrentQuantity, m.Frequency)
		if ok && days <= s.threshold {
			st.UpcomingRefills++
			if m.RepeatsRemaining == 0 {
				st.NeedingAppointment = append(st.NeedingAppointment, alertFor(m))
			}
		}
	}

	year := asOf.Year()
	purchases, err := s.purchases.ListBetween(ctx, medication.StartOfYear(year), fmt.Sprintf("%04d-12-31", year))
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	for _, p := range purchases {
		st.YearlySpending = st.YearlySpending.Add(p.Amount)
	}

	rate, err := s.adherence(ctx, meds, asOf)
	if err != nil {
		return nil, err
	}
	st.AdherenceRate = rate
	return st, nil
}

// adherence compares taken timings with the timings each active medication
// schedules per day. A medication only counts from the day it was created.
func (s *Service) adherence(ctx context.Context, meds []*medication.Medication, asOf time.Time) (*float64, error) {
	windowStart := asOf.AddDate(0, 0, -(AdherenceWindowDays - 1))
	from := medication.FormatDate(windowStart)
	to := medication.FormatDate(asOf)

	scheduled := make(map[uuid.UUID]map[string]bool)
	expected := 0
	for _, m := range meds {
		if !m.IsActive || len(m.Timings) == 0 {
			continue
		}
		start := windowStart
		if !m.CreatedAt.IsZero() {
			created, _ := medication.ParseDate(medication.Today(m.CreatedAt, s.loc))
			if created.After(start) {
				start = created
			}
		}
		if start.After(asOf) {
			continue
		}
		days := int(asOf.Sub(start).Hours()/24) + 1
		expected += days * len(m.Timings)

		set := make(map[string]bool, len(m.Timings))
		for _, t := range m.Timings {
			set[t] = true
		}
		scheduled[m.ID] = set
	}
	if expected == 0 {
		return nil, nil
	}

	records, err := s.taken.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list taken records: %w", err)
	}
	taken := 0
	for _, r := range records {
		set, ok := scheduled[r.MedicationID]
		if !ok || r.Date < from || r.Date > to {
			continue
		}
		for _, t := range r.TimingsTaken {
			if set[t] {
				taken++
			}
		}
	}

	rate := math.Round(float64(taken)/float64(expected)*1000) / 10
	if rate > 100 {
		rate = 100
	}
	return &rate, nil
}

type MonthTotal struct {
	Month     string          `json:"month"`
	Total     decimal.Decimal `json:"total"`
	Purchases int             `json:"purchases"`
}

// MonthlySpending totals purchase history per month for the months
// trailing asOf, oldest first. Months without purchases are reported as
// zero.
func (s *Service) MonthlySpending(ctx context.Context, asOf time.Time, months int) ([]MonthTotal, error) {
	if months < 1 || months > MaxSpendingMonths {
		return nil, fmt.Errorf("%w: months must be between 1 and %d, got %d", medication.ErrInvalidInput, MaxSpendingMonths, months)
	}

	first := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
	last := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)

	out := make([]MonthTotal, months)
	index := make(map[string]int, months)
	for i := 0; i < months; i++ {
		key := first.AddDate(0, i, 0).Format("2006-01")
		out[i] = MonthTotal{Month: key, Total: decimal.Zero}
		index[key] = i
	}

	purchases, err := s.purchases.ListBetween(ctx, medication.FormatDate(first), medication.FormatDate(last))
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	for _, p := range purchases {
		if len(p.PurchaseDate) < 7 {
			continue
		}
		i, ok := index[p.PurchaseDate[:7]]
		if !ok {
			continue
		}
		out[i].Total = out[i].Total.Add(p.Amount)
		out[i].Purchases++
	}
	return out, nil
}

// Summary is one medication row of an export.
type Summary struct {
	ID                   uuid.UUID       `json:"id"`
	Name                 string          `json:"name"`
	Dosage               string          `json:"dosage"`
	Form                 string          `json:"form"`
	Active               bool            `json:"active"`
	Frequency            int             `json:"frequency"`
	CurrentQuantity      int             `json:"current_quantity"`
	DaysOfSupply         *int            `json:"days_of_supply"`
	RepeatsRemaining     int             `json:"repeats_remaining"`
	RemainingDispensings int             `json:"remaining_dispensings"`
	Cost                 decimal.Decimal `json:"cost"`
	YearlyTotal          decimal.Decimal `json:"yearly_total"`
	ExpiryDate           string          `json:"expiry_date"`
}

func (s *Service) MedicationSummaries(ctx context.Context, asOf time.Time) ([]Summary, error) {
	meds, _, err := s.medications.List(ctx, false, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	out := make([]Summary, 0, len(meds))
	for _, m := range meds {
		sum := Summary{
			ID:                   m.ID,
			Name:                 m.Name,
			Dosage:               m.Dosage,
			Form:                 string(m.Form),
			Active:               m.IsActive,
			Frequency:            m.Frequency,
			CurrentQuantity:      m.CurrentQuantity,
			DaysOfSupply:         daysOfSupply(m),
			RepeatsRemaining:     m.RepeatsRemaining,
			RemainingDispensings: medication.RemainingDispensings(m),
			Cost:                 m.Cost,
			YearlyTotal:          medication.ResolveYearlyTotal(m, asOf),
		}
		if m.ExpiryDate != nil {
			sum.ExpiryDate = *m.ExpiryDate
		}
		out = append(out, sum)
	}
	return out, nil
}

// PurchaseRow is a purchase joined with its medication name.
type PurchaseRow struct {
	Date       string
	Medication string
	Amount     decimal.Decimal
}

// Export gathers everything WriteWorkbook renders.
type Export struct {
	AsOf        string
	Currency    string
	Medications []Summary
	Purchases   []PurchaseRow
	Monthly     []MonthTotal
}

func (s *Service) Export(ctx context.Context, asOf time.Time) (*Export, error) {
	summaries, err := s.MedicationSummaries(ctx, asOf)
	if err != nil {
		return nil, err
	}
	names := make(map[uuid.UUID]string, len(summaries))
	for _, m := range summaries {
		names[m.ID] = m.Name
	}

	all, err := s.purchases.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	rows := make([]PurchaseRow, 0, len(all))
	for _, p := range all {
		rows = append(rows, PurchaseRow{Date: p.PurchaseDate, Medication: names[p.MedicationID], Amount: p.Amount})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })

	monthly, err := s.MonthlySpending(ctx, asOf, 12)
	if err != nil {
		return nil, err
	}
	return &Export{
		AsOf:        medication.FormatDate(asOf),
		Currency:    s.currency,
		Medications: summaries,
		Purchases:   rows,
		Monthly:     monthly,
	}, nil
}
