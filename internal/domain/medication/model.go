package medication

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MedicationForm is the dosage form of a medication.
type MedicationForm string

const (
	FormTablet      MedicationForm = "tablet"
	FormCapsule     MedicationForm = "capsule"
	FormLiquid      MedicationForm = "liquid"
	FormInjection   MedicationForm = "injection"
	FormCream       MedicationForm = "cream"
	FormOintment    MedicationForm = "ointment"
	FormDrops       MedicationForm = "drops"
	FormInhaler     MedicationForm = "inhaler"
	FormPatch       MedicationForm = "patch"
	FormSuppository MedicationForm = "suppository"
	FormOther       MedicationForm = "other"
)

var validForms = map[MedicationForm]bool{
	FormTablet: true, FormCapsule: true, FormLiquid: true, FormInjection: true,
	FormCream: true, FormOintment: true, FormDrops: true, FormInhaler: true,
	FormPatch: true, FormSuppository: true, FormOther: true,
}

// Medication maps to the medication table.
//
// CurrentQuantity, YearlyTotalCost and LastYearlyResetDate are owned by the
// tracking engine; Service.UpdateMedication never writes them.
type Medication struct {
	ID           uuid.UUID      `db:"id" json:"id"`
	Name         string         `db:"name" json:"name"`
	Dosage       string         `db:"dosage" json:"dosage"`
	Form         MedicationForm `db:"form" json:"form"`
	Frequency    int            `db:"frequency" json:"frequency"`
	Timings      []string       `db:"timings" json:"timings"`
	Instructions *string        `db:"instructions" json:"instructions,omitempty"`
	DoctorID     *string        `db:"doctor_id" json:"doctor_id,omitempty"`
	PharmacyID   *string        `db:"pharmacy_id" json:"pharmacy_id,omitempty"`

	PrescriptionDate *string `db:"prescription_date" json:"prescription_date,omitempty"`
	ExpiryDate       *string `db:"expiry_date" json:"expiry_date,omitempty"`
	RepeatsRemaining int     `db:"repeats_remaining" json:"repeats_remaining"`
	TotalRepeats     int     `db:"total_repeats" json:"total_repeats"`

	QuantityPerFill int `db:"quantity_per_fill" json:"quantity_per_fill"`
	CurrentQuantity int `db:"current_quantity" json:"current_quantity"`

	Cost                      decimal.Decimal `db:"cost" json:"cost"`
	TotalDispensingsPurchased int             `db:"total_dispensings_purchased" json:"total_dispensings_purchased"`
	YearlyTotalCost           decimal.Decimal `db:"yearly_total_cost" json:"yearly_total_cost"`
	LastYearlyResetDate       *string         `db:"last_yearly_reset_date" json:"last_yearly_reset_date,omitempty"`

	IsActive  bool      `db:"is_active" json:"is_active"`
	Notes     *string   `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DailyMedicationTaken maps to the daily_medication_taken table. One row per
// medication per calendar date; the row only exists while TimingsTaken is
// non-empty.
type DailyMedicationTaken struct {
	ID           uuid.UUID `db:"id" json:"id"`
	MedicationID uuid.UUID `db:"medication_id" json:"medication_id"`
	Date         string    `db:"taken_on" json:"date"`
	TimingsTaken []string  `db:"timings_taken" json:"timings_taken"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Has reports whether timing is already marked taken.
func (d *DailyMedicationTaken) Has(timing string) bool {
	if d == nil {
		return false
	}
	for _, t := range d.TimingsTaken {
		if t == timing {
			return true
		}
	}
	return false
}

// PurchaseHistory maps to the purchase_history table. Entries are never
// updated.
type PurchaseHistory struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	MedicationID uuid.UUID       `db:"medication_id" json:"medication_id"`
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	PurchaseDate string          `db:"purchase_date" json:"purchase_date"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// ReductionResult describes one RunDailyReduction invocation.
type ReductionResult struct {
	Date       string      `json:"date"`
	AlreadyRan bool        `json:"already_ran"`
	Reduced    []uuid.UUID `json:"reduced"`
	Skipped    []uuid.UUID `json:"skipped"`
}

// normalizeTimings trims, drops empties, deduplicates and sorts.
func normalizeTimings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func removeTiming(in []string, timing string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t != timing {
			out = append(out, t)
		}
	}
	return out
}
