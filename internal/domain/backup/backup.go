// Package backup exports the whole store as a JSON snapshot and restores it.
package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medstock/medstock/internal/domain/medication"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot carries every persisted field of the engine. Medications hold the
// raw stored yearly accumulator, not the resolved one.
type Snapshot struct {
	Version                int                                `json:"version"`
	ExportedAt             time.Time                          `json:"exported_at"`
	Medications            []*medication.Medication           `json:"medications"`
	DailyTaken             []*medication.DailyMedicationTaken `json:"daily_taken"`
	Purchases              []*medication.PurchaseHistory      `json:"purchases"`
	LastStockReductionDate string                             `json:"last_stock_reduction_date"`
}

// ImportResult reports how many rows a restore wrote.
type ImportResult struct {
	Medications int `json:"medications"`
	DailyTaken  int `json:"daily_taken"`
	Purchases   int `json:"purchases"`
	Replaced    int `json:"replaced"`
}

type Service struct {
	repos  medication.Repos
	now    func() time.Time
	logger zerolog.Logger
}

func NewService(r medication.Repos) *Service {
	return &Service{repos: r, now: time.Now, logger: zerolog.Nop()}
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

func (s *Service) Export(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Version: SnapshotVersion, ExportedAt: s.now().UTC()}
	err := s.repos.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if snap.Medications, _, err = s.repos.Medications.List(ctx, false, 0, 0); err != nil {
			return err
		}
		if snap.DailyTaken, err = s.repos.Taken.ListAll(ctx); err != nil {
			return err
		}
		if snap.Purchases, err = s.repos.Purchases.ListAll(ctx); err != nil {
			return err
		}
		snap.LastStockReductionDate, err = s.repos.Markers.LastReductionDate(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if snap.Medications == nil {
		snap.Medications = []*medication.Medication{}
	}
	if snap.DailyTaken == nil {
		snap.DailyTaken = []*medication.DailyMedicationTaken{}
	}
	if snap.Purchases == nil {
		snap.Purchases = []*medication.PurchaseHistory{}
	}
	return snap, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{medication.ErrInvalidInput}, args...)...)
}

func checkDate(field, d string) error {
	if _, err := medication.ParseDate(d); err != nil {
		return invalid("%s: malformed date %q", field, d)
	}
	return nil
}

// Validate checks referential integrity and formats without touching the
// store. Medications get the same field checks as CreateMedication.
func Validate(snap *Snapshot) error {
	if snap == nil {
		return invalid("empty snapshot")
	}
	if snap.Version != SnapshotVersion {
		return invalid("unsupported snapshot version %d", snap.Version)
	}

	meds := make(map[uuid.UUID]bool, len(snap.Medications))
	for i, m := range snap.Medications {
		if m == nil || m.ID == uuid.Nil {
			return invalid("medications[%d]: id is required", i)
		}
		if meds[m.ID] {
			return invalid("medications[%d]: duplicate id %s", i, m.ID)
		}
		meds[m.ID] = true
		if err := medication.ValidateMedication(m); err != nil {
			return fmt.Errorf("medications[%d]: %w", i, err)
		}
		if m.YearlyTotalCost.IsNegative() {
			return invalid("medications[%d]: negative yearly_total_cost", i)
		}
	}

	seen := make(map[string]bool, len(snap.DailyTaken))
	for i, d := range snap.DailyTaken {
		if d == nil || !meds[d.MedicationID] {
			return invalid("daily_taken[%d]: unknown medication", i)
		}
		if err := checkDate(fmt.Sprintf("daily_taken[%d].date", i), d.Date); err != nil {
			return err
		}
		if len(d.TimingsTaken) == 0 {
			return invalid("daily_taken[%d]: timings_taken is empty", i)
		}
		labels := make(map[string]bool, len(d.TimingsTaken))
		for _, t := range d.TimingsTaken {
			if strings.TrimSpace(t) == "" {
				return invalid("daily_taken[%d]: empty timing label", i)
			}
			if labels[t] {
				return invalid("daily_taken[%d]: duplicate timing %q", i, t)
			}
			labels[t] = true
		}
		key := d.MedicationID.String() + "/" + d.Date
		if seen[key] {
			return invalid("daily_taken[%d]: duplicate record for %s", i, key)
		}
		seen[key] = true
	}

	purchases := make(map[uuid.UUID]bool, len(snap.Purchases))
	for i, p := range snap.Purchases {
		if p == nil || !meds[p.MedicationID] {
			return invalid("purchases[%d]: unknown medication", i)
		}
		if p.ID != uuid.Nil {
			if purchases[p.ID] {
				return invalid("purchases[%d]: duplicate id %s", i, p.ID)
			}
			purchases[p.ID] = true
		}
		if err := checkDate(fmt.Sprintf("purchases[%d].purchase_date", i), p.PurchaseDate); err != nil {
			return err
		}
		if p.Amount.IsNegative() {
			return invalid("purchases[%d]: negative amount", i)
		}
	}

	if snap.LastStockReductionDate != "" {
		return checkDate("last_stock_reduction_date", snap.LastStockReductionDate)
	}
	return nil
}

// Import replaces the whole store with snap in one transaction, keeping
// every id. Nothing is written if validation fails.
func (s *Service) Import(ctx context.Context, snap *Snapshot) (*ImportResult, error) {
	if err := Validate(snap); err != nil {
		return nil, err
	}

	res := &ImportResult{}
	err := s.repos.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repos.Markers.LockReduction(ctx); err != nil {
			return err
		}
		existing, _, err := s.repos.Medications.List(ctx, false, 0, 0)
		if err != nil {
			return err
		}
		for _, m := range existing {
			if err := s.repos.Taken.DeleteByMedication(ctx, m.ID); err != nil {
				return err
			}
			if err := s.repos.Purchases.DeleteByMedication(ctx, m.ID); err != nil {
				return err
			}
			if err := s.repos.Medications.Delete(ctx, m.ID); err != nil {
				return err
			}
			res.Replaced++
		}

		for _, m := range snap.Medications {
			if m.Timings == nil {
				m.Timings = []string{}
			}
			if err := s.repos.Medications.Create(ctx, m); err != nil {
				return err
			}
			res.Medications++
		}
		for _, d := range snap.DailyTaken {
			if err := s.repos.Taken.Save(ctx, d); err != nil {
				return err
			}
			res.DailyTaken++
		}
		for _, p := range snap.Purchases {
			if err := s.repos.Purchases.Create(ctx, p); err != nil {
				return err
			}
			res.Purchases++
		}
		return s.repos.Markers.SetLastReductionDate(ctx, snap.LastStockReductionDate)
	})
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	s.logger.Info().
		Int("medications", res.Medications).
		Int("daily_taken", res.DailyTaken).
		Int("purchases", res.Purchases).
		Int("replaced", res.Replaced).
		Msg("snapshot imported")
	return res, nil
}
