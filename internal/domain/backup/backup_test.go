package backup

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/internal/domain/medication"
	"github.com/medstock/medstock/internal/platform/db"
)

var clock = func() time.Time { return time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC) }

func newStore(t *testing.T) (*Service, *medication.Service, medication.Repos) {
	t.Helper()
	kv, err := db.OpenBadger("", zerolog.Nop())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	repos := medication.NewBadgerRepos(kv)
	meds := medication.NewService(repos)
	meds.SetLocation(time.UTC)
	meds.SetClock(clock)

	svc := NewService(repos)
	svc.SetClock(clock)
	return svc, meds, repos
}

func seed(t *testing.T, meds *medication.Service) {
	t.Helper()
	ctx := context.Background()
	expiry := "2027-02-01"
	m := &medication.Medication{
		Name: "Metformin", Dosage: "500mg", Frequency: 2, QuantityPerFill: 60,
		CurrentQuantity: 10, Timings: []string{"morning", "evening"},
		Cost: decimal.RequireFromString("12.50"), TotalRepeats: 3, RepeatsRemaining: 2,
		ExpiryDate: &expiry, IsActive: true,
	}
	if err := meds.CreateMedication(ctx, m); err != nil {
		t.Fatal(err)
	}
	other := &medication.Medication{Name: "Aspirin", Frequency: 1, QuantityPerFill: 30, CurrentQuantity: 4}
	if err := meds.CreateMedication(ctx, other); err != nil {
		t.Fatal(err)
	}
	if err := meds.MarkTaken(ctx, m.ID, "morning", "2026-03-15"); err != nil {
		t.Fatal(err)
	}
	if err := meds.RecordPurchase(ctx, m.ID, decimal.RequireFromString("37.50"), "2026-03-01"); err != nil {
		t.Fatal(err)
	}
	if _, err := meds.RunDailyReduction(ctx); err != nil {
		t.Fatal(err)
	}
}

func strPtr(s string) *string { return &s }

var ignoreExportTime = cmpopts.IgnoreFields(Snapshot{}, "ExportedAt")

func TestExportImport_RoundTrip(t *testing.T) {
	src, srcMeds, _ := newStore(t)
	seed(t, srcMeds)
	ctx := context.Background()

	snap, err := src.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(snap.Medications) != 2 || len(snap.DailyTaken) != 1 || len(snap.Purchases) != 1 {
		t.Fatalf("unexpected snapshot sizes %d/%d/%d", len(snap.Medications), len(snap.DailyTaken), len(snap.Purchases))
	}
	if snap.LastStockReductionDate != "2026-03-15" {
		t.Errorf("expected marker in snapshot, got %q", snap.LastStockReductionDate)
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	dst, dstMeds, _ := newStore(t)
	res, err := dst.Import(ctx, &decoded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Medications != 2 || res.DailyTaken != 1 || res.Purchases != 1 || res.Replaced != 0 {
		t.Errorf("unexpected import result %+v", res)
	}

	again, err := dst.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snap, again, ignoreExportTime); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// The restored marker keeps the reduction from running twice today.
	out, err := dstMeds.RunDailyReduction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !out.AlreadyRan {
		t.Error("expected restored marker to block a second reduction")
	}
}

func TestImport_ReplacesExisting(t *testing.T) {
	svc, meds, repos := newStore(t)
	seed(t, meds)
	ctx := context.Background()

	keep := &medication.Medication{
		ID: uuid.New(), Name: "Levothyroxine", Form: medication.FormTablet, Frequency: 1,
		QuantityPerFill: 90, CurrentQuantity: 90, Timings: []string{}, IsActive: true,
		CreatedAt: clock(), UpdatedAt: clock(),
	}
	res, err := svc.Import(ctx, &Snapshot{Version: SnapshotVersion, Medications: []*medication.Medication{keep}})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Replaced != 2 {
		t.Errorf("expected 2 replaced, got %d", res.Replaced)
	}

	all, total, _ := repos.Medications.List(ctx, false, 0, 0)
	if total != 1 || all[0].ID != keep.ID {
		t.Errorf("expected only the imported medication, got %d", total)
	}
	taken, _ := repos.Taken.ListAll(ctx)
	purchases, _ := repos.Purchases.ListAll(ctx)
	if len(taken) != 0 || len(purchases) != 0 {
		t.Errorf("expected old history cleared, got %d taken and %d purchases", len(taken), len(purchases))
	}
	if last, _ := repos.Markers.LastReductionDate(ctx); last != "" {
		t.Errorf("expected marker cleared, got %q", last)
	}
}

func TestImport_InvalidLeavesStoreUntouched(t *testing.T) {
	svc, meds, repos := newStore(t)
	seed(t, meds)
	ctx := context.Background()

	medID := uuid.New()
	valid := func() *Snapshot {
		return &Snapshot{
			Version: SnapshotVersion,
			Medications: []*medication.Medication{
				{ID: medID, Name: "A", Frequency: 1, QuantityPerFill: 1},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(s *Snapshot)
	}{
		{"wrong version", func(s *Snapshot) { s.Version = 99 }},
		{"missing id", func(s *Snapshot) { s.Medications[0].ID = uuid.Nil }},
		{"duplicate id", func(s *Snapshot) { s.Medications = append(s.Medications, s.Medications[0]) }},
		{"zero frequency", func(s *Snapshot) { s.Medications[0].Frequency = 0 }},
		{"orphan taken record", func(s *Snapshot) {
			s.DailyTaken = []*medication.DailyMedicationTaken{{MedicationID: uuid.New(), Date: "2026-03-01", TimingsTaken: []string{"a"}}}
		}},
		{"empty taken record", func(s *Snapshot) {
			s.DailyTaken = []*medication.DailyMedicationTaken{{MedicationID: medID, Date: "2026-03-01"}}
		}},
		{"bad purchase date", func(s *Snapshot) {
			s.Purchases = []*medication.PurchaseHistory{{MedicationID: medID, PurchaseDate: "March", Amount: decimal.NewFromInt(1)}}
		}},
		{"negative purchase", func(s *Snapshot) {
			s.Purchases = []*medication.PurchaseHistory{{MedicationID: medID, PurchaseDate: "2026-03-01", Amount: decimal.NewFromInt(-1)}}
		}},
		{"bad marker", func(s *Snapshot) { s.LastStockReductionDate = "today" }},
		{"duplicate timing label", func(s *Snapshot) {
			s.DailyTaken = []*medication.DailyMedicationTaken{{MedicationID: medID, Date: "2026-03-01", TimingsTaken: []string{"morning", "morning"}}}
		}},
		{"blank timing label", func(s *Snapshot) {
			s.DailyTaken = []*medication.DailyMedicationTaken{{MedicationID: medID, Date: "2026-03-01", TimingsTaken: []string{" "}}}
		}},
		{"duplicate purchase id", func(s *Snapshot) {
			id := uuid.New()
			s.Purchases = []*medication.PurchaseHistory{
				{ID: id, MedicationID: medID, PurchaseDate: "2026-03-01", Amount: decimal.NewFromInt(5)},
				{ID: id, MedicationID: medID, PurchaseDate: "2026-03-02", Amount: decimal.NewFromInt(7)},
			}
		}},
		{"malformed expiry date", func(s *Snapshot) { s.Medications[0].ExpiryDate = strPtr("31/12/2026") }},
		{"malformed prescription date", func(s *Snapshot) { s.Medications[0].PrescriptionDate = strPtr("soon") }},
		{"negative dispensings", func(s *Snapshot) { s.Medications[0].TotalDispensingsPurchased = -1 }},
		{"negative repeats", func(s *Snapshot) { s.Medications[0].RepeatsRemaining = -2 }},
		{"unknown form", func(s *Snapshot) { s.Medications[0].Form = "lozenge" }},
		{"negative yearly total", func(s *Snapshot) { s.Medications[0].YearlyTotalCost = decimal.NewFromInt(-3) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := valid()
			tt.mutate(snap)
			if _, err := svc.Import(ctx, snap); !errors.Is(err, medication.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	_, total, _ := repos.Medications.List(ctx, false, 0, 0)
	if total != 2 {
		t.Errorf("expected original 2 medications kept, got %d", total)
	}
}

func TestImport_NormalizesMedications(t *testing.T) {
	svc, _, repos := newStore(t)
	ctx := context.Background()

	id := uuid.New()
	snap := &Snapshot{
		Version: SnapshotVersion,
		Medications: []*medication.Medication{
			{ID: id, Name: "  Aspirin ", Frequency: 1, QuantityPerFill: 30, Timings: []string{"night", "morning", "night"}},
		},
	}
	if _, err := svc.Import(ctx, snap); err != nil {
		t.Fatalf("import: %v", err)
	}

	got, err := repos.Medications.GetByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Aspirin" || got.Form != medication.FormTablet {
		t.Errorf("expected trimmed name and default form, got %q/%q", got.Name, got.Form)
	}
	if diff := cmp.Diff([]string{"morning", "night"}, got.Timings); diff != "" {
		t.Errorf("timings mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate_Nil(t *testing.T) {
	if err := Validate(nil); !errors.Is(err, medication.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
