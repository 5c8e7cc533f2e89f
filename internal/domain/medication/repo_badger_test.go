package medication

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/medstock/medstock/internal/platform/db"
)

func newBadgerService(t *testing.T) (*Service, Repos) {
	t.Helper()
	kv, err := db.OpenBadger("", zerolog.Nop())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	repos := NewBadgerRepos(kv)
	svc := NewService(repos)
	svc.SetLocation(time.UTC)
	svc.SetClock(func() time.Time { return time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC) })
	return svc, repos
}

func TestBadgerRepos_MedicationCRUD(t *testing.T) {
	_, repos := newBadgerService(t)
	ctx := context.Background()

	m := &Medication{Name: "Lisinopril", Form: FormTablet, Frequency: 1, QuantityPerFill: 30, CurrentQuantity: 30, Cost: decimal.RequireFromString("8.40"), IsActive: true}
	if err := repos.Medications.Create(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repos.Medications.Create(ctx, m); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected duplicate create to fail, got %v", err)
	}

	got, err := repos.Medications.GetByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Lisinopril" || !got.Cost.Equal(decimal.RequireFromString("8.4")) {
		t.Errorf("unexpected medication %+v", got)
	}
	if got.Timings == nil {
		t.Error("expected timings stored as empty list")
	}

	got.CurrentQuantity = 12
	if err := repos.Medications.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, _ := repos.Medications.GetByID(ctx, m.ID)
	if again.CurrentQuantity != 12 {
		t.Errorf("expected 12, got %d", again.CurrentQuantity)
	}

	if err := repos.Medications.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repos.Medications.GetByID(ctx, m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repos.Medications.Update(ctx, got); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestBadgerRepos_ListPagination(t *testing.T) {
	_, repos := newBadgerService(t)
	ctx := context.Background()

	for _, name := range []string{"C", "A", "B"} {
		m := &Medication{Name: name, Frequency: 1, QuantityPerFill: 1, IsActive: name != "B"}
		if err := repos.Medications.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	all, total, err := repos.Medications.List(ctx, false, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(all) != 2 || all[0].Name != "B" || all[1].Name != "C" {
		t.Errorf("unexpected page total=%d items=%v", total, names(all))
	}

	active, total, _ := repos.Medications.List(ctx, true, 0, 0)
	if total != 2 || len(active) != 2 || active[0].Name != "A" {
		t.Errorf("unexpected active list total=%d items=%v", total, names(active))
	}

	past, _, _ := repos.Medications.List(ctx, false, 10, 99)
	if len(past) != 0 {
		t.Errorf("expected empty page past the end, got %v", names(past))
	}
}

func names(ms []*Medication) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Name)
	}
	return out
}

func TestBadgerRepos_TxRollback(t *testing.T) {
	_, repos := newBadgerService(t)
	ctx := context.Background()

	m := &Medication{Name: "A", Frequency: 1, QuantityPerFill: 1, CurrentQuantity: 5, IsActive: true}
	if err := repos.Medications.Create(ctx, m); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := repos.Tx.InTx(ctx, func(ctx context.Context) error {
		got, err := repos.Medications.GetForUpdate(ctx, m.ID)
		if err != nil {
			return err
		}
		got.CurrentQuantity = 0
		if err := repos.Medications.Update(ctx, got); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := repos.Medications.GetByID(ctx, m.ID)
	if got.CurrentQuantity != 5 {
		t.Errorf("expected rollback to keep 5, got %d", got.CurrentQuantity)
	}
}

func TestBadgerService_DoseTracking(t *testing.T) {
	svc, repos := newBadgerService(t)
	ctx := context.Background()

	m := &Medication{Name: "Metformin", Frequency: 2, QuantityPerFill: 60, CurrentQuantity: 10, Timings: []string{"morning", "evening"}, IsActive: true}
	if err := svc.CreateMedication(ctx, m); err != nil {
		t.Fatal(err)
	}
	idle := &Medication{Name: "Vitamin D", Frequency: 1, QuantityPerFill: 90, CurrentQuantity: 3, IsActive: true}
	if err := svc.CreateMedication(ctx, idle); err != nil {
		t.Fatal(err)
	}

	if err := svc.MarkTaken(ctx, m.ID, "morning", "2026-03-15"); err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkTaken(ctx, m.ID, "morning", "2026-03-15"); err != nil {
		t.Fatal(err)
	}

	res, err := svc.RunDailyReduction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != m.ID {
		t.Errorf("expected %s skipped, got %v", m.ID, res.Skipped)
	}
	if res2, _ := svc.RunDailyReduction(ctx); !res2.AlreadyRan {
		t.Error("expected second run to be a no-op")
	}

	got, _ := svc.GetMedication(ctx, m.ID)
	if got.CurrentQuantity != 9 {
		t.Errorf("expected 9, got %d", got.CurrentQuantity)
	}
	got, _ = svc.GetMedication(ctx, idle.ID)
	if got.CurrentQuantity != 2 {
		t.Errorf("expected 2, got %d", got.CurrentQuantity)
	}

	if err := svc.UnmarkTaken(ctx, m.ID, "morning", "2026-03-15"); err != nil {
		t.Fatal(err)
	}
	if rec, _ := repos.Taken.Get(ctx, m.ID, "2026-03-15"); rec != nil {
		t.Errorf("expected empty record removed, got %+v", rec)
	}
}

func TestBadgerService_PurchasesAndDelete(t *testing.T) {
	svc, repos := newBadgerService(t)
	ctx := context.Background()

	m := &Medication{Name: "Insulin", Form: FormInjection, Frequency: 1, QuantityPerFill: 5, IsActive: true}
	if err := svc.CreateMedication(ctx, m); err != nil {
		t.Fatal(err)
	}
	for _, p := range []struct {
		amount string
		date   string
	}{{"50", "2026-01-10"}, {"25", "2026-03-01"}, {"10", "2025-12-01"}} {
		if err := svc.RecordPurchase(ctx, m.ID, decimal.RequireFromString(p.amount), p.date); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := svc.GetMedication(ctx, m.ID)
	if !got.YearlyTotalCost.Equal(decimal.NewFromInt(75)) {
		t.Errorf("expected 75, got %s", got.YearlyTotalCost)
	}

	between, err := repos.Purchases.ListBetween(ctx, "2026-01-01", "2026-12-31")
	if err != nil {
		t.Fatal(err)
	}
	if len(between) != 2 {
		t.Errorf("expected 2 purchases in 2026, got %d", len(between))
	}
	history, _ := svc.ListPurchases(ctx, m.ID)
	if len(history) != 3 || history[0].PurchaseDate != "2025-12-01" {
		t.Errorf("expected 3 purchases oldest first, got %+v", history)
	}

	if err := svc.MarkTaken(ctx, m.ID, "night", "2026-03-15"); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteMedication(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	all, _ := repos.Purchases.ListAll(ctx)
	taken, _ := repos.Taken.ListAll(ctx)
	if len(all) != 0 || len(taken) != 0 {
		t.Errorf("expected cascade delete, got %d purchases and %d taken records", len(all), len(taken))
	}
}

func TestBadgerMarker(t *testing.T) {
	_, repos := newBadgerService(t)
	ctx := context.Background()

	last, err := repos.Markers.LastReductionDate(ctx)
	if err != nil || last != "" {
		t.Fatalf("expected empty marker, got %q, %v", last, err)
	}
	if err := repos.Markers.SetLastReductionDate(ctx, "2026-03-15"); err != nil {
		t.Fatal(err)
	}
	if last, _ := repos.Markers.LastReductionDate(ctx); last != "2026-03-15" {
		t.Errorf("expected 2026-03-15, got %q", last)
	}
	if err := repos.Markers.LockReduction(ctx); err != nil {
		t.Errorf("lock: %v", err)
	}
}
