package medication

import (
	"context"

	"github.com/google/uuid"
)

type MedicationRepository interface {
	Create(ctx context.Context, m *Medication) error
	GetByID(ctx context.Context, id uuid.UUID) (*Medication, error)
	// GetForUpdate reads the row and holds it for the rest of the current
	// transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Medication, error)
	Update(ctx context.Context, m *Medication) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Medication, int, error)
}

type TakenRepository interface {
	// Get returns nil, nil when no record exists for the date.
	Get(ctx context.Context, medicationID uuid.UUID, date string) (*DailyMedicationTaken, error)
	Save(ctx context.Context, d *DailyMedicationTaken) error
	Delete(ctx context.Context, medicationID uuid.UUID, date string) error
	DeleteByMedication(ctx context.Context, medicationID uuid.UUID) error
	ListAll(ctx context.Context) ([]*DailyMedicationTaken, error)
}

type PurchaseRepository interface {
	Create(ctx context.Context, p *PurchaseHistory) error
	ListByMedication(ctx context.Context, medicationID uuid.UUID) ([]*PurchaseHistory, error)
	// ListBetween returns purchases with from <= purchase_date <= to.
	ListBetween(ctx context.Context, from, to string) ([]*PurchaseHistory, error)
	ListAll(ctx context.Context) ([]*PurchaseHistory, error)
	DeleteByMedication(ctx context.Context, medicationID uuid.UUID) error
}

type MarkerRepository interface {
	// LastReductionDate returns "" when the reduction has never run.
	LastReductionDate(ctx context.Context) (string, error)
	SetLastReductionDate(ctx context.Context, date string) error
	// LockReduction serializes reduction runs for the rest of the current
	// transaction.
	LockReduction(ctx context.Context) error
}

// Transactor runs fn inside a single unit of work. Repositories find the
// transaction through ctx.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repos bundles the storage collaborators of the Service.
type Repos struct {
	Medications MedicationRepository
	Taken       TakenRepository
	Purchases   PurchaseRepository
	Markers     MarkerRepository
	Tx          Transactor
}
