package medication

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout of the embedded store:
//
//	med/<id>                      Medication
//	taken/<medication id>/<date>  DailyMedicationTaken
//	purchase/<medication id>/<id> PurchaseHistory
//	marker/<name>                 raw string
const (
	medPrefix      = "med/"
	takenPrefix    = "taken/"
	purchasePrefix = "purchase/"
	markerPrefix   = "marker/"
)

type badgerTxnKey struct{}

// badgerStore is shared by every badger repository. mu serializes
// read-write transactions opened through InTx.
type badgerStore struct {
	db  *badger.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewBadgerRepos wires every repository to the embedded store.
func NewBadgerRepos(kv *badger.DB) Repos {
	s := &badgerStore{db: kv, now: time.Now}
	return Repos{
		Medications: &medicationRepoBadger{s},
		Taken:       &takenRepoBadger{s},
		Purchases:   &purchaseRepoBadger{s},
		Markers:     &markerRepoBadger{s},
		Tx:          s,
	}
}

// InTx runs fn in one read-write badger transaction.
func (s *badgerStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(badgerTxnKey{}).(*badger.Txn); ok {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var fnErr error
	err := s.db.Update(func(txn *badger.Txn) error {
		fnErr = fn(context.WithValue(ctx, badgerTxnKey{}, txn))
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return storageErr("commit badger transaction", err)
}

func (s *badgerStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := ctx.Value(badgerTxnKey{}).(*badger.Txn); ok {
		return fn(txn)
	}
	return s.db.View(fn)
}

func (s *badgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if txn, ok := ctx.Value(badgerTxnKey{}).(*badger.Txn); ok {
		return fn(txn)
	}
	return s.db.Update(fn)
}

func getJSON(txn *badger.Txn, key string, v interface{}) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), b)
}

// scanPrefix calls each with every value stored under prefix.
func scanPrefix(txn *badger.Txn, prefix string, each func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(each); err != nil {
			return err
		}
	}
	return nil
}

func deletePrefix(txn *badger.Txn, prefix string) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// =========== Medication Repository ===========

type medicationRepoBadger struct{ s *badgerStore }

func medKey(id uuid.UUID) string { return medPrefix + id.String() }

func (r *medicationRepoBadger) Create(ctx context.Context, m *Medication) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := r.s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Timings == nil {
		m.Timings = []string{}
	}
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		var existing Medication
		found, err := getJSON(txn, medKey(m.ID), &existing)
		if err != nil {
			return err
		}
		if found {
			return invalidf("medication %s already exists", m.ID)
		}
		return setJSON(txn, medKey(m.ID), m)
	})
	return storageErr("create medication", err)
}

func (r *medicationRepoBadger) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	var m Medication
	var found bool
	err := r.s.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, medKey(id), &m)
		return err
	})
	if err != nil {
		return nil, storageErr("get medication", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &m, nil
}

// GetForUpdate relies on InTx holding the store mutex.
func (r *medicationRepoBadger) GetForUpdate(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return r.GetByID(ctx, id)
}

func (r *medicationRepoBadger) Update(ctx context.Context, m *Medication) error {
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		var existing Medication
		found, err := getJSON(txn, medKey(m.ID), &existing)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		m.CreatedAt = existing.CreatedAt
		m.UpdatedAt = r.s.now().UTC()
		return setJSON(txn, medKey(m.ID), m)
	})
	return storageErr("update medication", err)
}

func (r *medicationRepoBadger) Delete(ctx context.Context, id uuid.UUID) error {
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(medKey(id))); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete([]byte(medKey(id)))
	})
	return storageErr("delete medication", err)
}

func (r *medicationRepoBadger) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Medication, int, error) {
	var items []*Medication
	err := r.s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, medPrefix, func(val []byte) error {
			var m Medication
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			if activeOnly && !m.IsActive {
				return nil
			}
			items = append(items, &m)
			return nil
		})
	})
	if err != nil {
		return nil, 0, storageErr("list medications", err)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Name != items[j].Name {
			return items[i].Name < items[j].Name
		}
		return items[i].ID.String() < items[j].ID.String()
	})

	total := len(items)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}

// =========== Daily Taken Repository ===========

type takenRepoBadger struct{ s *badgerStore }

func takenKey(medicationID uuid.UUID, date string) string {
	return takenPrefix + medicationID.String() + "/" + date
}

func (r *takenRepoBadger) Get(ctx context.Context, medicationID uuid.UUID, date string) (*DailyMedicationTaken, error) {
	var d DailyMedicationTaken
	var found bool
	err := r.s.view(ctx, func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, takenKey(medicationID, date), &d)
		return err
	})
	if err != nil {
		return nil, storageErr("get taken record", err)
	}
	if !found {
		return nil, nil
	}
	return &d, nil
}

func (r *takenRepoBadger) Save(ctx context.Context, d *DailyMedicationTaken) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.s.now().UTC()
	}
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, takenKey(d.MedicationID, d.Date), d)
	})
	return storageErr("save taken record", err)
}

func (r *takenRepoBadger) Delete(ctx context.Context, medicationID uuid.UUID, date string) error {
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete([]byte(takenKey(medicationID, date)))
	})
	return storageErr("delete taken record", err)
}

func (r *takenRepoBadger) DeleteByMedication(ctx context.Context, medicationID uuid.UUID) error {
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		return deletePrefix(txn, takenPrefix+medicationID.String()+"/")
	})
	return storageErr("delete taken records", err)
}

func (r *takenRepoBadger) ListAll(ctx context.Context) ([]*DailyMedicationTaken, error) {
	var items []*DailyMedicationTaken
	err := r.s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, takenPrefix, func(val []byte) error {
			var d DailyMedicationTaken
			if err := json.Unmarshal(val, &d); err != nil {
				return err
			}
			items = append(items, &d)
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list taken records", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Date != items[j].Date {
			return items[i].Date < items[j].Date
		}
		return items[i].MedicationID.String() < items[j].MedicationID.String()
	})
	return items, nil
}

// =========== Purchase History Repository ===========

type purchaseRepoBadger struct{ s *badgerStore }

func (r *purchaseRepoBadger) Create(ctx context.Context, p *PurchaseHistory) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.s.now().UTC()
	}
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, purchasePrefix+p.MedicationID.String()+"/"+p.ID.String(), p)
	})
	return storageErr("create purchase", err)
}

func (r *purchaseRepoBadger) collect(ctx context.Context, prefix string, keep func(*PurchaseHistory) bool) ([]*PurchaseHistory, error) {
	var items []*PurchaseHistory
	err := r.s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(val []byte) error {
			var p PurchaseHistory
			if err := json.Unmarshal(val, &p); err != nil {
				return err
			}
			if keep == nil || keep(&p) {
				items = append(items, &p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list purchases", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PurchaseDate != items[j].PurchaseDate {
			return items[i].PurchaseDate < items[j].PurchaseDate
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (r *purchaseRepoBadger) ListByMedication(ctx context.Context, medicationID uuid.UUID) ([]*PurchaseHistory, error) {
	return r.collect(ctx, purchasePrefix+medicationID.String()+"/", nil)
}

func (r *purchaseRepoBadger) ListBetween(ctx context.Context, from, to string) ([]*PurchaseHistory, error) {
	return r.collect(ctx, purchasePrefix, func(p *PurchaseHistory) bool {
		return p.PurchaseDate >= from && p.PurchaseDate <= to
	})
}

func (r *purchaseRepoBadger) ListAll(ctx context.Context) ([]*PurchaseHistory, error) {
	return r.collect(ctx, purchasePrefix, nil)
}

func (r *purchaseRepoBadger) DeleteByMedication(ctx context.Context, medicationID uuid.UUID) error {
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		return deletePrefix(txn, purchasePrefix+medicationID.String()+"/")
	})
	return storageErr("delete purchases", err)
}

// =========== Marker Repository ===========

type markerRepoBadger struct{ s *badgerStore }

func (r *markerRepoBadger) LastReductionDate(ctx context.Context) (string, error) {
	var v string
	err := r.s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(markerPrefix + lastReductionKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		b, err := item.ValueCopy(nil)
		v = string(b)
		return err
	})
	if err != nil {
		return "", storageErr("read reduction marker", err)
	}
	return v, nil
}

func (r *markerRepoBadger) SetLastReductionDate(ctx context.Context, date string) error {
	err := r.s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(markerPrefix+lastReductionKey), []byte(date))
	})
	return storageErr("write reduction marker", err)
}

// LockReduction is a no-op: InTx already serializes writers.
func (r *markerRepoBadger) LockReduction(context.Context) error { return nil }
