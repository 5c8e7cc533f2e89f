package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct{ pgx.Tx }

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), txKey, "not a tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Errorf("expected nil tx for wrong value type, got %v", tx)
	}
}

func TestInTx_ReusesExistingTx(t *testing.T) {
	// A runner without a pool would panic on Begin, so reaching fn proves
	// the existing transaction was reused.
	r := NewTxRunner(nil)
	ctx := WithTx(context.Background(), fakeTx{})

	called := false
	err := r.InTx(ctx, func(inner context.Context) error {
		called = true
		if TxFromContext(inner) == nil {
			t.Error("expected tx in inner context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if !called {
		t.Error("expected fn to be called")
	}
}
