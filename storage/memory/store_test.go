package memorystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/entkit/entitlements"
	"github.com/open-rails/entkit/storage"
)

func TestWithTxRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := New()
	poolID := uuid.New()

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreatePool(ctx, &entitlements.Pool{ID: poolID, Quantity: 5}); err != nil {
			return err
		}
		if _, err := tx.AllocateSerial(ctx, time.Now().Add(time.Hour)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetPool(ctx, poolID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("pool survived rollback: %v", err)
		}
		// The serial sequence rolled back too; the next allocation starts over.
		id, err := tx.AllocateSerial(ctx, time.Now().Add(time.Hour))
		if err != nil {
			return err
		}
		if id != 1 {
			t.Errorf("serial = %d after rollback, want 1", id)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithTxCommitIsolation(t *testing.T) {
	ctx := context.Background()
	store := New()
	pool := &entitlements.Pool{ID: uuid.New(), Quantity: 5}

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.CreatePool(ctx, pool)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's struct after commit must not leak into the store.
	pool.Consumed = 99
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		got, err := tx.GetPool(ctx, pool.ID)
		if err != nil {
			return err
		}
		if got.Consumed != 0 {
			t.Errorf("consumed = %d, store shares memory with caller", got.Consumed)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLockPoolsOrderAndMissing(t *testing.T) {
	ctx := context.Background()
	store := New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		for _, id := range ids {
			if err := tx.CreatePool(ctx, &entitlements.Pool{ID: id, Quantity: 1}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		locked, err := tx.LockPools(ctx, []uuid.UUID{ids[2], ids[0], ids[1]})
		if err != nil {
			return err
		}
		if len(locked) != 3 {
			t.Fatalf("locked %d pools, want 3", len(locked))
		}
		sorted := append([]uuid.UUID(nil), ids...)
		entitlements.SortPoolIDs(sorted)
		for i, p := range locked {
			if p.ID != sorted[i] {
				t.Errorf("locked[%d] = %s, want ascending order %s", i, p.ID, sorted[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.LockPools(ctx, []uuid.UUID{ids[0], uuid.New()})
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("lock of unknown pool err = %v, want not found", err)
	}
}

func TestSerialLedgerFlow(t *testing.T) {
	ctx := context.Background()
	store := New()

	var a, b int64
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		if a, err = tx.AllocateSerial(ctx, time.Now().Add(time.Hour)); err != nil {
			return err
		}
		b, err = tx.AllocateSerial(ctx, time.Now().Add(time.Hour))
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if b != a+1 {
		t.Errorf("serials %d, %d not monotonic", a, b)
	}

	err = store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.RevokeSerial(ctx, a); err != nil {
			return err
		}
		pending, err := tx.RevokedUncollectedSerials(ctx)
		if err != nil {
			return err
		}
		if len(pending) != 1 || pending[0].ID != a {
			t.Errorf("pending = %+v, want only %d", pending, a)
		}
		if err := tx.MarkSerialsCollected(ctx, []int64{a}); err != nil {
			return err
		}
		pending, err = tx.RevokedUncollectedSerials(ctx)
		if err != nil {
			return err
		}
		if len(pending) != 0 {
			t.Errorf("pending after collect = %+v", pending)
		}
		s, err := tx.GetSerial(ctx, a)
		if err != nil {
			return err
		}
		if !s.Revoked || !s.Collected {
			t.Errorf("serial flags: %+v", s)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestCreateConflicts(t *testing.T) {
	ctx := context.Background()
	store := New()
	pool := &entitlements.Pool{ID: uuid.New(), Quantity: 1}

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreatePool(ctx, pool); err != nil {
			return err
		}
		return tx.CreatePool(ctx, pool)
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate create err = %v, want conflict", err)
	}
}
