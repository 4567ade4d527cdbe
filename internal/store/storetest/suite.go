// Package storetest holds behavior checks shared by every store.Backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"pantry/internal/models"
	"pantry/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

// Run exercises the store.Backend contract against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("ProductRoundTrip", func(t *testing.T) { testProductRoundTrip(t, newBackend(t)) })
	t.Run("VersionConflict", func(t *testing.T) { testVersionConflict(t, newBackend(t)) })
	t.Run("BatchLifecycle", func(t *testing.T) { testBatchLifecycle(t, newBackend(t)) })
	t.Run("DeleteProductRemovesBatches", func(t *testing.T) { testDeleteProductRemovesBatches(t, newBackend(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newBackend(t)) })
	t.Run("ListProductsByHousehold", func(t *testing.T) { testListProducts(t, newBackend(t)) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testViewIsReadOnly(t, newBackend(t)) })
}

func seedProduct(t *testing.T, b store.Backend, id, household string) models.Product {
	p := models.Product{ID: id, HouseholdID: household, Name: "Product " + id, Unit: models.UnitCount, Quantity: 0}
	require.NoError(t, b.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertProduct(&p)
	}))
	return p
}

func testProductRoundTrip(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	seedProduct(t, b, "p1", "h1")

	var got *models.Product
	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.Product("p1")
		return err
	}))
	assert.Equal(t, "h1", got.HouseholdID)
	assert.Equal(t, models.UnitCount, got.Unit)
	assert.Equal(t, int64(0), got.Version)

	got.Quantity = 3
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateProduct(got)
	}))
	assert.Equal(t, int64(1), got.Version)

	err := b.View(ctx, func(tx store.Tx) error {
		_, err := tx.Product("missing")
		return err
	})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testVersionConflict(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	stale := seedProduct(t, b, "p1", "h1")

	fresh := stale
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateProduct(&fresh)
	}))

	stale.Quantity = 10
	err := b.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateProduct(&stale)
	})
	assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
}

func testBatchLifecycle(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	seedProduct(t, b, "p1", "h1")

	exp := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)
	first := models.Batch{ID: "b1", ProductID: "p1", Quantity: 2, ExpiresAt: &exp}
	second := models.Batch{ID: "b2", ProductID: "p1", Quantity: 1.5}
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertBatch(&first); err != nil {
			return err
		}
		return tx.InsertBatch(&second)
	}))
	require.NotNil(t, first.AddedAt, "store assigns AddedAt")

	var batches []models.Batch
	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		var err error
		batches, err = tx.Batches("p1")
		return err
	}))
	require.Len(t, batches, 2)
	assert.InDelta(t, 3.5, models.SumQuantities(batches), 1e-9)

	second.Quantity = 4
	second.ExpiresAt = &exp
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateBatch(&second)
	}))
	var got *models.Batch
	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		var err error
		got, err = tx.Batch("p1", "b2")
		return err
	}))
	assert.Equal(t, 4.0, got.Quantity)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))

	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteBatch("p1", "b1")
	}))
	err := b.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteBatch("p1", "b1")
	})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	err = b.Update(ctx, func(tx store.Tx) error {
		return tx.UpdateBatch(&models.Batch{ID: "nope", ProductID: "p1", Quantity: 1})
	})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testDeleteProductRemovesBatches(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	seedProduct(t, b, "p1", "h1")
	seedProduct(t, b, "p2", "h1")
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		for _, batch := range []models.Batch{
			{ID: "b1", ProductID: "p1", Quantity: 1},
			{ID: "b2", ProductID: "p1", Quantity: 2},
			{ID: "b3", ProductID: "p2", Quantity: 3},
		} {
			batch := batch
			if err := tx.InsertBatch(&batch); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteProduct("p1")
	}))

	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		orphans, err := tx.Batches("p1")
		require.NoError(t, err)
		assert.Empty(t, orphans, "batches must not outlive their product")

		_, err = tx.Batch("p1", "b1")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		others, err := tx.Batches("p2")
		require.NoError(t, err)
		assert.Len(t, others, 1, "other products keep their batches")
		return nil
	}))

	err := b.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteProduct("p1")
	})
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testRollbackOnError(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	seedProduct(t, b, "p1", "h1")

	boom := errors.New("boom")
	err := b.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertBatch(&models.Batch{ID: "b1", ProductID: "p1", Quantity: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.Equal(t, boom, err)

	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		batches, err := tx.Batches("p1")
		assert.Empty(t, batches)
		return err
	}))
}

func testListProducts(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()
	seedProduct(t, b, "a", "h1")
	seedProduct(t, b, "b", "h2")
	seedProduct(t, b, "c", "h1")

	h1, err := b.ListProducts(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, h1, 2)
	assert.Equal(t, "a", h1[0].ID)
	assert.Equal(t, "c", h1[1].ID)

	all, err := b.ListProducts(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testViewIsReadOnly(t *testing.T, b store.Backend) {
	defer b.Close()
	err := b.View(context.Background(), func(tx store.Tx) error {
		return tx.InsertBatch(&models.Batch{ID: "b1", ProductID: "p1", Quantity: 1})
	})
	assert.Error(t, err)
}
