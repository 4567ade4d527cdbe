package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"pantry/internal/models"
	"pantry/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// lockingBackend is an in-memory store.Backend that behaves like a SQL
// database at READ COMMITTED: each read in a read-write transaction sees the
// latest committed rows, Product holds a row lock until the transaction ends
// and writes become visible on commit.
type lockingBackend struct {
	mu       sync.Mutex
	products map[string]models.Product
	batches  map[string]map[string]models.Batch
	rowLocks map[string]*sync.Mutex
	now      func() time.Time

	// afterBatchRead runs once, inside the next read-write transaction that
	// reads a batch.
	afterBatchRead func()
}

func newLockingBackend() *lockingBackend {
	clock := &tickClock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	return &lockingBackend{
		products: make(map[string]models.Product),
		batches:  make(map[string]map[string]models.Batch),
		rowLocks: make(map[string]*sync.Mutex),
		now:      clock.Now,
	}
}

func (b *lockingBackend) arm(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.afterBatchRead = fn
}

func (b *lockingBackend) takeHook() func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn := b.afterBatchRead
	b.afterBatchRead = nil
	return fn
}

func (b *lockingBackend) rowLock(id string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.rowLocks[id]
	if !ok {
		m = &sync.Mutex{}
		b.rowLocks[id] = m
	}
	return m
}

func (b *lockingBackend) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &lockingTx{
		b:        b,
		held:     make(map[string]*sync.Mutex),
		products: make(map[string]*models.Product),
		batches:  make(map[batchKey]*models.Batch),
	}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (b *lockingBackend) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&lockingTx{b: b, readOnly: true})
}

func (b *lockingBackend) ListProducts(_ context.Context, householdID string) ([]models.Product, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Product
	for _, p := range b.products {
		if householdID == "" || p.HouseholdID == householdID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *lockingBackend) Close() error { return nil }

type batchKey struct{ product, batch string }

// lockingTx buffers writes until commit. A nil entry marks a delete.
type lockingTx struct {
	b        *lockingBackend
	readOnly bool
	held     map[string]*sync.Mutex
	products map[string]*models.Product
	batches  map[batchKey]*models.Batch
}

func (t *lockingTx) release() {
	for _, m := range t.held {
		m.Unlock()
	}
}

func (t *lockingTx) commit() {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	for id, p := range t.products {
		if p == nil {
			delete(t.b.products, id)
			continue
		}
		t.b.products[id] = *p
	}
	for k, batch := range t.batches {
		if batch == nil {
			delete(t.b.batches[k.product], k.batch)
			continue
		}
		if t.b.batches[k.product] == nil {
			t.b.batches[k.product] = make(map[string]models.Batch)
		}
		t.b.batches[k.product][k.batch] = *batch
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

func (t *lockingTx) product(id string) (*models.Product, bool) {
	if p, ok := t.products[id]; ok {
		if p == nil {
			return nil, false
		}
		cp := *p
		return &cp, true
	}
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	p, ok := t.b.products[id]
	return &p, ok
}

func (t *lockingTx) batchView(productID string) map[string]models.Batch {
	out := make(map[string]models.Batch)
	t.b.mu.Lock()
	for id, batch := range t.b.batches[productID] {
		out[id] = batch
	}
	t.b.mu.Unlock()
	for k, batch := range t.batches {
		if k.product != productID {
			continue
		}
		if batch == nil {
			delete(out, k.batch)
		} else {
			out[k.batch] = *batch
		}
	}
	return out
}

func (t *lockingTx) fireHook() {
	if t.readOnly {
		return
	}
	if fn := t.b.takeHook(); fn != nil {
		fn()
	}
}

func (t *lockingTx) Product(id string) (*models.Product, error) {
	if !t.readOnly {
		if _, ok := t.held[id]; !ok {
			m := t.b.rowLock(id)
			m.Lock()
			t.held[id] = m
		}
	}
	p, ok := t.product(id)
	if !ok {
		return nil, notFound("product", id)
	}
	return p, nil
}

func (t *lockingTx) Batches(productID string) ([]models.Batch, error) {
	out := []models.Batch{}
	for _, batch := range t.batchView(productID) {
		out = append(out, batch)
	}
	store.SortBatches(out)
	t.fireHook()
	return out, nil
}

func (t *lockingTx) Batch(productID, batchID string) (*models.Batch, error) {
	batch, ok := t.batchView(productID)[batchID]
	t.fireHook()
	if !ok {
		return nil, notFound("batch", batchID)
	}
	return &batch, nil
}

func (t *lockingTx) InsertProduct(p *models.Product) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	cp := *p
	t.products[p.ID] = &cp
	return nil
}

func (t *lockingTx) UpdateProduct(p *models.Product) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	current, ok := t.product(p.ID)
	if !ok {
		return notFound("product", p.ID)
	}
	if current.Version != p.Version {
		return store.ErrConflict
	}
	p.Version++
	cp := *p
	t.products[p.ID] = &cp
	return nil
}

func (t *lockingTx) DeleteProduct(id string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, ok := t.product(id); !ok {
		return notFound("product", id)
	}
	t.products[id] = nil
	for batchID := range t.batchView(id) {
		t.batches[batchKey{id, batchID}] = nil
	}
	return nil
}

func (t *lockingTx) InsertBatch(b *models.Batch) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if b.AddedAt == nil {
		now := t.b.now().UTC()
		b.AddedAt = &now
	}
	cp := *b
	t.batches[batchKey{b.ProductID, b.ID}] = &cp
	return nil
}

func (t *lockingTx) UpdateBatch(b *models.Batch) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, ok := t.batchView(b.ProductID)[b.ID]; !ok {
		return notFound("batch", b.ID)
	}
	cp := *b
	t.batches[batchKey{b.ProductID, b.ID}] = &cp
	return nil
}

func (t *lockingTx) DeleteBatch(productID, batchID string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if _, ok := t.batchView(productID)[batchID]; !ok {
		return notFound("batch", batchID)
	}
	t.batches[batchKey{productID, batchID}] = nil
	return nil
}

func newLockingLedger(t *testing.T) (*Ledger, *lockingBackend) {
	backend := newLockingBackend()
	st := store.New(backend, store.Options{RetryBackoff: time.Millisecond})
	t.Cleanup(func() { st.Close() })
	return New(st, zap.NewNop(), nil), backend
}

// interleave makes the next batch read of a read-write transaction start op
// on another goroutine and give it time to commit before the reader carries
// on. The returned channel yields op's result.
func interleave(b *lockingBackend, op func() error) <-chan error {
	result := make(chan error, 1)
	b.arm(func() {
		done := make(chan struct{})
		go func() {
			result <- op()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
		}
	})
	return result
}

func waitFor(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("interleaved operation did not finish")
		return nil
	}
}

func TestUpdateBatch_InterleavedConsumption(t *testing.T) {
	l, backend := newLockingLedger(t)
	ctx := context.Background()
	p, err := l.CreateProduct(ctx, "home", countFields("Eggs"), InitialBatch{Quantity: 5})
	require.NoError(t, err)
	batches, err := l.Batches(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, batches, 1)

	consumed := interleave(backend, func() error {
		_, _, err := l.ApplyQuantityDelta(ctx, p.ID, -1)
		return err
	})
	ten := 10.0
	_, err = l.UpdateBatch(ctx, p.ID, batches[0].ID, BatchFields{Quantity: &ten})
	require.NoError(t, err)
	require.NoError(t, waitFor(t, consumed))

	got, _ := assertConsistent(t, l, p.ID)
	assert.Equal(t, 9.0, got.Quantity)
}

func TestDeleteBatch_InterleavedConsumption(t *testing.T) {
	l, backend := newLockingLedger(t)
	ctx := context.Background()
	p, err := l.CreateProduct(ctx, "home", countFields("Eggs"), InitialBatch{Quantity: 5})
	require.NoError(t, err)
	_, err = l.AddBatch(ctx, p.ID, 3, nil)
	require.NoError(t, err)
	batches, err := l.Batches(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	oldest := batches[0]
	require.Equal(t, 5.0, oldest.Quantity)

	consumed := interleave(backend, func() error {
		_, _, err := l.ApplyQuantityDelta(ctx, p.ID, -1)
		return err
	})
	require.NoError(t, l.DeleteBatch(ctx, p.ID, oldest.ID))
	require.NoError(t, waitFor(t, consumed))

	got, remaining := assertConsistent(t, l, p.ID)
	assert.Equal(t, 2.0, got.Quantity)
	require.Len(t, remaining, 1)
	assert.Equal(t, 2.0, remaining[0].Quantity)
}

func TestDeleteProduct_InterleavedAddBatch(t *testing.T) {
	l, backend := newLockingLedger(t)
	ctx := context.Background()
	p, err := l.CreateProduct(ctx, "home", countFields("Eggs"), InitialBatch{Quantity: 2})
	require.NoError(t, err)

	added := interleave(backend, func() error {
		_, err := l.AddBatch(ctx, p.ID, 1, nil)
		return err
	})
	require.NoError(t, l.DeleteProduct(ctx, p.ID))
	err = waitFor(t, added)
	assert.True(t, errors.Is(err, ErrNotFound), "adding to a deleted product fails, got %v", err)

	_, err = l.Product(ctx, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	orphans, err := l.store.Batches(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}
