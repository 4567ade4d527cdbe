package fanout

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pantry/internal/ledger"
	"pantry/internal/models"
	"pantry/internal/monitoring"
	"pantry/internal/store"
	"pantry/internal/store/boltstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFeed hands callbacks back to the test instead of delivering them.
type fakeFeed struct {
	mu        sync.Mutex
	opened    map[string]int
	canceled  map[string]int
	callbacks map[string][]func([]models.Batch, error)
	products  func([]models.Product, error)
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		opened:    make(map[string]int),
		canceled:  make(map[string]int),
		callbacks: make(map[string][]func([]models.Batch, error)),
	}
}

func (f *fakeFeed) SubscribeProducts(_ string, fn func([]models.Product, error)) store.CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.products = nil
	}
}

func (f *fakeFeed) SubscribeBatches(id string, fn func([]models.Batch, error)) store.CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[id]++
	f.callbacks[id] = append(f.callbacks[id], fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.canceled[id]++
	}
}

func (f *fakeFeed) callback(id string, n int) func([]models.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callbacks[id][n]
}

func (f *fakeFeed) counts(id string) (opened, canceled int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[id], f.canceled[id]
}

func products(ids ...string) []models.Product {
	out := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Product{ID: id, Name: id, Unit: models.UnitCount})
	}
	return out
}

func TestManager_ReconcileTransitions(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed, nil, zap.NewNop(), nil)

	m.Reconcile(products("A", "B"))
	assert.Equal(t, []string{"A", "B"}, m.SubscribedIDs())

	m.Reconcile(products("B", "C"))
	assert.Equal(t, []string{"B", "C"}, m.SubscribedIDs())

	m.Reconcile(products())
	assert.Empty(t, m.SubscribedIDs())

	opened, canceled := feed.counts("A")
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, canceled)
	opened, canceled = feed.counts("B")
	assert.Equal(t, 1, opened, "B is never re-subscribed")
	assert.Equal(t, 1, canceled)
	opened, canceled = feed.counts("C")
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, canceled)

	m.Close()
	for _, id := range []string{"A", "B", "C"} {
		_, canceled := feed.counts(id)
		assert.Equal(t, 1, canceled, "Close must not cancel %s again", id)
	}
}

func TestManager_RepeatedSnapshotIsIdempotent(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed, nil, zap.NewNop(), nil)
	defer m.Close()

	for i := 0; i < 3; i++ {
		m.Reconcile(products("A", "B"))
	}
	opened, _ := feed.counts("A")
	assert.Equal(t, 1, opened)
}

func TestManager_BatchesFlowIntoSnapshots(t *testing.T) {
	feed := newFakeFeed()
	var mu sync.Mutex
	var snaps []Snapshot
	m := NewManager(feed, func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	}, zap.NewNop(), nil)
	defer m.Close()

	m.Reconcile(products("A", "B"))
	feed.callback("A", 0)([]models.Batch{{ID: "a1", ProductID: "A", Quantity: 2}}, nil)

	snap := m.Snapshot()
	require.Len(t, snap.Products, 2)
	require.Len(t, snap.Batches["A"], 1)
	assert.Equal(t, 2.0, snap.Batches["A"][0].Quantity)
	_, hasB := snap.Batches["B"]
	assert.False(t, hasB, "no batches cached before the first delivery")

	mu.Lock()
	assert.Len(t, snaps, 2)
	mu.Unlock()

	m.Reconcile(products("B"))
	_, hasA := m.Snapshot().Batches["A"]
	assert.False(t, hasA, "cached batches dropped with the subscription")
}

func TestManager_StaleDeliveryIsDiscarded(t *testing.T) {
	feed := newFakeFeed()
	m := NewManager(feed, nil, zap.NewNop(), nil)
	defer m.Close()

	m.Reconcile(products("A"))
	old := feed.callback("A", 0)
	m.Reconcile(products())
	m.Reconcile(products("A"))

	old([]models.Batch{{ID: "stale", ProductID: "A", Quantity: 9}}, nil)
	_, cached := m.Snapshot().Batches["A"]
	assert.False(t, cached)

	feed.callback("A", 1)([]models.Batch{{ID: "fresh", ProductID: "A", Quantity: 1}}, nil)
	require.Len(t, m.Snapshot().Batches["A"], 1)
	assert.Equal(t, "fresh", m.Snapshot().Batches["A"][0].ID)
}

func TestManager_CallbackErrorIsIgnored(t *testing.T) {
	feed := newFakeFeed()
	calls := 0
	m := NewManager(feed, func(Snapshot) { calls++ }, zap.NewNop(), nil)
	defer m.Close()

	m.Reconcile(products("A"))
	feed.callback("A", 0)([]models.Batch{{ID: "a1", ProductID: "A", Quantity: 1}}, nil)
	feed.callback("A", 0)(nil, errors.New("snapshot failed"))

	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"A"}, m.SubscribedIDs())
	assert.Len(t, m.Snapshot().Batches["A"], 1)
}

func TestManager_CloseIsIdempotentAndNilSafe(t *testing.T) {
	feed := newFakeFeed()
	monitor := monitoring.NewMonitor()
	m := NewManager(feed, nil, zap.NewNop(), monitor)
	m.Watch("home")
	m.Reconcile(products("A", "B"))

	m.Close()
	m.Close()
	assert.Empty(t, m.SubscribedIDs())
	for _, id := range []string{"A", "B"} {
		_, canceled := feed.counts(id)
		assert.Equal(t, 1, canceled)
	}
	feed.mu.Lock()
	assert.Nil(t, feed.products, "product feed canceled")
	feed.mu.Unlock()

	m.Reconcile(products("C"))
	assert.Empty(t, m.SubscribedIDs(), "closed manager ignores snapshots")

	var nilManager *Manager
	assert.NotPanics(t, nilManager.Close)

	w := httptest.NewRecorder()
	monitor.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, w.Body.String(), "fanout_active_subscriptions 0")
}

func TestManager_NilCancelHandleIsSkipped(t *testing.T) {
	m := NewManager(nilCancelFeed{}, nil, zap.NewNop(), nil)
	m.Reconcile(products("A"))
	assert.NotPanics(t, func() {
		m.Reconcile(products())
		m.Reconcile(products("B"))
		m.Close()
	})
}

type nilCancelFeed struct{}

func (nilCancelFeed) SubscribeProducts(string, func([]models.Product, error)) store.CancelFunc {
	return nil
}

func (nilCancelFeed) SubscribeBatches(string, func([]models.Batch, error)) store.CancelFunc {
	return nil
}

func TestManager_WatchesLiveStore(t *testing.T) {
	backend, err := boltstore.Open(filepath.Join(t.TempDir(), "fanout.db"))
	require.NoError(t, err)
	st := store.New(backend, store.Options{})
	defer st.Close()
	l := ledger.New(st, nil, nil)
	ctx := context.Background()

	m := NewManager(st, nil, zap.NewNop(), nil)
	defer m.Close()
	m.Watch("home")

	rice, err := l.CreateProduct(ctx, "home", ledger.ProductFields{Name: "Rice", Unit: models.UnitKilogram}, ledger.InitialBatch{Quantity: 1})
	require.NoError(t, err)
	beans, err := l.CreateProduct(ctx, "home", ledger.ProductFields{Name: "Beans", Unit: models.UnitCount}, ledger.InitialBatch{Quantity: 3})
	require.NoError(t, err)
	_, err = l.CreateProduct(ctx, "away", ledger.ProductFields{Name: "Tea", Unit: models.UnitCount}, ledger.InitialBatch{Quantity: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := m.Snapshot()
		return len(m.SubscribedIDs()) == 2 && len(snap.Batches[rice.ID]) == 1 && len(snap.Batches[beans.ID]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err = l.ApplyQuantityDelta(ctx, beans.ID, 2)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(m.Snapshot().Batches[beans.ID]) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.DeleteProduct(ctx, rice.ID))
	require.Eventually(t, func() bool {
		ids := m.SubscribedIDs()
		return len(ids) == 1 && ids[0] == beans.ID
	}, 2*time.Second, 10*time.Millisecond)
}
