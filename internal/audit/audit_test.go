package audit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pantry/internal/ledger"
	"pantry/internal/models"
	"pantry/internal/store"
	"pantry/internal/store/boltstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunOnce_RepairsDrift(t *testing.T) {
	backend, err := boltstore.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	st := store.New(backend, store.Options{})
	defer st.Close()
	l := ledger.New(st, nil, nil)
	ctx := context.Background()

	clean, err := l.CreateProduct(ctx, "home", ledger.ProductFields{Name: "Rice", Unit: models.UnitKilogram}, ledger.InitialBatch{Quantity: 1.5})
	require.NoError(t, err)
	drifted, err := l.CreateProduct(ctx, "away", ledger.ProductFields{Name: "Eggs", Unit: models.UnitCount}, ledger.InitialBatch{Quantity: 5.9999999})
	require.NoError(t, err)

	a, err := New(l, 2, zap.NewNop(), nil)
	require.NoError(t, err)
	defer a.Stop()

	report, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Failed)

	p, err := l.Product(ctx, drifted.ID)
	require.NoError(t, err)
	assert.Equal(t, 6.0, p.Quantity)
	p, err = l.Product(ctx, clean.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.5, p.Quantity)
}

// stubLedger fails to reconcile the ids in fail.
type stubLedger struct {
	mu       sync.Mutex
	products []models.Product
	fail     map[string]bool
	calls    int
	listErr  error
}

func (s *stubLedger) Products(context.Context, string) ([]models.Product, error) {
	return s.products, s.listErr
}

func (s *stubLedger) Reconcile(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail[id] {
		return false, errors.New("boom")
	}
	return false, nil
}

func (s *stubLedger) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRunOnce_CountsFailures(t *testing.T) {
	stub := &stubLedger{
		products: []models.Product{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		fail:     map[string]bool{"b": true},
	}
	a, err := New(stub, 1, nil, nil)
	require.NoError(t, err)
	defer a.Stop()

	report, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, stub.callCount())
}

func TestRunOnce_ListError(t *testing.T) {
	a, err := New(&stubLedger{listErr: errors.New("down")}, 1, nil, nil)
	require.NoError(t, err)
	defer a.Stop()

	_, err = a.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStart_RunsOnSchedule(t *testing.T) {
	stub := &stubLedger{products: []models.Product{{ID: "a"}}}
	a, err := New(stub, 1, nil, nil)
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background(), "@every 1s"))
	assert.Error(t, a.Start(context.Background(), "@every 1s"), "second start is rejected")
	require.Eventually(t, func() bool { return stub.callCount() >= 1 }, 3*time.Second, 50*time.Millisecond)
	a.Stop()
}

func TestStart_InvalidSchedule(t *testing.T) {
	a, err := New(&stubLedger{}, 1, nil, nil)
	require.NoError(t, err)
	defer a.Stop()
	assert.Error(t, a.Start(context.Background(), "whenever"))
}
