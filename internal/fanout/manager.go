// Package fanout keeps one live batch subscription per product in a changing
// product set.
package fanout

import (
	"sort"
	"sync"

	"pantry/internal/models"
	"pantry/internal/monitoring"
	"pantry/internal/store"

	"go.uber.org/zap"
)

// Subscriber is the change feed a Manager listens to. *store.Store
// implements it.
type Subscriber interface {
	SubscribeProducts(householdID string, fn func([]models.Product, error)) store.CancelFunc
	SubscribeBatches(productID string, fn func([]models.Batch, error)) store.CancelFunc
}

// Snapshot is the combined view pushed downstream after every change.
type Snapshot struct {
	Products []models.Product          `json:"products"`
	Batches  map[string][]models.Batch `json:"batches"`
}

type handle struct {
	gen    uint64
	cancel store.CancelFunc
}

// Manager reconciles batch subscriptions against product-set snapshots. The
// keys of its handle map always equal the ids of the last product snapshot.
type Manager struct {
	source   Subscriber
	onChange func(Snapshot)
	log      *zap.Logger
	monitor  *monitoring.Monitor

	mu       sync.Mutex
	products []models.Product
	subs     map[string]*handle
	batches  map[string][]models.Batch
	gen      uint64
	upstream store.CancelFunc
	closed   bool
}

// NewManager creates a Manager. onChange may be nil.
func NewManager(source Subscriber, onChange func(Snapshot), log *zap.Logger, monitor *monitoring.Monitor) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if onChange == nil {
		onChange = func(Snapshot) {}
	}
	return &Manager{
		source:   source,
		onChange: onChange,
		log:      log.Named("fanout"),
		monitor:  monitor,
		subs:     make(map[string]*handle),
		batches:  make(map[string][]models.Batch),
	}
}

// Watch subscribes to the household's product set and reconciles on every
// snapshot until Close.
func (m *Manager) Watch(householdID string) {
	cancel := m.source.SubscribeProducts(householdID, func(products []models.Product, err error) {
		if err != nil {
			m.log.Warn("product feed error", zap.String("household", householdID), zap.Error(err))
			return
		}
		m.Reconcile(products)
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	previous := m.upstream
	m.upstream = cancel
	m.mu.Unlock()
	if previous != nil {
		previous()
	}
}

// Reconcile applies a product-set snapshot: subscriptions of removed products
// are canceled and their cached batches dropped, new products get a batch
// subscription, and products present in both sets are left alone.
func (m *Manager) Reconcile(products []models.Product) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	current := make(map[string]struct{}, len(products))
	for _, p := range products {
		current[p.ID] = struct{}{}
	}

	var stale []store.CancelFunc
	for id, h := range m.subs {
		if _, ok := current[id]; ok {
			continue
		}
		stale = append(stale, h.cancel)
		delete(m.subs, id)
		delete(m.batches, id)
		m.monitor.SubscriptionCanceled()
	}

	opened := make(map[string]uint64)
	for id := range current {
		if _, ok := m.subs[id]; ok {
			continue
		}
		m.gen++
		m.subs[id] = &handle{gen: m.gen}
		opened[id] = m.gen
		m.monitor.SubscriptionOpened()
	}

	m.products = append([]models.Product(nil), products...)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	for _, cancel := range stale {
		if cancel != nil {
			cancel()
		}
	}
	for id, gen := range opened {
		m.open(id, gen)
	}
	if len(stale) > 0 || len(opened) > 0 {
		m.log.Debug("reconciled batch subscriptions",
			zap.Int("opened", len(opened)),
			zap.Int("canceled", len(stale)),
			zap.Int("active", len(current)),
		)
	}
	m.onChange(snap)
}

// open starts the batch subscription reserved under gen. If the reservation
// was dropped while subscribing, the new subscription is canceled at once.
func (m *Manager) open(id string, gen uint64) {
	cancel := m.source.SubscribeBatches(id, func(batches []models.Batch, err error) {
		m.onBatches(id, gen, batches, err)
	})

	m.mu.Lock()
	h, ok := m.subs[id]
	if ok && h.gen == gen {
		h.cancel = cancel
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) onBatches(id string, gen uint64, batches []models.Batch, err error) {
	if err != nil {
		m.log.Warn("batch feed error", zap.String("product", id), zap.Error(err))
		return
	}

	m.mu.Lock()
	h, ok := m.subs[id]
	if m.closed || !ok || h.gen != gen {
		m.mu.Unlock()
		return
	}
	m.batches[id] = append([]models.Batch(nil), batches...)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.onChange(snap)
}

// SubscribedIDs returns the ids with an active batch subscription, sorted.
func (m *Manager) SubscribedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of the current combined view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Products: append([]models.Product(nil), m.products...),
		Batches:  make(map[string][]models.Batch, len(m.batches)),
	}
	for id, batches := range m.batches {
		snap.Batches[id] = append([]models.Batch(nil), batches...)
	}
	return snap
}

// Close cancels the product feed and every batch subscription. It is safe to
// call more than once and on a nil Manager.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancels := make([]store.CancelFunc, 0, len(m.subs)+1)
	if m.upstream != nil {
		cancels = append(cancels, m.upstream)
		m.upstream = nil
	}
	for id, h := range m.subs {
		if h != nil {
			cancels = append(cancels, h.cancel)
		}
		delete(m.subs, id)
		m.monitor.SubscriptionCanceled()
	}
	m.batches = make(map[string][]models.Batch)
	m.products = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
}
