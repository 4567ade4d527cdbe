package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"pantry/internal/models"
	"pantry/internal/monitoring"

	"go.uber.org/zap"
)

// CancelFunc ends a subscription. It is idempotent and never blocks on delivery.
type CancelFunc func()

type topicKind int

const (
	topicProduct topicKind = iota
	topicBatches
	topicHousehold
)

func (k topicKind) String() string {
	switch k {
	case topicProduct:
		return "product"
	case topicBatches:
		return "batches"
	case topicHousehold:
		return "household"
	}
	return "unknown"
}

type topic struct {
	kind topicKind
	key  string
}

type callbacks struct {
	product  func(*models.Product, error)
	batches  func([]models.Batch, error)
	products func([]models.Product, error)
}

type subscription struct {
	id     uint64
	topic  topic
	cb     callbacks
	active bool
}

// event is either a commit notification or the initial delivery for a new
// subscription.
type event struct {
	topics  []topic
	initial *subscription
}

type snapshot struct {
	product  *models.Product
	batches  []models.Batch
	products []models.Product
	err      error
}

// Feed delivers change notifications on a single dispatcher goroutine, so
// callbacks are never run concurrently with each other. The queue is
// unbounded: subscribing or canceling from inside a callback never blocks.
type Feed struct {
	backend Backend
	log     *zap.Logger
	monitor *monitoring.Monitor

	mu     sync.Mutex
	subs   map[topic]map[uint64]*subscription
	queue  []event
	nextID uint64
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newFeed(backend Backend, log *zap.Logger, monitor *monitoring.Monitor) *Feed {
	f := &Feed{
		backend: backend,
		log:     log,
		monitor: monitor,
		subs:    make(map[topic]map[uint64]*subscription),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *Feed) subscribe(t topic, cb callbacks) CancelFunc {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return func() {}
	}
	f.nextID++
	sub := &subscription{id: f.nextID, topic: t, cb: cb, active: true}
	if f.subs[t] == nil {
		f.subs[t] = make(map[uint64]*subscription)
	}
	f.subs[t][sub.id] = sub
	f.queue = append(f.queue, event{initial: sub})
	f.mu.Unlock()
	f.signal()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			sub.active = false
			if m := f.subs[t]; m != nil {
				delete(m, sub.id)
				if len(m) == 0 {
					delete(f.subs, t)
				}
			}
		})
	}
}

func (f *Feed) publish(topics []topic) {
	if len(topics) == 0 {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, event{topics: topics})
	f.mu.Unlock()
	f.signal()
}

func (f *Feed) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feed) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.wake:
		case <-f.quit:
			return
		}
		for {
			ev, ok := f.next()
			if !ok {
				break
			}
			f.dispatch(ev)
			select {
			case <-f.quit:
				return
			default:
			}
		}
	}
}

func (f *Feed) next() (event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return event{}, false
	}
	ev := f.queue[0]
	f.queue[0] = event{}
	f.queue = f.queue[1:]
	return ev, true
}

func (f *Feed) dispatch(ev event) {
	if ev.initial != nil {
		if !f.isActive(ev.initial) {
			return
		}
		f.deliver(ev.initial, f.load(ev.initial.topic))
		return
	}
	for _, t := range ev.topics {
		subs := f.subscribers(t)
		if len(subs) == 0 {
			continue
		}
		snap := f.load(t)
		for _, sub := range subs {
			f.deliver(sub, snap)
		}
	}
}

func (f *Feed) isActive(sub *subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sub.active
}

func (f *Feed) subscribers(t topic) []*subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*subscription, 0, len(f.subs[t]))
	for _, sub := range f.subs[t] {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (f *Feed) load(t topic) snapshot {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var snap snapshot
	switch t.kind {
	case topicProduct:
		snap.err = f.backend.View(ctx, func(tx Tx) error {
			p, err := tx.Product(t.key)
			snap.product = p
			return err
		})
	case topicBatches:
		snap.err = f.backend.View(ctx, func(tx Tx) error {
			batches, err := tx.Batches(t.key)
			snap.batches = batches
			return err
		})
	case topicHousehold:
		snap.products, snap.err = f.backend.ListProducts(ctx, t.key)
	}
	return snap
}

func (f *Feed) deliver(sub *subscription, snap snapshot) {
	if !f.isActive(sub) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("feed subscriber panicked",
				zap.String("topic", sub.topic.kind.String()),
				zap.String("key", sub.topic.key),
				zap.Any("panic", r),
			)
		}
	}()

	f.monitor.RecordDelivery(sub.topic.kind.String())
	switch sub.topic.kind {
	case topicProduct:
		var p *models.Product
		if snap.product != nil {
			cp := *snap.product
			p = &cp
		}
		sub.cb.product(p, snap.err)
	case topicBatches:
		sub.cb.batches(append([]models.Batch(nil), snap.batches...), snap.err)
	case topicHousehold:
		sub.cb.products(append([]models.Product(nil), snap.products...), snap.err)
	}
}

func (f *Feed) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, m := range f.subs {
		for _, sub := range m {
			sub.active = false
		}
	}
	f.subs = make(map[topic]map[uint64]*subscription)
	f.queue = nil
	f.mu.Unlock()

	close(f.quit)
	<-f.done
}

// SortBatches orders batches by AddedAt, oldest first, with unresolved
// timestamps last and ties broken by ID.
func SortBatches(batches []models.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.AddedAt != nil && b.AddedAt != nil:
			if !a.AddedAt.Equal(*b.AddedAt) {
				return a.AddedAt.Before(*b.AddedAt)
			}
		case a.AddedAt != nil:
			return true
		case b.AddedAt != nil:
			return false
		}
		return a.ID < b.ID
	})
}
