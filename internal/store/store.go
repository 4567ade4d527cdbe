package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pantry/internal/models"
	"pantry/internal/monitoring"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a product or batch does not exist at read time.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals that a concurrent write invalidated the transaction's reads.
	ErrConflict = errors.New("transaction conflict")
	// ErrRetriesExhausted is returned once a transaction kept conflicting past the retry bound.
	ErrRetriesExhausted = errors.New("transaction retries exhausted")
	// ErrReadOnly is returned when a write is attempted inside a read-only view.
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Tx is the read/write view of a single transaction. Writes become visible
// together on commit. A read-write transaction may see rows committed after
// it began; Product locks the product row until commit, so read the product
// before its batches.
type Tx interface {
	Product(id string) (*models.Product, error)
	Batches(productID string) ([]models.Batch, error)
	Batch(productID, batchID string) (*models.Batch, error)

	InsertProduct(p *models.Product) error
	// UpdateProduct persists p if the stored version still equals p.Version,
	// then increments p.Version. A stale version yields ErrConflict.
	UpdateProduct(p *models.Product) error
	// DeleteProduct removes the product together with all of its batches.
	DeleteProduct(id string) error

	// InsertBatch assigns AddedAt when it is nil.
	InsertBatch(b *models.Batch) error
	UpdateBatch(b *models.Batch) error
	DeleteBatch(productID, batchID string) error
}

// Backend is a concrete transactional datastore.
type Backend interface {
	// Update runs fn in one read-write transaction attempt. Returning an error
	// from fn rolls back every write. A commit that loses to a concurrent
	// writer returns ErrConflict.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error
	// ListProducts returns the products of a household, or of every household
	// when householdID is empty.
	ListProducts(ctx context.Context, householdID string) ([]models.Product, error)
	Close() error
}

// Options tunes a Store.
type Options struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Logger       *zap.Logger
	Monitor      *monitoring.Monitor
}

// Store wraps a Backend with conflict retries and a live change feed.
type Store struct {
	backend     Backend
	feed        *Feed
	maxAttempts int
	backoff     time.Duration
	log         *zap.Logger
	monitor     *monitoring.Monitor
}

// New creates a Store and starts its change feed dispatcher.
func New(backend Backend, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		backend:     backend,
		feed:        newFeed(backend, opts.Logger, opts.Monitor),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		log:         opts.Logger,
		monitor:     opts.Monitor,
	}
}

// RunTransaction executes fn atomically, retrying the whole body when the
// backend reports a conflict. fn may run more than once and must not have
// side effects outside the transaction. Any other error aborts immediately.
func (s *Store) RunTransaction(ctx context.Context, fn func(Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tracker := newTrackingTx()
		err := s.backend.Update(ctx, func(tx Tx) error {
			tracker.reset(tx)
			return fn(tracker)
		})
		if err == nil {
			s.feed.publish(tracker.changes())
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}

		lastErr = err
		s.monitor.RecordConflict()
		s.log.Debug("transaction conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if s.backoff > 0 && attempt < s.maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * s.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.monitor.RecordRetriesExhausted()
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.maxAttempts, lastErr)
}

// Product reads a single product outside of a transaction.
func (s *Store) Product(ctx context.Context, id string) (*models.Product, error) {
	var out *models.Product
	err := s.backend.View(ctx, func(tx Tx) error {
		p, err := tx.Product(id)
		out = p
		return err
	})
	return out, err
}

// Batches reads every batch of a product outside of a transaction.
func (s *Store) Batches(ctx context.Context, productID string) ([]models.Batch, error) {
	var out []models.Batch
	err := s.backend.View(ctx, func(tx Tx) error {
		batches, err := tx.Batches(productID)
		out = batches
		return err
	})
	return out, err
}

// Products lists a household's products; an empty householdID lists all of them.
func (s *Store) Products(ctx context.Context, householdID string) ([]models.Product, error) {
	return s.backend.ListProducts(ctx, householdID)
}

// SubscribeProduct delivers the product document now and after every change.
// A deleted product is delivered as (nil, ErrNotFound).
func (s *Store) SubscribeProduct(productID string, fn func(*models.Product, error)) CancelFunc {
	return s.feed.subscribe(topic{kind: topicProduct, key: productID}, callbacks{product: fn})
}

// SubscribeBatches delivers the product's batches now and after every change.
func (s *Store) SubscribeBatches(productID string, fn func([]models.Batch, error)) CancelFunc {
	return s.feed.subscribe(topic{kind: topicBatches, key: productID}, callbacks{batches: fn})
}

// SubscribeProducts delivers the household's product set now and after every change.
func (s *Store) SubscribeProducts(householdID string, fn func([]models.Product, error)) CancelFunc {
	return s.feed.subscribe(topic{kind: topicHousehold, key: householdID}, callbacks{products: fn})
}

// Close stops the change feed and closes the backend.
func (s *Store) Close() error {
	s.feed.close()
	return s.backend.Close()
}
