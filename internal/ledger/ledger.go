// Package ledger keeps every product's quantity equal to the sum of its stock
// batches. Each mutation reads and writes the product together with its
// batches inside a single store transaction.
package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"pantry/internal/models"
	"pantry/internal/monitoring"
	"pantry/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProductFields are the user-editable attributes of a new product.
type ProductFields struct {
	Name           string      `json:"name"`
	Category       string      `json:"category"`
	Unit           models.Unit `json:"unit"`
	Note           string      `json:"note"`
	MinimumStock   float64     `json:"minimum_stock"`
	OnShoppingList bool        `json:"on_shopping_list"`
}

// InitialBatch is the stock a product is created with.
type InitialBatch struct {
	Quantity  float64    `json:"quantity"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ProductPatch edits product fields. Nil fields are left unchanged. Quantity
// and unit are not editable here.
type ProductPatch struct {
	Name           *string  `json:"name,omitempty"`
	Category       *string  `json:"category,omitempty"`
	Note           *string  `json:"note,omitempty"`
	MinimumStock   *float64 `json:"minimum_stock,omitempty"`
	OnShoppingList *bool    `json:"on_shopping_list,omitempty"`
}

// BatchFields edits a batch. ClearExpiration removes the expiration date and
// cannot be combined with ExpiresAt.
type BatchFields struct {
	Quantity        *float64   `json:"quantity,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ClearExpiration bool       `json:"clear_expiration,omitempty"`
}

// Ledger is the mutation API for products and batches.
type Ledger struct {
	store   *store.Store
	log     *zap.Logger
	monitor *monitoring.Monitor
	newID   func() string
}

// New creates a Ledger over st. log and monitor may be nil.
func New(st *store.Store, log *zap.Logger, monitor *monitoring.Monitor) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:   st,
		log:     log.Named("ledger"),
		monitor: monitor,
		newID:   uuid.NewString,
	}
}

func (l *Ledger) record(op string, err error) {
	l.monitor.RecordOperation(op, outcomeOf(err))
	if err != nil && !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) && !errors.Is(err, errInsufficientStock) {
		l.log.Error("ledger operation failed", zap.String("operation", op), zap.Error(err))
	}
}

// CreateProduct inserts a product together with its first batch.
func (l *Ledger) CreateProduct(ctx context.Context, householdID string, fields ProductFields, initial InitialBatch) (*models.Product, error) {
	p, err := l.createProduct(ctx, householdID, fields, initial)
	l.record("create_product", err)
	return p, err
}

func (l *Ledger) createProduct(ctx context.Context, householdID string, fields ProductFields, initial InitialBatch) (*models.Product, error) {
	fields.Name = strings.TrimSpace(fields.Name)
	switch {
	case householdID == "":
		return nil, invalid("household is required")
	case fields.Name == "":
		return nil, invalid("name is required")
	case !fields.Unit.Valid():
		return nil, invalid("unknown unit %q", fields.Unit)
	case !positive(initial.Quantity):
		return nil, invalid("initial quantity must be positive, got %v", initial.Quantity)
	case fields.MinimumStock < 0 || math.IsNaN(fields.MinimumStock):
		return nil, invalid("minimum stock must not be negative")
	}

	productID, batchID := l.newID(), l.newID()
	var created models.Product
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		p := models.Product{
			ID:             productID,
			HouseholdID:    householdID,
			Name:           fields.Name,
			Category:       fields.Category,
			Unit:           fields.Unit,
			Note:           fields.Note,
			Quantity:       initial.Quantity,
			MinimumStock:   fields.MinimumStock,
			OnShoppingList: fields.OnShoppingList,
		}
		if err := tx.InsertProduct(&p); err != nil {
			return err
		}
		batch := models.Batch{
			ID:        batchID,
			ProductID: productID,
			Quantity:  initial.Quantity,
			ExpiresAt: utc(initial.ExpiresAt),
		}
		if err := tx.InsertBatch(&batch); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.Debug("product created",
		zap.String("product", productID),
		zap.String("household", householdID),
		zap.Float64("quantity", initial.Quantity),
	)
	return &created, nil
}

// ApplyQuantityDelta adds or consumes stock. A positive delta becomes one new
// batch; a negative delta is taken from existing batches in consumption
// order. For count units, floating-point drift in the batch total is repaired
// on the most recently added batch first.
//
// If the result would be negative nothing is written and applied is false;
// the returned product is the unchanged one.
func (l *Ledger) ApplyQuantityDelta(ctx context.Context, productID string, delta float64) (applied bool, product *models.Product, err error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		err = invalid("delta must be a finite number")
		l.record("apply_delta", err)
		return false, nil, err
	}

	var (
		result   models.Product
		current  models.Product
		repaired float64
	)
	err = l.store.RunTransaction(ctx, func(tx store.Tx) error {
		repaired = 0
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		current = *p
		batches, err := tx.Batches(productID)
		if err != nil {
			return err
		}

		observed := models.SumQuantities(batches)
		if p.Unit.Discrete() {
			rounded := math.Round(observed)
			if rounded != observed && len(batches) > 0 {
				repaired = rounded - observed
				if batches, err = repairDrift(tx, batches, repaired); err != nil {
					return err
				}
				observed = rounded
			}
		}

		newTotal := observed + delta
		if newTotal < -models.QuantityEpsilon {
			return errInsufficientStock
		}
		if newTotal < 0 {
			newTotal = 0
		}

		switch {
		case delta > 0:
			batch := models.Batch{ID: l.newID(), ProductID: productID, Quantity: delta}
			if err := tx.InsertBatch(&batch); err != nil {
				return err
			}
		case delta < 0:
			if err := consume(tx, batches, -delta); err != nil {
				return err
			}
		}

		p.Quantity = newTotal
		if err := tx.UpdateProduct(p); err != nil {
			return err
		}
		result = *p
		return nil
	})
	l.record("apply_delta", err)

	if errors.Is(err, errInsufficientStock) {
		l.log.Debug("delta not applied, insufficient stock",
			zap.String("product", productID),
			zap.Float64("quantity", current.Quantity),
			zap.Float64("delta", delta),
		)
		return false, &current, nil
	}
	if err != nil {
		return false, nil, err
	}
	if repaired != 0 {
		l.monitor.RecordDriftRepair()
		l.log.Info("repaired quantity drift",
			zap.String("product", productID),
			zap.Float64("adjustment", repaired),
		)
	}
	return true, &result, nil
}

// repairDrift adds adjustment to the most recently added batch. A negative
// adjustment larger than that batch empties it and carries on to the next
// most recent one. It returns the surviving batches.
func repairDrift(tx store.Tx, batches []models.Batch, adjustment float64) ([]models.Batch, error) {
	ordered := append([]models.Batch(nil), batches...)
	sortMostRecentFirst(ordered)

	deleted := make(map[string]bool)
	updated := make(map[string]float64)
	for i := range ordered {
		b := ordered[i]
		q := b.Quantity + adjustment
		if q > models.QuantityEpsilon {
			b.Quantity = q
			if err := tx.UpdateBatch(&b); err != nil {
				return nil, err
			}
			updated[b.ID] = q
			break
		}
		if err := tx.DeleteBatch(b.ProductID, b.ID); err != nil {
			return nil, err
		}
		deleted[b.ID] = true
		adjustment = q
		if models.IsZeroQuantity(adjustment) {
			break
		}
	}

	out := make([]models.Batch, 0, len(batches))
	for _, b := range batches {
		if deleted[b.ID] {
			continue
		}
		if q, ok := updated[b.ID]; ok {
			b.Quantity = q
		}
		out = append(out, b)
	}
	return out, nil
}

// consume removes amount from batches in consumption order. Batches that are
// used up are deleted; the first batch larger than what is left is decremented.
func consume(tx store.Tx, batches []models.Batch, amount float64) error {
	ordered := append([]models.Batch(nil), batches...)
	sortForConsumption(ordered)

	remaining := amount
	for i := range ordered {
		if remaining <= models.QuantityEpsilon {
			return nil
		}
		b := ordered[i]
		if b.Quantity > remaining+models.QuantityEpsilon {
			b.Quantity -= remaining
			return tx.UpdateBatch(&b)
		}
		if err := tx.DeleteBatch(b.ProductID, b.ID); err != nil {
			return err
		}
		remaining -= b.Quantity
	}
	return nil
}

// AddBatch inserts a batch and raises the product quantity by its amount.
func (l *Ledger) AddBatch(ctx context.Context, productID string, quantity float64, expiresAt *time.Time) (*models.Batch, error) {
	if !positive(quantity) {
		err := invalid("batch quantity must be positive, got %v", quantity)
		l.record("add_batch", err)
		return nil, err
	}

	batchID := l.newID()
	var added models.Batch
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		b := models.Batch{ID: batchID, ProductID: productID, Quantity: quantity, ExpiresAt: utc(expiresAt)}
		if err := tx.InsertBatch(&b); err != nil {
			return err
		}
		p.Quantity += quantity
		if err := tx.UpdateProduct(p); err != nil {
			return err
		}
		added = b
		return nil
	})
	l.record("add_batch", err)
	if err != nil {
		return nil, err
	}
	return &added, nil
}

// UpdateBatch edits a batch's quantity or expiration. A quantity change is
// applied to the product total in the same transaction.
func (l *Ledger) UpdateBatch(ctx context.Context, productID, batchID string, fields BatchFields) (*models.Batch, error) {
	var err error
	switch {
	case fields.Quantity != nil && !positive(*fields.Quantity):
		err = invalid("batch quantity must be positive, got %v; delete the batch instead", *fields.Quantity)
	case fields.ExpiresAt != nil && fields.ClearExpiration:
		err = invalid("expires_at and clear_expiration are mutually exclusive")
	}
	if err != nil {
		l.record("update_batch", err)
		return nil, err
	}

	var updated models.Batch
	err = l.store.RunTransaction(ctx, func(tx store.Tx) error {
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		b, err := tx.Batch(productID, batchID)
		if err != nil {
			return err
		}
		if fields.Quantity != nil {
			p.Quantity = snap(p.Quantity + *fields.Quantity - b.Quantity)
			b.Quantity = *fields.Quantity
		}
		switch {
		case fields.ClearExpiration:
			b.ExpiresAt = nil
		case fields.ExpiresAt != nil:
			b.ExpiresAt = utc(fields.ExpiresAt)
		}
		if err := tx.UpdateBatch(b); err != nil {
			return err
		}
		// The product is rewritten even for expiration-only edits so that
		// concurrent batch edits of the same product conflict.
		if err := tx.UpdateProduct(p); err != nil {
			return err
		}
		updated = *b
		return nil
	})
	l.record("update_batch", err)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteBatch removes a batch and lowers the product quantity by the batch's
// quantity at deletion time.
func (l *Ledger) DeleteBatch(ctx context.Context, productID, batchID string) error {
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		b, err := tx.Batch(productID, batchID)
		if err != nil {
			return err
		}
		if err := tx.DeleteBatch(productID, batchID); err != nil {
			return err
		}
		p.Quantity = snap(p.Quantity - b.Quantity)
		return tx.UpdateProduct(p)
	})
	l.record("delete_batch", err)
	return err
}

// DeleteProduct removes every batch of the product and then the product.
// Deleting a product that is already gone is not an error.
func (l *Ledger) DeleteProduct(ctx context.Context, productID string) error {
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		if _, err := tx.Product(productID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		batches, err := tx.Batches(productID)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if err := tx.DeleteBatch(productID, b.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := tx.DeleteProduct(productID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	l.record("delete_product", err)
	if err == nil {
		l.log.Debug("product deleted", zap.String("product", productID))
	}
	return err
}

// UpdateProduct applies patch to the product's descriptive fields. It never
// touches the quantity.
func (l *Ledger) UpdateProduct(ctx context.Context, productID string, patch ProductPatch) (*models.Product, error) {
	var err error
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		patch.Name = &name
		if name == "" {
			err = invalid("name must not be empty")
		}
	}
	if patch.MinimumStock != nil && (*patch.MinimumStock < 0 || math.IsNaN(*patch.MinimumStock)) {
		err = invalid("minimum stock must not be negative")
	}
	if err != nil {
		l.record("update_product", err)
		return nil, err
	}

	var updated models.Product
	err = l.store.RunTransaction(ctx, func(tx store.Tx) error {
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.Category != nil {
			p.Category = *patch.Category
		}
		if patch.Note != nil {
			p.Note = *patch.Note
		}
		if patch.MinimumStock != nil {
			p.MinimumStock = *patch.MinimumStock
		}
		if patch.OnShoppingList != nil {
			p.OnShoppingList = *patch.OnShoppingList
		}
		if err := tx.UpdateProduct(p); err != nil {
			return err
		}
		updated = *p
		return nil
	})
	l.record("update_product", err)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Reconcile re-derives a product's quantity from its batches, repairing
// count-unit drift the same way ApplyQuantityDelta does. It reports whether
// anything was rewritten.
func (l *Ledger) Reconcile(ctx context.Context, productID string) (bool, error) {
	var (
		changed  bool
		repaired float64
		before   float64
		after    float64
	)
	err := l.store.RunTransaction(ctx, func(tx store.Tx) error {
		changed, repaired = false, 0
		p, err := tx.Product(productID)
		if err != nil {
			return err
		}
		batches, err := tx.Batches(productID)
		if err != nil {
			return err
		}
		observed := models.SumQuantities(batches)
		if p.Unit.Discrete() {
			rounded := math.Round(observed)
			if rounded != observed && len(batches) > 0 {
				repaired = rounded - observed
				if _, err := repairDrift(tx, batches, repaired); err != nil {
					return err
				}
				observed = rounded
			}
		}
		observed = snap(observed)
		if repaired == 0 && p.Quantity == observed {
			return nil
		}
		before, after = p.Quantity, observed
		p.Quantity = observed
		changed = true
		return tx.UpdateProduct(p)
	})
	l.record("reconcile", err)
	if err != nil {
		return false, err
	}
	if repaired != 0 {
		l.monitor.RecordDriftRepair()
	}
	if changed {
		l.log.Info("reconciled product quantity",
			zap.String("product", productID),
			zap.Float64("before", before),
			zap.Float64("after", after),
		)
	}
	return changed, nil
}

// Product returns a single product.
func (l *Ledger) Product(ctx context.Context, productID string) (*models.Product, error) {
	return l.store.Product(ctx, productID)
}

// Batches returns the product's batches in consumption order.
func (l *Ledger) Batches(ctx context.Context, productID string) ([]models.Batch, error) {
	if _, err := l.store.Product(ctx, productID); err != nil {
		return nil, err
	}
	batches, err := l.store.Batches(ctx, productID)
	if err != nil {
		return nil, err
	}
	sortForConsumption(batches)
	return batches, nil
}

// Products lists a household's products.
func (l *Ledger) Products(ctx context.Context, householdID string) ([]models.Product, error) {
	return l.store.Products(ctx, householdID)
}

func positive(q float64) bool {
	return q > 0 && !math.IsInf(q, 0)
}

// snap clears float residue around zero.
func snap(q float64) float64 {
	if models.IsZeroQuantity(q) {
		return 0
	}
	return q
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
