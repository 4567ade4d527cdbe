package sqlstore

import (
	"context"
	"time"

	"pantry/internal/database"
	"pantry/internal/models"
	"pantry/internal/store"

	"github.com/go-sql-driver/mysql"
	"github.com/jinzhu/gorm"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// productRow is the persisted product record.
type productRow struct {
	ID             string `gorm:"primary_key;size:36"`
	HouseholdID    string `gorm:"size:64;index"`
	Name           string
	Category       string
	Unit           string `gorm:"size:16"`
	Note           string `gorm:"type:text"`
	Quantity       float64
	MinimumStock   float64
	OnShoppingList bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (productRow) TableName() string { return "products" }

// batchRow is the persisted batch record.
type batchRow struct {
	ID        string `gorm:"primary_key;size:36"`
	ProductID string `gorm:"size:36;index"`
	Quantity  float64
	ExpiresAt *time.Time
	AddedAt   *time.Time
}

func (batchRow) TableName() string { return "batches" }

// Store is a store.Backend on top of a SQL database.
type Store struct {
	db       *gorm.DB
	lockRows bool
	now      func() time.Time
}

var _ store.Backend = (*Store)(nil)

// Open connects to the database and migrates the schema.
func Open(driver, dsn string, logMode bool) (*Store, error) {
	db, err := database.Open(driver, dsn, logMode)
	if err != nil {
		return nil, err
	}
	s, err := New(db, driver != database.DriverSQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection. lockRows enables SELECT ... FOR UPDATE on
// product reads, which SQLite does not support.
func New(db *gorm.DB, lockRows bool) (*Store, error) {
	if err := db.AutoMigrate(&productRow{}, &batchRow{}).Error; err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &Store{db: db, lockRows: lockRows, now: time.Now}, nil
}

// SetClock replaces the timestamp source used for AddedAt and UpdatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Update runs fn inside a database transaction.
func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := s.db.Begin()
	if tx.Error != nil {
		return classify(tx.Error, "begin transaction")
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(&sqlTx{db: tx, lockRows: s.lockRows, now: s.now}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return classify(err, "commit transaction")
	}
	return nil
}

// View runs fn with read-only access outside of a transaction.
func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&sqlTx{db: s.db, readOnly: true, now: s.now})
}

// ListProducts returns products ordered by name.
func (s *Store) ListProducts(ctx context.Context, householdID string) ([]models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := s.db
	if householdID != "" {
		q = q.Where("household_id = ?", householdID)
	}
	var rows []productRow
	if err := q.Order("name, id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	out := make([]models.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	db       *gorm.DB
	lockRows bool
	readOnly bool
	now      func() time.Time
}

func (t *sqlTx) Product(id string) (*models.Product, error) {
	q := t.db
	if t.lockRows && !t.readOnly {
		q = q.Set("gorm:query_option", "FOR UPDATE")
	}
	var row productRow
	if err := q.Where("id = ?", id).First(&row).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, errors.Wrapf(store.ErrNotFound, "product %s", id)
		}
		return nil, classify(err, "read product")
	}
	p := row.toModel()
	return &p, nil
}

func (t *sqlTx) Batches(productID string) ([]models.Batch, error) {
	var rows []batchRow
	if err := t.db.Where("product_id = ?", productID).Find(&rows).Error; err != nil {
		return nil, classify(err, "list batches")
	}
	out := make([]models.Batch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	store.SortBatches(out)
	return out, nil
}

func (t *sqlTx) Batch(productID, batchID string) (*models.Batch, error) {
	var row batchRow
	err := t.db.Where("product_id = ? AND id = ?", productID, batchID).First(&row).Error
	if err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, errors.Wrapf(store.ErrNotFound, "batch %s", batchID)
		}
		return nil, classify(err, "read batch")
	}
	b := row.toModel()
	return &b, nil
}

func (t *sqlTx) InsertProduct(p *models.Product) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	now := t.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	row := fromProduct(p)
	if err := t.db.Create(&row).Error; err != nil {
		return classify(err, "insert product")
	}
	return nil
}

func (t *sqlTx) UpdateProduct(p *models.Product) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	now := t.now().UTC()
	res := t.db.Model(&productRow{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		UpdateColumns(map[string]interface{}{
			"name":             p.Name,
			"category":         p.Category,
			"unit":             string(p.Unit),
			"note":             p.Note,
			"quantity":         p.Quantity,
			"minimum_stock":    p.MinimumStock,
			"on_shopping_list": p.OnShoppingList,
			"version":          p.Version + 1,
			"updated_at":       now,
		})
	if res.Error != nil {
		return classify(res.Error, "update product")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(store.ErrConflict, "product %s changed since version %d", p.ID, p.Version)
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (t *sqlTx) DeleteProduct(id string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	res := t.db.Where("id = ?", id).Delete(&productRow{})
	if res.Error != nil {
		return classify(res.Error, "delete product")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(store.ErrNotFound, "product %s", id)
	}
	if err := t.db.Where("product_id = ?", id).Delete(&batchRow{}).Error; err != nil {
		return classify(err, "delete product batches")
	}
	return nil
}

func (t *sqlTx) InsertBatch(b *models.Batch) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	if b.AddedAt == nil {
		now := t.now().UTC()
		b.AddedAt = &now
	}
	row := fromBatch(b)
	if err := t.db.Create(&row).Error; err != nil {
		return classify(err, "insert batch")
	}
	return nil
}

func (t *sqlTx) UpdateBatch(b *models.Batch) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	var expires interface{}
	if b.ExpiresAt != nil {
		expires = b.ExpiresAt.UTC()
	}
	res := t.db.Model(&batchRow{}).
		Where("product_id = ? AND id = ?", b.ProductID, b.ID).
		UpdateColumns(map[string]interface{}{
			"quantity":   b.Quantity,
			"expires_at": expires,
		})
	if res.Error != nil {
		return classify(res.Error, "update batch")
	}
	if res.RowsAffected == 0 {
		// MySQL reports changed rows, so an identical update looks like a miss.
		var count int
		if err := t.db.Model(&batchRow{}).Where("product_id = ? AND id = ?", b.ProductID, b.ID).Count(&count).Error; err != nil {
			return classify(err, "update batch")
		}
		if count == 0 {
			return errors.Wrapf(store.ErrNotFound, "batch %s", b.ID)
		}
	}
	return nil
}

func (t *sqlTx) DeleteBatch(productID, batchID string) error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	res := t.db.Where("product_id = ? AND id = ?", productID, batchID).Delete(&batchRow{})
	if res.Error != nil {
		return classify(res.Error, "delete batch")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(store.ErrNotFound, "batch %s", batchID)
	}
	return nil
}

// classify maps driver-level serialization and lock failures to
// store.ErrConflict so the transaction is retried.
func classify(err error, op string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return errors.Wrap(store.ErrConflict, op+": "+err.Error())
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		if pqErr.Code == "40001" || pqErr.Code == "40P01" {
			return errors.Wrap(store.ErrConflict, op+": "+err.Error())
		}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
		if myErr.Number == 1213 || myErr.Number == 1205 {
			return errors.Wrap(store.ErrConflict, op+": "+err.Error())
		}
	}
	return errors.Wrap(err, op)
}

func (r productRow) toModel() models.Product {
	return models.Product{
		ID:             r.ID,
		HouseholdID:    r.HouseholdID,
		Name:           r.Name,
		Category:       r.Category,
		Unit:           models.Unit(r.Unit),
		Note:           r.Note,
		Quantity:       r.Quantity,
		MinimumStock:   r.MinimumStock,
		OnShoppingList: r.OnShoppingList,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromProduct(p *models.Product) productRow {
	return productRow{
		ID:             p.ID,
		HouseholdID:    p.HouseholdID,
		Name:           p.Name,
		Category:       p.Category,
		Unit:           string(p.Unit),
		Note:           p.Note,
		Quantity:       p.Quantity,
		MinimumStock:   p.MinimumStock,
		OnShoppingList: p.OnShoppingList,
		Version:        p.Version,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func (r batchRow) toModel() models.Batch {
	return models.Batch{
		ID:        r.ID,
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		ExpiresAt: r.ExpiresAt,
		AddedAt:   r.AddedAt,
	}
}

func fromBatch(b *models.Batch) batchRow {
	return batchRow{
		ID:        b.ID,
		ProductID: b.ProductID,
		Quantity:  b.Quantity,
		ExpiresAt: b.ExpiresAt,
		AddedAt:   b.AddedAt,
	}
}
