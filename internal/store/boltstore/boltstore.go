package boltstore

import (
	"context"
	"sort"
	"time"

	"pantry/internal/models"
	"pantry/internal/store"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	productsBucket = []byte("products")
	// batchesBucket holds one nested bucket per product id.
	batchesBucket = []byte("batches")
)

// Store is a store.Backend on top of a bbolt file. bbolt admits a single
// writer at a time, so read-write transactions never conflict.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var _ store.Backend = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt database %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{productsBucket, batchesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}
	return &Store{db: db, now: time.Now}, nil
}

// SetClock replaces the timestamp source used for AddedAt and UpdatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, now: s.now})
	})
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, now: s.now})
	})
}

func (s *Store) ListProducts(ctx context.Context, householdID string) ([]models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.Product
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(productsBucket).ForEach(func(_, v []byte) error {
			var p models.Product
			if err := json.Unmarshal(v, &p); err != nil {
				return errors.Wrap(err, "decode product")
			}
			if householdID == "" || p.HouseholdID == householdID {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx  *bolt.Tx
	now func() time.Time
}

func (t *boltTx) writable() error {
	if !t.tx.Writable() {
		return store.ErrReadOnly
	}
	return nil
}

func (t *boltTx) Product(id string) (*models.Product, error) {
	v := t.tx.Bucket(productsBucket).Get([]byte(id))
	if v == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "product %s", id)
	}
	var p models.Product
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, errors.Wrap(err, "decode product")
	}
	return &p, nil
}

func (t *boltTx) Batches(productID string) ([]models.Batch, error) {
	out := []models.Batch{}
	b := t.tx.Bucket(batchesBucket).Bucket([]byte(productID))
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		var batch models.Batch
		if err := json.Unmarshal(v, &batch); err != nil {
			return errors.Wrap(err, "decode batch")
		}
		out = append(out, batch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortBatches(out)
	return out, nil
}

func (t *boltTx) Batch(productID, batchID string) (*models.Batch, error) {
	b := t.tx.Bucket(batchesBucket).Bucket([]byte(productID))
	if b == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "batch %s", batchID)
	}
	v := b.Get([]byte(batchID))
	if v == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "batch %s", batchID)
	}
	var batch models.Batch
	if err := json.Unmarshal(v, &batch); err != nil {
		return nil, errors.Wrap(err, "decode batch")
	}
	return &batch, nil
}

func (t *boltTx) InsertProduct(p *models.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	bucket := t.tx.Bucket(productsBucket)
	if bucket.Get([]byte(p.ID)) != nil {
		return errors.Errorf("product %s already exists", p.ID)
	}
	now := t.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	return t.putProduct(p)
}

func (t *boltTx) UpdateProduct(p *models.Product) error {
	if err := t.writable(); err != nil {
		return err
	}
	current, err := t.Product(p.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(store.ErrConflict, "product %s was deleted", p.ID)
		}
		return err
	}
	if current.Version != p.Version {
		return errors.Wrapf(store.ErrConflict, "product %s changed since version %d", p.ID, p.Version)
	}
	p.Version++
	p.UpdatedAt = t.now().UTC()
	if err := t.putProduct(p); err != nil {
		p.Version--
		return err
	}
	return nil
}

func (t *boltTx) DeleteProduct(id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	bucket := t.tx.Bucket(productsBucket)
	if bucket.Get([]byte(id)) == nil {
		return errors.Wrapf(store.ErrNotFound, "product %s", id)
	}
	if err := bucket.Delete([]byte(id)); err != nil {
		return errors.Wrap(err, "delete product")
	}
	err := t.tx.Bucket(batchesBucket).DeleteBucket([]byte(id))
	if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return errors.Wrap(err, "delete batch bucket")
	}
	return nil
}

func (t *boltTx) InsertBatch(b *models.Batch) error {
	if err := t.writable(); err != nil {
		return err
	}
	bucket, err := t.tx.Bucket(batchesBucket).CreateBucketIfNotExists([]byte(b.ProductID))
	if err != nil {
		return errors.Wrap(err, "create batch bucket")
	}
	if bucket.Get([]byte(b.ID)) != nil {
		return errors.Errorf("batch %s already exists", b.ID)
	}
	if b.AddedAt == nil {
		now := t.now().UTC()
		b.AddedAt = &now
	}
	return putJSON(bucket, b.ID, b)
}

func (t *boltTx) UpdateBatch(b *models.Batch) error {
	if err := t.writable(); err != nil {
		return err
	}
	bucket := t.tx.Bucket(batchesBucket).Bucket([]byte(b.ProductID))
	if bucket == nil || bucket.Get([]byte(b.ID)) == nil {
		return errors.Wrapf(store.ErrNotFound, "batch %s", b.ID)
	}
	return putJSON(bucket, b.ID, b)
}

func (t *boltTx) DeleteBatch(productID, batchID string) error {
	if err := t.writable(); err != nil {
		return err
	}
	bucket := t.tx.Bucket(batchesBucket).Bucket([]byte(productID))
	if bucket == nil || bucket.Get([]byte(batchID)) == nil {
		return errors.Wrapf(store.ErrNotFound, "batch %s", batchID)
	}
	return errors.Wrap(bucket.Delete([]byte(batchID)), "delete batch")
}

func (t *boltTx) putProduct(p *models.Product) error {
	return putJSON(t.tx.Bucket(productsBucket), p.ID, p)
}

func putJSON(bucket *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	return errors.Wrap(bucket.Put([]byte(key), data), "put record")
}
