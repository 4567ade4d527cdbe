package store

import "pantry/internal/models"

// trackingTx records which documents a transaction wrote so the feed can be
// notified once the transaction commits.
type trackingTx struct {
	Tx
	products   map[string]struct{}
	batches    map[string]struct{}
	households map[string]struct{}
}

func newTrackingTx() *trackingTx {
	t := &trackingTx{}
	t.reset(nil)
	return t
}

// reset binds a fresh attempt; writes from an aborted attempt are forgotten.
func (t *trackingTx) reset(tx Tx) {
	t.Tx = tx
	t.products = make(map[string]struct{})
	t.batches = make(map[string]struct{})
	t.households = make(map[string]struct{})
}

func (t *trackingTx) touchProduct(p *models.Product) {
	t.products[p.ID] = struct{}{}
	t.households[p.HouseholdID] = struct{}{}
}

func (t *trackingTx) InsertProduct(p *models.Product) error {
	if err := t.Tx.InsertProduct(p); err != nil {
		return err
	}
	t.touchProduct(p)
	return nil
}

func (t *trackingTx) UpdateProduct(p *models.Product) error {
	if err := t.Tx.UpdateProduct(p); err != nil {
		return err
	}
	t.touchProduct(p)
	return nil
}

func (t *trackingTx) DeleteProduct(id string) error {
	existing, lookupErr := t.Tx.Product(id)
	if err := t.Tx.DeleteProduct(id); err != nil {
		return err
	}
	t.products[id] = struct{}{}
	t.batches[id] = struct{}{}
	if lookupErr == nil {
		t.households[existing.HouseholdID] = struct{}{}
	}
	return nil
}

func (t *trackingTx) InsertBatch(b *models.Batch) error {
	if err := t.Tx.InsertBatch(b); err != nil {
		return err
	}
	t.batches[b.ProductID] = struct{}{}
	return nil
}

func (t *trackingTx) UpdateBatch(b *models.Batch) error {
	if err := t.Tx.UpdateBatch(b); err != nil {
		return err
	}
	t.batches[b.ProductID] = struct{}{}
	return nil
}

func (t *trackingTx) DeleteBatch(productID, batchID string) error {
	if err := t.Tx.DeleteBatch(productID, batchID); err != nil {
		return err
	}
	t.batches[productID] = struct{}{}
	return nil
}

func (t *trackingTx) changes() []topic {
	var out []topic
	for id := range t.products {
		out = append(out, topic{kind: topicProduct, key: id})
	}
	for id := range t.batches {
		out = append(out, topic{kind: topicBatches, key: id})
	}
	for id := range t.households {
		out = append(out, topic{kind: topicHousehold, key: id})
	}
	return out
}
