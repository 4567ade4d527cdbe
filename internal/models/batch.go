package models

import "time"

// Batch is one lot of stock for a product. A batch never exists with a
// quantity of zero; emptied batches are deleted.
type Batch struct {
	ID        string     `json:"id"`
	ProductID string     `json:"product_id"`
	Quantity  float64    `json:"quantity"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// AddedAt is assigned by the store on insert. Nil means the timestamp
	// has not been resolved yet.
	AddedAt *time.Time `json:"added_at,omitempty"`
}

// SumQuantities adds up the quantity of every batch.
func SumQuantities(batches []Batch) float64 {
	var total float64
	for _, b := range batches {
		total += b.Quantity
	}
	return total
}
