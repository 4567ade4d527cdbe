package models

import (
	"math"
	"time"
)

// Product is a household pantry entry. Quantity is derived from the product's
// batches and is only ever written by the ledger.
type Product struct {
	ID             string    `json:"id"`
	HouseholdID    string    `json:"household_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Unit           Unit      `json:"unit"`
	Note           string    `json:"note"`
	Quantity       float64   `json:"quantity"`
	MinimumStock   float64   `json:"minimum_stock"`
	OnShoppingList bool      `json:"on_shopping_list"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BelowMinimum reports whether the stock has dropped under the configured threshold.
func (p Product) BelowMinimum() bool {
	return p.MinimumStock > 0 && p.Quantity < p.MinimumStock
}

// Unit represents the unit of measurement for a product
type Unit string

const (
	// Count units
	UnitCount Unit = "count"

	// Weight units
	UnitGram     Unit = "g"
	UnitKilogram Unit = "kg"
)

// Valid reports whether u is a supported unit.
func (u Unit) Valid() bool {
	switch u {
	case UnitCount, UnitGram, UnitKilogram:
		return true
	}
	return false
}

// Discrete reports whether quantities in this unit must always be whole numbers.
func (u Unit) Discrete() bool {
	return u == UnitCount
}

// QuantityEpsilon is the tolerance used when deciding that a quantity is zero.
const QuantityEpsilon = 1e-9

// IsZeroQuantity reports whether q is zero within QuantityEpsilon.
func IsZeroQuantity(q float64) bool {
	return math.Abs(q) <= QuantityEpsilon
}
