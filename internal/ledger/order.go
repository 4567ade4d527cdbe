package ledger

import (
	"sort"

	"pantry/internal/models"
)

// sortForConsumption orders batches the way stock is used up: batches with an
// expiration date first, soonest first; then undated batches oldest first,
// with batches whose AddedAt is still unresolved at the end.
func sortForConsumption(batches []models.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt != nil:
			if !a.ExpiresAt.Equal(*b.ExpiresAt) {
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
		case a.ExpiresAt != nil:
			return true
		case b.ExpiresAt != nil:
			return false
		}
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

// sortMostRecentFirst orders batches by AddedAt, newest first. A pending
// AddedAt counts as the newest; ties go to the greater ID.
func sortMostRecentFirst(batches []models.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		switch {
		case a.AddedAt == nil && b.AddedAt == nil:
		case a.AddedAt == nil:
			return true
		case b.AddedAt == nil:
			return false
		case !a.AddedAt.Equal(*b.AddedAt):
			return a.AddedAt.After(*b.AddedAt)
		}
		return a.ID > b.ID
	})
}
