package sqlstore

import (
	"errors"
	"testing"

	"pantry/internal/database"
	"pantry/internal/store"
	"pantry/internal/store/storetest"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := Open(database.DriverSQLite, ":memory:", false)
		require.NoError(t, err)
		return s
	})
}

func TestClassify(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.True(t, errors.Is(classify(busy, "commit"), store.ErrConflict))

	serialization := &pq.Error{Code: "40001"}
	assert.True(t, errors.Is(classify(serialization, "commit"), store.ErrConflict))

	other := errors.New("disk full")
	err := classify(other, "commit")
	assert.False(t, errors.Is(err, store.ErrConflict))
	assert.True(t, errors.Is(err, other))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "", false)
	assert.Error(t, err)
}
