package boltstore

import (
	"path/filepath"
	"testing"

	"pantry/internal/store"
	"pantry/internal/store/storetest"

	"github.com/stretchr/testify/require"
)

func TestBoltBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		s, err := Open(filepath.Join(t.TempDir(), "pantry.db"))
		require.NoError(t, err)
		return s
	})
}
