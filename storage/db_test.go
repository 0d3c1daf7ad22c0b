package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()

	ldb, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(ldb.Close)

	return map[string]Database{
		"memdb":   NewMemDB(),
		"leveldb": ldb,
	}
}

func TestDatabaseRoundTrip(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := []byte("market/listing/1")
			value := []byte{0x01, 0x02, 0x03}

			has, err := db.Has(key)
			require.NoError(t, err)
			require.False(t, has)

			_, err = db.Get(key)
			require.True(t, errors.Is(err, ErrKeyNotFound))

			require.NoError(t, db.Put(key, value))

			has, err = db.Has(key)
			require.NoError(t, err)
			require.True(t, has)

			got, err := db.Get(key)
			require.NoError(t, err)
			require.Equal(t, value, got)
		})
	}
}

func TestDatabaseDeleteRestoresAbsence(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := []byte("market/custody/TOK")
			require.NoError(t, db.Put(key, []byte("10")))
			require.NoError(t, db.Delete(key))

			has, err := db.Has(key)
			require.NoError(t, err)
			require.False(t, has)

			_, err = db.Get(key)
			require.True(t, errors.Is(err, ErrKeyNotFound))

			// Deleting a missing key is a no-op, not an error.
			require.NoError(t, db.Delete(key))
		})
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	key := []byte("k")
	value := []byte{0xAA}
	require.NoError(t, db.Put(key, value))

	value[0] = 0xBB
	got, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA}, got)

	got[0] = 0xCC
	again, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA}, again)
}
