package manager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.db")
	reg, err := OpenRegistry(path)
	require.NoError(t, err)
	defer reg.Close()

	rec := &Record{
		SDHash:        "abc123",
		Name:          "foo",
		StreamingOnly: true,
		AddedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, reg.Put(rec))

	got, err := reg.Get("abc123")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRegistryGetMissing(t *testing.T) {
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "streams.db"))
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryDeleteIdempotent(t *testing.T) {
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "streams.db"))
	require.NoError(t, err)
	defer reg.Close()

	require.NoError(t, reg.Put(&Record{SDHash: "x", Name: "x"}))
	require.NoError(t, reg.Delete("x"))
	require.NoError(t, reg.Delete("x"))

	recs, err := reg.All()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.db")
	reg, err := OpenRegistry(path)
	require.NoError(t, err)
	require.NoError(t, reg.Put(&Record{SDHash: "a", Name: "one"}))
	require.NoError(t, reg.Put(&Record{SDHash: "b", Name: "two"}))
	require.NoError(t, reg.Close())

	reg, err = OpenRegistry(path)
	require.NoError(t, err)
	defer reg.Close()

	recs, err := reg.All()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}
