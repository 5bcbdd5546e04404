package resume

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	spec := &Spec{
		Port:      6881,
		Name:      "ubuntu.iso",
		Trackers:  [][]string{{"udp://tracker.example:80"}},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Started:   true,
	}
	require.NoError(t, store.Write("abc", []byte("raw-torrent-bytes"), spec))

	raw, got, err := store.Read("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw-torrent-bytes"), raw)
	assert.Equal(t, spec.Name, got.Name)
	assert.Equal(t, spec.Port, got.Port)
	assert.True(t, got.Started)
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	_, _, err = store.Read("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write("a", nil, &Spec{}))
	require.NoError(t, store.Write("b", nil, &Spec{}))

	ids, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete("a"))
	ids, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestWriteSpecUpdatesWithoutRaw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.db")
	store, err := Open(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write("abc", []byte("raw"), &Spec{BytesDownloaded: 10}))
	require.NoError(t, store.WriteSpec("abc", &Spec{BytesDownloaded: 20}))

	raw, spec, err := store.Read("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), raw)
	assert.Equal(t, int64(20), spec.BytesDownloaded)
}
