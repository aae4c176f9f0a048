package data

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"georelay.dev/relay"
)

func TestHistoryAppendAndRecent(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "track.db"))
	require.NoError(t, err)
	defer h.Close()

	for i, lat := range []float64{51.1, 51.2, 51.3} {
		u := relay.NewUpdate("abc", lat, -0.1)
		u.Timestamp = int64(1000 + i)
		require.NoError(t, h.Append(u))
	}
	require.NoError(t, h.Append(relay.NewUpdate("other", 10, 20)))

	recent, err := h.Recent("abc", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	// newest first, other sessions excluded
	assert.Equal(t, 51.3, recent[0].Lat)
	assert.Equal(t, 51.2, recent[1].Lat)
	for _, u := range recent {
		assert.Equal(t, "abc", u.SessionID)
	}
}

func TestHistoryEmpty(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "track.db"))
	require.NoError(t, err)
	defer h.Close()

	recent, err := h.Recent("nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}
