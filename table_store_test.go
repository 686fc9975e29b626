package dht

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadTable(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	r := populatedTable(t, clk, 50)
	bad := RandomKey()
	r.insertOrUpdate(seen(clk, bad, "9.9.9.9:9"))
	for i := 0; i < nBad; i++ {
		r.onTimeout(bad)
	}
	root := RandomKey()
	path := filepath.Join(t.TempDir(), "table")
	require.NoError(t, saveTable(path, root, r))

	gotRoot, entries, err := loadTable(path, IPv4)
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)

	want := make(map[Key]KBucketEntry)
	for _, te := range r.snapshot() {
		for _, e := range append(te.bucket.Entries(), te.bucket.Replacements()...) {
			if !e.isBad() {
				want[e.ID] = e
			}
		}
	}
	require.Len(t, entries, len(want))
	for _, e := range entries {
		w, ok := want[e.ID]
		require.True(t, ok)
		assert.Equal(t, w.Addr, e.Addr)
		assert.True(t, w.LastResponded.Equal(e.LastResponded))
		assert.False(t, e.verified)
	}
	for _, e := range entries {
		assert.NotEqual(t, bad, e.ID)
	}

	// Loaded entries go back in unverified.
	r2 := newRoutingTable(IPv4, kNodes, 4, clk)
	for _, e := range entries {
		r2.insertLoaded(e)
	}
	assert.Positive(t, r2.numEntries())
	assert.Empty(t, r2.findClosest(RandomKey(), kNodes))
	assert.Len(t, r2.findClosestUsable(RandomKey(), kNodes), kNodes)
}

func TestLoadTruncatedTable(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	r := populatedTable(t, clk, 10)
	path := filepath.Join(t.TempDir(), "table")
	require.NoError(t, saveTable(path, RandomKey(), r))
	_, all, err := loadTable(path, IPv4)
	require.NoError(t, err)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-3))
	_, entries, err := loadTable(path, IPv4)
	assert.ErrorIs(t, err, ErrTruncatedTable)
	assert.Len(t, entries, len(all)-1)
}

func TestLoadTableErrors(t *testing.T) {
	clk := clock.NewMock()
	dir := t.TempDir()
	path := filepath.Join(dir, "table")
	require.NoError(t, saveTable(path, RandomKey(), newRoutingTable(IPv4, kNodes, 4, clk)))

	_, _, err := loadTable(path, IPv6)
	assert.Error(t, err, "wrong family")

	_, _, err = loadTable(filepath.Join(dir, "missing"), IPv4)
	assert.ErrorIs(t, err, os.ErrNotExist)

	junk := filepath.Join(dir, "junk")
	require.NoError(t, os.WriteFile(junk, []byte("this is not a routing table at all"), 0o644))
	_, _, err = loadTable(junk, IPv4)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTruncatedTable)

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte(tableMagic), 0o644))
	_, _, err = loadTable(short, IPv4)
	assert.ErrorIs(t, err, ErrTruncatedTable)
}
