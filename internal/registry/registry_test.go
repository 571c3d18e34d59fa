package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenEmpty(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	ids, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAddRemove(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	require.NoError(t, reg.Add("job-1"))
	assert.True(t, reg.InProgress("job-1"))

	ids, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, ids)

	require.NoError(t, reg.Remove("job-1"))
	assert.False(t, reg.InProgress("job-1"))

	ids, err = reg.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAddIdempotent(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	require.NoError(t, reg.Add("job-1"))
	require.NoError(t, reg.Add("job-1"))

	count, err := reg.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRemoveMissingIsNoop(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	assert.NoError(t, reg.Remove("never-added"))
}

// TestSurvivesRestart simulates scenario 6 — a crash mid-job — by
// opening a second Registry over the same backing file without the
// first ever calling Remove, and checking the id is still tracked.
func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Add("job-crash"))

	second, err := Open(path)
	require.NoError(t, err)

	ids, err := second.Snapshot()
	require.NoError(t, err)
	assert.Contains(t, ids, "job-crash")
}

func TestSnapshotSorted(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)

	require.NoError(t, reg.Add("b"))
	require.NoError(t, reg.Add("a"))
	require.NoError(t, reg.Add("c"))

	ids, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
