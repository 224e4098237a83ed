package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type state struct {
	Rows  [][]float64
	Label string
	Dim   int
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.snap")
	want := state{Rows: [][]float64{{1.5, -2}, {3, 4e10}}, Label: "db", Dim: 2}

	require.NoError(t, Save(path, want))

	var got state
	require.NoError(t, Load(path, &got))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db.snap")

	require.NoError(t, Save(path, state{Label: "old"}))
	require.NoError(t, Save(path, state{Label: "new"}))

	var got state
	require.NoError(t, Load(path, &got))
	assert.Equal(t, "new", got.Label)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLoadMissing(t *testing.T) {
	var got state
	err := Load(filepath.Join(t.TempDir(), "missing.snap"), &got)
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o644))

	var got state
	err := Load(path, &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoSnapshot)
}
