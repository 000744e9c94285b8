package cleanup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/offline_downloader/internal/cleanup"
	"github.com/italolelis/offline_downloader/internal/download"
)

func TestDeleteOrphanedFiles(t *testing.T) {
	dir := t.TempDir()

	// Two tracked downloads and one orphaned directory plus a stray file.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d1", "file.bin"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "d2"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ghost"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghost", "seg_00000.ts"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.tmp"), []byte("z"), 0o644))

	items := []*download.Item{{ID: "d1"}, {ID: "d2"}}

	require.NoError(t, cleanup.DeleteOrphanedFiles(context.Background(), items, dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}

	assert.ElementsMatch(t, []string{"d1", "d2"}, names)

	// Tracked data is untouched.
	_, err = os.Stat(filepath.Join(dir, "d1", "file.bin"))
	assert.NoError(t, err)
}

func TestDeleteOrphanedFilesNoTrackedItems(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ghost"), 0o755))

	require.NoError(t, cleanup.DeleteOrphanedFiles(context.Background(), nil, dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteOrphanedFilesMissingDir(t *testing.T) {
	err := cleanup.DeleteOrphanedFiles(context.Background(), nil, filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
}
