package exporter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"blobshare/pkg/collection"
	"blobshare/pkg/importer"
	"blobshare/pkg/pathcodec"
	"blobshare/pkg/store"
	"blobshare/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestImportExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "d")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hi"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("yo"), 0644))

	s, err := store.Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	res, err := importer.Import(ctx, src, s, importer.Options{})
	require.NoError(t, err)
	defer res.Tag.Release()

	dest := t.TempDir()
	var written []string
	err = Export(ctx, s, res.Collection, dest, Options{
		Logger: zaptest.NewLogger(t),
		OnFile: func(name, _ string) { written = append(written, name) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d/a.txt", "d/sub/b.txt"}, written)

	a, err := os.ReadFile(filepath.Join(dest, "d", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(a))
	b, err := os.ReadFile(filepath.Join(dest, "d", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "yo", string(b))
}

// recordingStore fails the test if anything is written.
type recordingStore struct {
	calls int
}

func (r *recordingStore) Export(ctx context.Context, h types.Hash, target string) error {
	r.calls++
	return nil
}

func TestExportConflictWritesNothing(t *testing.T) {
	dest := t.TempDir()
	existing := filepath.Join(dest, "a.txt")
	require.NoError(t, os.WriteFile(existing, []byte("keep me"), 0600))

	c, err := collection.New([]collection.Entry{
		{Name: "a.txt", Hash: store.HashBytes([]byte("new"))},
		{Name: "b.txt", Hash: store.HashBytes([]byte("other"))},
	})
	require.NoError(t, err)

	rs := &recordingStore{}
	err = Export(context.Background(), rs, c, dest, Options{})
	assert.ErrorIs(t, err, ErrTargetExists)
	var exists *TargetExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, existing, exists.Path)
	assert.Zero(t, rs.calls)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
	_, err = os.Stat(filepath.Join(dest, "b.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExportConflictOnDirectory(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "z", "dir"), 0755))

	c, err := collection.New([]collection.Entry{{Name: "z/dir", Hash: store.HashBytes(nil)}})
	require.NoError(t, err)

	err = Export(context.Background(), &recordingStore{}, c, dest, Options{})
	assert.ErrorIs(t, err, ErrTargetExists)
}

func TestExportRejectsEscapingNames(t *testing.T) {
	dest := t.TempDir()
	c := &collection.Collection{}
	require.NoError(t, c.Append("ok.txt", store.HashBytes([]byte("ok"))))
	require.NoError(t, c.Append("../escape", store.HashBytes([]byte("bad"))))

	rs := &recordingStore{}
	err := Export(context.Background(), rs, c, dest, Options{})
	assert.ErrorIs(t, err, pathcodec.ErrInvalidPath)
	assert.Zero(t, rs.calls)
}

func TestExportRejectsFileDirectoryClash(t *testing.T) {
	dest := t.TempDir()
	c, err := collection.New([]collection.Entry{
		{Name: "a", Hash: store.HashBytes([]byte("file"))},
		{Name: "a/b/c", Hash: store.HashBytes([]byte("nested"))},
		{Name: "z", Hash: store.HashBytes([]byte("z"))},
	})
	require.NoError(t, err)

	rs := &recordingStore{}
	err = Export(context.Background(), rs, c, dest, Options{})
	assert.ErrorIs(t, err, ErrNameConflict)
	assert.Zero(t, rs.calls)

	left, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCheckNameConflicts(t *testing.T) {
	entry := func(name string) collection.Entry { return collection.Entry{Name: name} }

	assert.NoError(t, checkNameConflicts([]collection.Entry{entry("a/b"), entry("a/c"), entry("ab"), entry("a.txt")}))
	assert.ErrorIs(t, checkNameConflicts([]collection.Entry{entry("x/y/z"), entry("x/y")}), ErrNameConflict)
	assert.ErrorIs(t, checkNameConflicts([]collection.Entry{entry("x"), entry("x/y")}), ErrNameConflict)
}
