package importer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blobshare/pkg/collection"
	"blobshare/pkg/store"
	"blobshare/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func openStore(t *testing.T) *store.Store {
	s, err := store.Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestImportDirectory(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "share")
	writeTree(t, dir, map[string]string{"sub/b.txt": "yo", "a.txt": "hi"})
	s := openStore(t)

	res, err := Import(ctx, dir, s, Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer res.Tag.Release()

	assert.Equal(t, []collection.Entry{
		{Name: "share/a.txt", Hash: store.HashBytes([]byte("hi"))},
		{Name: "share/sub/b.txt", Hash: store.HashBytes([]byte("yo"))},
	}, res.Collection.Entries())
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, int64(4), res.Size)
	assert.Equal(t, types.FormatHashSeq, res.Content().Format)

	// Only the collection tag remains pinned.
	assert.Equal(t, 0, s.PinCount(types.RawContent(store.HashBytes([]byte("hi")))))
	assert.Equal(t, 1, s.PinCount(res.Content()))
}

func TestImportSingleFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0644))

	res, err := Import(ctx, path, openStore(t), Options{})
	require.NoError(t, err)
	defer res.Tag.Release()

	entries := res.Collection.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "report.pdf", entries[0].Name)
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	writeTree(t, dir, map[string]string{"x/1": "one", "x/2": "two", "y": "three", "z/z/z": "four"})

	first, err := Import(ctx, dir, openStore(t), Options{Parallelism: 1})
	require.NoError(t, err)
	second, err := Import(ctx, dir, openStore(t), Options{Parallelism: 8})
	require.NoError(t, err)

	assert.Equal(t, first.Collection.Entries(), second.Collection.Entries())
	assert.Equal(t, first.Content(), second.Content())
}

func TestImportSkipsSymlinks(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "links")
	writeTree(t, dir, map[string]string{"real.txt": "data"})
	outside := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	res, err := Import(ctx, dir, openStore(t), Options{})
	require.NoError(t, err)
	defer res.Tag.Release()

	entries := res.Collection.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "links/real.txt", entries[0].Name)
}

func TestImportMissingRoot(t *testing.T) {
	_, err := Import(context.Background(), filepath.Join(t.TempDir(), "nope"), openStore(t), Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

// countingStore tracks how many AddPath calls run at once.
type countingStore struct {
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	mu       sync.Mutex
	pinned   map[types.HashAndFormat]int
	failPath string
	// touch, if set, runs on a path just before it is read.
	touch func(path string)
}

func newCountingStore() *countingStore {
	return &countingStore{pinned: make(map[types.HashAndFormat]int)}
}

func (c *countingStore) tag(content types.HashAndFormat) *store.TempTag {
	c.mu.Lock()
	c.pinned[content]++
	c.mu.Unlock()
	return store.NewTempTag(content, func(hf types.HashAndFormat) {
		c.mu.Lock()
		c.pinned[hf]--
		c.mu.Unlock()
	})
}

func (c *countingStore) AddPath(ctx context.Context, path string) (*store.TempTag, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	if path == c.failPath {
		return nil, os.ErrPermission
	}
	if c.touch != nil {
		c.touch(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.tag(types.RawContent(store.HashBytes(data))), nil
}

func (c *countingStore) AddBytes(ctx context.Context, data []byte, format types.BlobFormat) (*store.TempTag, error) {
	return c.tag(types.HashAndFormat{Hash: store.HashBytes(data), Format: format}), nil
}

func (c *countingStore) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.pinned {
		total += n
	}
	return total
}

func TestImportRespectsParallelism(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "many")
	files := make(map[string]string)
	for i := 0; i < 32; i++ {
		files[filepath.Join("f", string(rune('a'+i%26))+string(rune('0'+i/26)))] = "content"
	}
	writeTree(t, dir, files)

	cs := newCountingStore()
	res, err := Import(context.Background(), dir, cs, Options{Parallelism: 3})
	require.NoError(t, err)

	assert.LessOrEqual(t, cs.maxSeen.Load(), int32(3))
	assert.Equal(t, 32, res.Files)

	// Only the collection tag is left.
	assert.Equal(t, 1, cs.outstanding())
	res.Tag.Release()
	assert.Equal(t, 0, cs.outstanding())
}

func TestImportFailureReleasesEverything(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "broken")
	writeTree(t, dir, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})

	cs := newCountingStore()
	cs.failPath = filepath.Join(dir, "c")
	resolved, err := filepath.EvalSymlinks(cs.failPath)
	require.NoError(t, err)
	cs.failPath = resolved

	_, err = Import(context.Background(), dir, cs, Options{Parallelism: 2})
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, 0, cs.outstanding())
}

func TestImportDetectsSourceChanges(t *testing.T) {
	tests := []struct {
		name  string
		touch func(t *testing.T, path string)
	}{
		{
			name: "removed before hashing",
			touch: func(t *testing.T, path string) {
				assert.NoError(t, os.Remove(path))
			},
		},
		{
			name: "rewritten while hashing",
			touch: func(t *testing.T, path string) {
				assert.NoError(t, os.WriteFile(path, []byte("a good deal longer than before"), 0644))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "moving")
			writeTree(t, dir, map[string]string{"a": "1", "b": "2", "c": "3"})
			target, err := filepath.EvalSymlinks(filepath.Join(dir, "b"))
			require.NoError(t, err)

			cs := newCountingStore()
			cs.touch = func(path string) {
				if path == target {
					tt.touch(t, path)
				}
			}

			_, err = Import(context.Background(), dir, cs, Options{Parallelism: 1})
			assert.ErrorIs(t, err, ErrSourceChanged)
			assert.Equal(t, 0, cs.outstanding())
		})
	}
}

func TestImportCancelled(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cancel")
	writeTree(t, dir, map[string]string{"a": "1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Import(ctx, dir, openStore(t), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
