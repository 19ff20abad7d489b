package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryceygordon/magicfs/internal/config"
	"github.com/bryceygordon/magicfs/internal/librarian"
)

type fakeRepo struct {
	mu            sync.Mutex
	upserts       []string
	replaceChunks []string
	renames       [][2]string
	purges        int
	files         map[string][]byte // absPath -> last chunk content marker, for search-after-index checks
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{files: make(map[string][]byte)}
}

func (f *fakeRepo) UpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, isDir bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, absPath)
	return 1, nil
}

func (f *fakeRepo) ReplaceChunksAndUpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, embeddings [][]byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceChunks = append(f.replaceChunks, absPath)
	if len(embeddings) > 0 {
		f.files[absPath] = embeddings[len(embeddings)-1]
	}
	return 1, nil
}

func (f *fakeRepo) RenameFile(ctx context.Context, oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renames = append(f.renames, [2]string{oldPath, newPath})
	return nil
}

func (f *fakeRepo) PurgeMissing(ctx context.Context, isPresent func(absPath string) bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges++
	return 0, nil
}

func (f *fakeRepo) replaceChunksCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replaceChunks)
}

func (f *fakeRepo) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

type passthroughExtractor struct{}

func (passthroughExtractor) Extract(ctx context.Context, absPath string, data []byte) (string, error) {
	return string(data), nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, chunks []string) ([][]float32, error) {
	out := make([][]float32, len(chunks))
	for i := range chunks {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func testConfig() config.IndexerConfig {
	return config.IndexerConfig{
		DebounceWindow:      20 * time.Millisecond,
		BusyRetryInitial:    5 * time.Millisecond,
		BusyRetryMax:        20 * time.Millisecond,
		BusyRetryAttempts:   2,
		NoiseThresholdBytes: 10,
		MaxFileSizeBytes:    10 * 1024 * 1024,
		ChunkTokens:         256,
		ChunkOverlap:        32,
		Workers:             2,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestIndexerProcessesDiscoveredFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("the chef chopped onions in the kitchen"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	r := newFakeRepo()
	idx := New(r, passthroughExtractor{}, stubEmbedder{}, testConfig(), []string{dir})

	events := make(chan librarian.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, events)

	events <- librarian.Event{Kind: librarian.Discovered, Path: path}
	waitFor(t, 2*time.Second, func() bool { return r.replaceChunksCount() == 1 })
}

func TestIndexerChatterSuppression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")
	if err := os.WriteFile(path, []byte("line 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	r := newFakeRepo()
	idx := New(r, passthroughExtractor{}, stubEmbedder{}, testConfig(), []string{dir})

	events := make(chan librarian.Event, 64)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, events)

	for i := 0; i < 50; i++ {
		content := strings.Repeat("x", 4) + " line " + string(rune('0'+i%10)) + "\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error: %v", err)
		}
		events <- librarian.Event{Kind: librarian.Modified, Path: path}
		time.Sleep(5 * time.Millisecond) // ~200Hz, well inside the debounce window
	}

	waitFor(t, 3*time.Second, func() bool { return r.replaceChunksCount() >= 1 })
	time.Sleep(200 * time.Millisecond) // let any trailing Final Promise re-queue settle

	if n := r.replaceChunksCount(); n > 10 {
		t.Errorf("replaceChunksCount() = %d after 50-event burst, want <= 10", n)
	}
}

func TestIndexerZeroByteFileRegistersImmediatelyWithoutChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	r := newFakeRepo()
	idx := New(r, passthroughExtractor{}, stubEmbedder{}, testConfig(), []string{dir})

	events := make(chan librarian.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, events)

	events <- librarian.Event{Kind: librarian.Discovered, Path: path}
	waitFor(t, 2*time.Second, func() bool { return r.upsertCount() == 1 })

	if r.replaceChunksCount() != 0 {
		t.Errorf("replaceChunksCount() = %d, want 0 for a zero-byte file", r.replaceChunksCount())
	}
}

func TestIndexerSkipsBinaryFilesEntirely(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(path, []byte("PNG\x00binarydata"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	r := newFakeRepo()
	idx := New(r, passthroughExtractor{}, stubEmbedder{}, testConfig(), []string{dir})

	events := make(chan librarian.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, events)

	events <- librarian.Event{Kind: librarian.Discovered, Path: path}
	time.Sleep(200 * time.Millisecond)

	if r.upsertCount() != 0 || r.replaceChunksCount() != 0 {
		t.Errorf("binary file produced a registry write: upserts=%d replaceChunks=%d, want 0/0", r.upsertCount(), r.replaceChunksCount())
	}
}

func TestIndexerRenameWithinRootsUpdatesPathInPlace(t *testing.T) {
	dir := t.TempDir()
	r := newFakeRepo()
	idx := New(r, passthroughExtractor{}, stubEmbedder{}, testConfig(), []string{dir})

	events := make(chan librarian.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, events)

	from := filepath.Join(dir, "old.txt")
	to := filepath.Join(dir, "new.txt")
	events <- librarian.Event{Kind: librarian.RenamedPair, From: from, Path: to}

	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.renames) == 1
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.renames[0][0] != from || r.renames[0][1] != to {
		t.Errorf("renames[0] = %v, want (%q, %q)", r.renames[0], from, to)
	}
	if r.purges != 0 {
		t.Errorf("purges = %d, want 0 (in-place rename should not purge)", r.purges)
	}
}

func TestIndexerRenameOutsideRootsIsDeleteAndDiscover(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	to := filepath.Join(dirB, "moved.txt")
	if err := os.WriteFile(to, []byte("moved outside watched roots"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	r := newFakeRepo()
	idx := New(r, passthroughExtractor{}, stubEmbedder{}, testConfig(), []string{dirA})

	events := make(chan librarian.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, events)

	from := filepath.Join(dirA, "old.txt")
	events <- librarian.Event{Kind: librarian.RenamedPair, From: from, Path: to}

	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.purges == 1
	})
	r.mu.Lock()
	renamed := len(r.renames)
	r.mu.Unlock()
	if renamed != 0 {
		t.Errorf("renames recorded = %d, want 0 (destination outside watched roots)", renamed)
	}
}

func TestIndexerRemovedPurgesRegistry(t *testing.T) {
	dir := t.TempDir()
	r := newFakeRepo()
	idx := New(r, passthroughExtractor{}, stubEmbedder{}, testConfig(), []string{dir})

	events := make(chan librarian.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go idx.Run(ctx, events)

	events <- librarian.Event{Kind: librarian.Removed, Path: filepath.Join(dir, "gone.txt")}
	waitFor(t, 2*time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.purges == 1
	})
}
