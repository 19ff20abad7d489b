// Package indexer consumes the Librarian's normalized events and turns
// them into Repository writes: extract, chunk, embed, and commit, under
// per-path debouncing and slow-writer tolerance (spec.md §4.4 — "the
// hardest part of the system").
package indexer

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bryceygordon/magicfs/internal/config"
	"github.com/bryceygordon/magicfs/internal/extract"
	"github.com/bryceygordon/magicfs/internal/librarian"
	"github.com/bryceygordon/magicfs/internal/repo"
)

// Repository is the write-path subset of repo.Repository the Indexer needs.
type Repository interface {
	UpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, isDir bool) (int64, error)
	ReplaceChunksAndUpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, embeddings [][]byte) (int64, error)
	RenameFile(ctx context.Context, oldPath, newPath string) error
	PurgeMissing(ctx context.Context, isPresent func(absPath string) bool) (int, error)
}

// pathState is the per-path debounce block: {last_event_ts (implicit in the
// timer), in_flight, dirty} (spec.md §4.4).
type pathState struct {
	timer    *time.Timer
	inFlight bool
	dirty    bool
}

// Indexer implements the Chatter-suppression and Politeness contract of
// spec.md §4.4. The embedding model and text-extraction codecs are
// external collaborators reached through extract.TextExtractor / Embedder;
// either may be nil, in which case files are registered but never chunked.
type Indexer struct {
	repo      Repository
	extractor extract.TextExtractor
	embedder  extract.Embedder
	limits    extract.Limits
	cfg       config.IndexerConfig
	roots     []string

	sem chan struct{}

	mu     sync.Mutex
	states map[string]*pathState
}

// New builds an Indexer. roots is used only to classify RenamedPair events:
// a rename is "in place" when both sides remain within the watched roots.
func New(r Repository, extractor extract.TextExtractor, embedder extract.Embedder, cfg config.IndexerConfig, roots []string) *Indexer {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	absRoots := make([]string, len(roots))
	for i, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			abs = root
		}
		absRoots[i] = abs
	}
	return &Indexer{
		repo:      r,
		extractor: extractor,
		embedder:  embedder,
		limits: extract.Limits{
			NoiseThresholdBytes: cfg.NoiseThresholdBytes,
			MaxFileSizeBytes:    cfg.MaxFileSizeBytes,
		},
		cfg:    cfg,
		roots:  absRoots,
		sem:    make(chan struct{}, workers),
		states: make(map[string]*pathState),
	}
}

// Run consumes events until ctx is cancelled or events is closed.
func (idx *Indexer) Run(ctx context.Context, events <-chan librarian.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			idx.handleEvent(ctx, ev)
		}
	}
}

func (idx *Indexer) handleEvent(ctx context.Context, ev librarian.Event) {
	switch ev.Kind {
	case librarian.Discovered, librarian.Modified:
		idx.scheduleProcess(ctx, ev.Path)
	case librarian.Removed:
		idx.cancelPending(ev.Path)
		if _, err := idx.repo.PurgeMissing(ctx, func(p string) bool { return p != ev.Path }); err != nil {
			log.Printf("[Indexer] purge %s failed: %v", ev.Path, err)
		}
	case librarian.RenamedPair:
		idx.handleRename(ctx, ev.From, ev.Path)
	}
}

// handleRename updates the registry path in place when both sides are
// within the watched roots; otherwise it's treated as delete+discover
// (spec.md §4.4).
func (idx *Indexer) handleRename(ctx context.Context, from, to string) {
	idx.cancelPending(from)

	if idx.withinRoots(from) && idx.withinRoots(to) {
		if err := idx.repo.RenameFile(ctx, from, to); err != nil {
			log.Printf("[Indexer] rename %s -> %s failed: %v", from, to, err)
		}
		return
	}

	if _, err := idx.repo.PurgeMissing(ctx, func(p string) bool { return p != from }); err != nil {
		log.Printf("[Indexer] purge %s failed: %v", from, err)
	}
	idx.scheduleProcess(ctx, to)
}

func (idx *Indexer) withinRoots(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, root := range idx.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// scheduleProcess implements per-path debouncing (spec.md §4.4): if the
// path is already in flight, the event coalesces into its dirty bit;
// otherwise the path enters (or has its) debounce window refreshed.
func (idx *Indexer) scheduleProcess(ctx context.Context, path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	st, ok := idx.states[path]
	if !ok {
		st = &pathState{}
		idx.states[path] = st
	}
	if st.inFlight {
		st.dirty = true
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(idx.cfg.DebounceWindow, func() { idx.beginProcessing(ctx, path, st) })
}

// cancelPending drops a path's debounce state entirely (Removed, or the
// "from" side of a handled rename).
func (idx *Indexer) cancelPending(path string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	st, ok := idx.states[path]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(idx.states, path)
}

// beginProcessing runs process on a bounded worker pool and honors the
// Final Promise: if the path was marked dirty while processing, it is
// re-queued once immediately, skipping the debounce wait (spec.md §4.4).
func (idx *Indexer) beginProcessing(ctx context.Context, path string, st *pathState) {
	idx.mu.Lock()
	st.inFlight = true
	st.dirty = false
	idx.mu.Unlock()

	idx.sem <- struct{}{}
	go func() {
		defer func() { <-idx.sem }()

		idx.process(ctx, path)

		idx.mu.Lock()
		st.inFlight = false
		again := st.dirty
		st.dirty = false
		idx.mu.Unlock()

		if again {
			idx.beginProcessing(ctx, path, st)
		}
	}()
}

// process is the extract -> chunk -> embed -> write pipeline for one path.
func (idx *Indexer) process(ctx context.Context, path string) {
	log.Printf("[Indexer] Processing: %s", path)

	data, err := idx.readWithPoliteness(path)
	if err != nil {
		log.Printf("[Indexer] giving up on %s: %v", path, err)
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		// Vanished between the event firing and the read; the next
		// Removed event (or a Reaper pass) will clean up the registry.
		return
	}
	if info.IsDir() {
		return
	}
	size := info.Size()
	mtime := info.ModTime().Unix()

	if idx.limits.TooLarge(size) {
		log.Printf("[Indexer] skipping %s: %s exceeds the size cap", path, humanize.Bytes(uint64(size)))
		return
	}
	if extract.IsBinary(data) {
		return
	}

	var text string
	if idx.extractor != nil {
		text, err = idx.extractor.Extract(ctx, path, data)
		if err != nil {
			log.Printf("[Indexer] extract %s failed: %v", path, err)
			text = ""
		}
	}

	if idx.limits.IsNoise(text, size) {
		if _, err := idx.repo.UpsertFile(ctx, path, 0, mtime, size, false); err != nil {
			log.Printf("[Indexer] upsert %s failed: %v", path, err)
		}
		return
	}

	chunks := extract.Chunk(text, idx.cfg.ChunkTokens, idx.cfg.ChunkOverlap)
	var embeddings [][]byte
	if len(chunks) > 0 && idx.embedder != nil {
		vectors, err := idx.embedder.Embed(ctx, chunks)
		if err != nil {
			log.Printf("[Indexer] embed %s failed: %v", path, err)
		} else {
			embeddings = make([][]byte, len(vectors))
			for i, v := range vectors {
				embeddings[i] = repo.EncodeFloat32s(v)
			}
		}
	}

	if _, err := idx.repo.ReplaceChunksAndUpsertFile(ctx, path, 0, mtime, size, embeddings); err != nil {
		log.Printf("[Indexer] index %s failed: %v", path, err)
	}
}

// readWithPoliteness reads a file, retrying with bounded exponential
// backoff when the failure looks like another process holding the file
// busy (spec.md §4.4). A successful read of a zero-byte file is not an
// error and is never retried.
func (idx *Indexer) readWithPoliteness(path string) ([]byte, error) {
	delay := idx.cfg.BusyRetryInitial
	var lastErr error

	for attempt := 0; attempt <= idx.cfg.BusyRetryAttempts; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !isBusy(err) {
			return nil, err
		}
		lastErr = err
		if attempt == idx.cfg.BusyRetryAttempts {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if idx.cfg.BusyRetryMax > 0 && delay > idx.cfg.BusyRetryMax {
			delay = idx.cfg.BusyRetryMax
		}
	}
	return nil, lastErr
}

func isBusy(err error) bool {
	if os.IsPermission(err) {
		return true
	}
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) || errors.Is(err, syscall.EAGAIN)
}
