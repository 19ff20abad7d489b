// Package oracle implements the Search Oracle: the single-consumer
// dispatcher behind `/search/<query>/`, per spec.md §4.5. It owns the
// accumulation window (typewriter suppression), the lookup-vs-readdir
// dispatch distinction (enforced by callers — only readdir should call
// Dispatch), and the Smart Waiter that blocks a readdir until results are
// available or a timeout elapses.
package oracle

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryceygordon/magicfs/internal/config"
	"github.com/bryceygordon/magicfs/internal/extract"
	"github.com/bryceygordon/magicfs/internal/inode"
	"github.com/bryceygordon/magicfs/internal/store"
)

// Repository is the read-path subset of repo.Repository the Oracle needs.
type Repository interface {
	VectorSearch(ctx context.Context, queryVector []float32, k int) ([]store.ScoredFile, error)
	GetFile(ctx context.Context, fileID int64) (store.File, error)
}

// ResultEntry is one materialized entry in a dispatched query-view
// directory: an ephemeral inode proxying a file_id, named "<score>_<name>".
type ResultEntry struct {
	FileID int64
	Score  float64
	Name   string
	Ino    uint64
}

type pendingQuery struct {
	query   string
	timer   *time.Timer
	readyCh chan struct{}
	entries []ResultEntry
	err     error
	done    bool
}

// Oracle dispatches vector searches for `/search` query views.
type Oracle struct {
	repo     Repository
	embedder extract.Embedder
	inodes   *inode.Store
	cfg      config.OracleConfig

	mu         sync.Mutex
	pending    map[string]*pendingQuery
	superseded map[string][]*pendingQuery
}

// New builds an Oracle. inodes is shared with the rest of HollowDrive so
// result-file proxies land in the same ephemeral namespace as query views.
func New(repo Repository, embedder extract.Embedder, inodes *inode.Store, cfg config.OracleConfig) *Oracle {
	return &Oracle{
		repo:       repo,
		embedder:   embedder,
		inodes:     inodes,
		cfg:        cfg,
		pending:    make(map[string]*pendingQuery),
		superseded: make(map[string][]*pendingQuery),
	}
}

// ErrTimeout is returned by Dispatch when the Smart Waiter's bound elapses
// before a dispatch completes.
var ErrTimeout = fmt.Errorf("oracle: dispatch timed out")

// normalize strips the whitespace/quoting the kernel forwards verbatim,
// matching inode.Store's query normalization so the two stay in lockstep.
func normalize(query string) string {
	q := strings.TrimSpace(query)
	return strings.Trim(q, `"'`)
}

// Dispatch registers an intention for query and blocks (the Smart Waiter)
// until results are available, the accumulation window's dispatch
// completes, the waiter timeout elapses, or ctx is cancelled. Callers MUST
// only call this from readdir, never from lookup (spec.md §4.5: "listing
// IS intent").
func (o *Oracle) Dispatch(ctx context.Context, query string) ([]ResultEntry, error) {
	norm := normalize(query)

	o.mu.Lock()
	pq, ok := o.pending[norm]
	if !ok || pq.done {
		pq = &pendingQuery{query: norm, readyCh: make(chan struct{})}
		o.pending[norm] = pq
	}
	if pq.timer != nil {
		pq.timer.Stop()
	}
	pq.timer = time.AfterFunc(o.cfg.AccumulationWindow, func() { o.fire(norm) })

	// Typewriter suppression: a new intention supersedes any other
	// not-yet-fired intention whose query string is prefix-related to
	// this one (spec.md §4.5).
	for key, other := range o.pending {
		if key == norm || other.done {
			continue
		}
		if isPrefixRelated(key, norm) {
			if other.timer != nil {
				other.timer.Stop()
			}
			delete(o.pending, key)
			o.superseded[norm] = append(o.superseded[norm], other)
			// key may itself have already absorbed earlier superseded
			// waiters (e.g. "m" chained under "ma" before "mag" arrives);
			// carry that chain forward so it still gets woken.
			if chain, ok := o.superseded[key]; ok {
				o.superseded[norm] = append(o.superseded[norm], chain...)
				delete(o.superseded, key)
			}
		}
	}
	o.mu.Unlock()

	waiterTimeout := o.cfg.WaiterTimeout
	if waiterTimeout <= 0 {
		waiterTimeout = 5 * time.Second
	}

	select {
	case <-pq.readyCh:
		o.mu.Lock()
		entries, err := pq.entries, pq.err
		o.mu.Unlock()
		return entries, err
	case <-time.After(waiterTimeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// isPrefixRelated reports whether a and b are the same typed string at
// different points in time: one is a prefix of the other.
func isPrefixRelated(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// fire runs the actual vector search for norm and wakes every waiter on it,
// including any intention it superseded while accumulating. The pending
// entry is dropped once resolved: a one-shot query string (the common case
// — shell autocompletion alone can probe thousands of distinct names, per
// spec.md §4.2) must not accumulate forever the way an unbounded
// InodeStore would.
func (o *Oracle) fire(norm string) {
	o.mu.Lock()
	pq := o.pending[norm]
	superseded := o.superseded[norm]
	delete(o.superseded, norm)
	o.mu.Unlock()
	if pq == nil {
		return
	}

	entries, err := o.runDispatch(norm)

	o.mu.Lock()
	pq.entries, pq.err, pq.done = entries, err, true
	if o.pending[norm] == pq {
		delete(o.pending, norm)
	}
	close(pq.readyCh)
	for _, s := range superseded {
		s.entries, s.err, s.done = entries, err, true
		close(s.readyCh)
	}
	o.mu.Unlock()
}

// runDispatch computes the query embedding, runs the vector search, and
// materializes ephemeral result-file entries named "<score>_<filename>"
// (spec.md §4.5).
func (o *Oracle) runDispatch(query string) ([]ResultEntry, error) {
	log.Printf("[Oracle] Dispatching search for: '%s'", query)

	ctx := context.Background()
	var vec []float32
	if o.embedder != nil {
		vectors, err := o.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		if len(vectors) > 0 {
			vec = vectors[0]
		}
	}

	k := o.cfg.ResultK
	if k <= 0 {
		k = 20
	}
	scored, err := o.repo.VectorSearch(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	entries := make([]ResultEntry, 0, len(scored))
	for _, s := range scored {
		f, err := o.repo.GetFile(ctx, s.FileID)
		if err != nil {
			continue
		}
		name := fmt.Sprintf("%.2f_%s", s.Score, filepath.Base(f.AbsPath))
		ino := uint64(0)
		if o.inodes != nil {
			ino = o.inodes.AllocResultFile(s.FileID, s.Score, name)
		}
		entries = append(entries, ResultEntry{FileID: s.FileID, Score: s.Score, Name: name, Ino: ino})
	}
	return entries, nil
}
