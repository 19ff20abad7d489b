// Package lifecycle runs the three low-frequency janitor workers that keep
// the registry honest over time: Reaper, Scavenger, and Incinerator
// (spec.md §4.7). All three share one ticker loop and are disabled while
// the Repository is in War Mode (bulk ingest).
package lifecycle

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryceygordon/magicfs/internal/config"
	"github.com/bryceygordon/magicfs/internal/repo"
	"github.com/bryceygordon/magicfs/internal/store"
)

// Repository is the subset of repo.Repository the lifecycle workers need.
type Repository interface {
	Mode() store.Mode
	PurgeMissing(ctx context.Context, isPresent func(absPath string) bool) (int, error)
	Orphans(ctx context.Context) ([]int64, error)
	LinkOrphanToTrash(ctx context.Context, fileID int64) error
	ExpiredTrash(ctx context.Context, cutoffUnix int64) ([]repo.ExpiredLink, error)
	HardDeleteFile(ctx context.Context, fileID int64, absPath string) error
}

// PathExists reports whether a physical path is present on disk. Exposed
// as a seam so tests can fake the filesystem without touching t.TempDir().
type PathExists func(absPath string) bool

// Lifecycle runs Reaper, Scavenger, and Incinerator on one shared ticker,
// the same Start/Stop worker-harness shape used by Librarian and Indexer.
type Lifecycle struct {
	repo    Repository
	roots   []string
	exists  PathExists
	cfg     config.LifecycleConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Lifecycle runner. roots scopes the Reaper's existence check
// to the watched directories, per spec.md §4.7 ("for watched roots only").
func New(r Repository, roots []string, exists PathExists, cfg config.LifecycleConfig) *Lifecycle {
	if exists == nil {
		exists = defaultPathExists
	}
	return &Lifecycle{repo: r, roots: roots, exists: exists, cfg: cfg}
}

// Start spawns the ticker loop. A no-op if already running.
func (l *Lifecycle) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.run(ctx)
}

// Stop halts the ticker loop and waits for the in-flight pass to finish.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.mu.Unlock()

	close(stopCh)
	<-doneCh

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
}

func (l *Lifecycle) run(ctx context.Context) {
	defer close(l.doneCh)

	interval := l.cfg.Interval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.passOnce(ctx)
		}
	}
}

// passOnce runs all three workers once, skipping entirely while the
// Repository is in War Mode (spec.md §4.7: "disabled in War Mode").
func (l *Lifecycle) passOnce(ctx context.Context) {
	if l.repo.Mode() == store.ModeWar {
		return
	}
	l.reap(ctx)
	l.scavenge(ctx)
	l.incinerate(ctx)
}

// reap purges registry rows whose abs_path no longer exists on disk, for
// the watched roots only. With no roots configured, every row is checked.
func (l *Lifecycle) reap(ctx context.Context) {
	isPresent := l.exists
	if len(l.roots) > 0 {
		isPresent = func(absPath string) bool {
			for _, root := range l.roots {
				if abs, err := filepath.Abs(root); err == nil {
					root = abs
				}
				if absPath == root || strings.HasPrefix(absPath, root+string(filepath.Separator)) {
					return l.exists(absPath)
				}
			}
			return true
		}
	}
	n, err := l.repo.PurgeMissing(ctx, isPresent)
	if err != nil {
		log.Printf("[Reaper] purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Reaper] purged %d missing file(s)", n)
	}
}

// scavenge links every zero-tag orphan to the trash tag so it surfaces in
// /tags/trash instead of silently disappearing.
func (l *Lifecycle) scavenge(ctx context.Context) {
	orphans, err := l.repo.Orphans(ctx)
	if err != nil {
		log.Printf("[Scavenger] list orphans failed: %v", err)
		return
	}
	for _, fileID := range orphans {
		if err := l.repo.LinkOrphanToTrash(ctx, fileID); err != nil {
			log.Printf("[Scavenger] link %d to trash failed: %v", fileID, err)
		}
	}
	if len(orphans) > 0 {
		log.Printf("[Scavenger] rescued %d orphan(s) to trash", len(orphans))
	}
}

// incinerate hard-deletes every trash link past its retention window. The
// physical file is deleted first; if that fails, the registry row is
// removed anyway since that's the correct end state (spec.md §4.7).
func (l *Lifecycle) incinerate(ctx context.Context) {
	retention := l.cfg.TrashRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := store.NowUnix() - int64(retention.Seconds())

	expired, err := l.repo.ExpiredTrash(ctx, cutoff)
	if err != nil {
		log.Printf("[Incinerator] list expired trash failed: %v", err)
		return
	}
	for _, link := range expired {
		if err := l.repo.HardDeleteFile(ctx, link.FileID, link.AbsPath); err != nil {
			log.Printf("[Incinerator] hard delete %s (file_id=%d) failed: %v", link.AbsPath, link.FileID, err)
		}
	}
	if len(expired) > 0 {
		log.Printf("[Incinerator] hard-deleted %d expired trash entr(ies)", len(expired))
	}
}

func defaultPathExists(absPath string) bool {
	_, err := os.Stat(absPath)
	return err == nil
}
