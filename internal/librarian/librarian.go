// Package librarian watches the configured roots for filesystem activity
// and turns raw, noisy events into the small normalized vocabulary the
// Indexer consumes, per spec.md §4.3.
package librarian

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bryceygordon/magicfs/internal/ignore"
	"github.com/bryceygordon/magicfs/internal/store"
)

// EventKind is the normalized vocabulary the Librarian emits. Raw
// create/modify/delete/rename/attrib events from the watcher are folded
// into this small set (spec.md §4.3).
type EventKind int

const (
	Discovered EventKind = iota
	Modified
	Removed
	RenamedPair
)

func (k EventKind) String() string {
	switch k {
	case Discovered:
		return "Discovered"
	case Modified:
		return "Modified"
	case Removed:
		return "Removed"
	case RenamedPair:
		return "RenamedPair"
	default:
		return "Unknown"
	}
}

// Event is a single normalized filesystem occurrence. From is only set for
// RenamedPair; Path carries the sole path for every other kind, and the
// destination for RenamedPair.
type Event struct {
	Kind EventKind
	From string
	Path string
}

// Repository is the subset of repo.Repository the Librarian needs: startup
// reconciliation and the War/Peace handover.
type Repository interface {
	PurgeMissing(ctx context.Context, isPresent func(absPath string) bool) (int, error)
	SetPerformanceMode(ctx context.Context, mode store.Mode) error
}

// Librarian owns the recursive watch over a set of roots and the
// startup reconciliation / War-Peace handover sequence.
type Librarian struct {
	roots   []string
	mount   string
	repo    Repository
	events  chan<- Event
	matchers map[string]*ignore.Matcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Librarian over roots, publishing normalized events to
// events. mount is the FUSE mount point; it is used only for the
// feedback-loop safety check.
func New(roots []string, mount string, repo Repository, events chan<- Event) (*Librarian, error) {
	if err := checkFeedbackLoop(roots, mount); err != nil {
		panic(err)
	}

	absRoots := make([]string, 0, len(roots))
	matchers := make(map[string]*ignore.Matcher, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve root %q: %w", root, err)
		}
		m, err := ignore.NewMatcher(abs)
		if err != nil {
			return nil, fmt.Errorf("load ignore rules for %q: %w", abs, err)
		}
		absRoots = append(absRoots, abs)
		matchers[abs] = m
	}

	return &Librarian{
		roots:    absRoots,
		mount:    mount,
		repo:     repo,
		events:   events,
		matchers: matchers,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// checkFeedbackLoop returns an error (which New turns into a panic) if any
// watched root is the mount point or a descendant of it: self-watching would amplify every read into a cascade
// of events (spec.md §4.3).
func checkFeedbackLoop(roots []string, mount string) error {
	if mount == "" {
		return nil
	}
	absMount, err := filepath.Abs(mount)
	if err != nil {
		return fmt.Errorf("resolve mount point: %w", err)
	}
	for _, root := range roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolve root %q: %w", root, err)
		}
		if absRoot == absMount || strings.HasPrefix(absRoot+string(filepath.Separator), absMount+string(filepath.Separator)) {
			return fmt.Errorf("Feedback Loop: watched root %q is the mount point %q or a descendant of it", absRoot, absMount)
		}
	}
	return nil
}

// Run performs the startup scan, reconciliation, and War-to-Peace handover,
// then watches for live events until ctx is cancelled or Stop is called.
// It blocks until the watch loop exits.
func (l *Librarian) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("librarian already running")
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
		close(l.doneCh)
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	discovered := make(map[string]bool)
	for _, root := range l.roots {
		if err := l.addRecursive(watcher, root, discovered); err != nil {
			return fmt.Errorf("watch root %q: %w", root, err)
		}
	}

	if err := l.reconcile(ctx, discovered); err != nil {
		log.Printf("[Librarian] startup reconciliation failed: %v", err)
	}

	for path := range discovered {
		l.emit(Event{Kind: Discovered, Path: path})
	}

	if err := l.repo.SetPerformanceMode(ctx, store.ModePeace); err != nil {
		log.Printf("[Librarian] Failed to enter Peace Mode: %v", err)
	} else {
		log.Println("[Librarian] 🛡️ Initial indexing complete. Switching to Peace Mode")
	}

	return l.watchLoop(ctx, watcher)
}

// Stop requests the watch loop exit and waits for it to do so.
func (l *Librarian) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	close(l.stopCh)
	<-l.doneCh
}

// Reconcile performs a full manual rescan of every watched root: it purges
// registry rows for files no longer present and re-emits a Discovered
// event for everything it finds, so the Indexer re-upserts metadata and
// re-embeds anything that changed underneath it (spec.md §4.6's
// "/.magic/refresh" control file). The live fsnotify watch set is
// untouched; Run already covers subdirectories created after startup.
func (l *Librarian) Reconcile(ctx context.Context) error {
	discovered := make(map[string]bool)
	for _, root := range l.roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if l.shouldIgnore(path) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.IsDir() {
				discovered[path] = true
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan root %q: %w", root, err)
		}
	}
	if err := l.reconcile(ctx, discovered); err != nil {
		return err
	}
	for path := range discovered {
		l.emit(Event{Kind: Discovered, Path: path})
	}
	return nil
}

// reconcile purges registry rows whose abs_path is no longer on disk (the
// "zombie" case: files deleted while the daemon was down).
func (l *Librarian) reconcile(ctx context.Context, discovered map[string]bool) error {
	_, err := l.repo.PurgeMissing(ctx, func(absPath string) bool {
		return discovered[absPath]
	})
	return err
}

// addRecursive walks root, registers every directory with the watcher, and
// records every non-ignored file it finds into discovered.
func (l *Librarian) addRecursive(watcher *fsnotify.Watcher, root string, discovered map[string]bool) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if l.shouldIgnore(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		discovered[path] = true
		return nil
	})
}

// matcherFor finds the ignore.Matcher for the root containing path.
func (l *Librarian) matcherFor(path string) *ignore.Matcher {
	for _, root := range l.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return l.matchers[root]
		}
	}
	return nil
}

func (l *Librarian) shouldIgnore(path string) bool {
	m := l.matcherFor(path)
	if m == nil {
		return false
	}
	return m.Match(path)
}

func (l *Librarian) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.stopCh:
	}
}

// renamePairWindow bounds how long a rename-out (REMOVE/RENAME op on the
// old name) waits for the matching create-in before it is given up on and
// folded into a plain Removed event.
const renamePairWindow = 50 * time.Millisecond

// watchLoop folds raw fsnotify events into the normalized vocabulary.
// fsnotify reports a rename as a REMOVE/RENAME op on the old name followed
// shortly by a CREATE on the new one; pendingPath bridges the two into a
// RenamedPair when they land within renamePairWindow of each other.
func (l *Librarian) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) error {
	var pendingPath string
	var renameFlush <-chan time.Time

	flushPending := func() {
		if pendingPath != "" {
			l.emit(Event{Kind: Removed, Path: pendingPath})
			pendingPath = ""
		}
		renameFlush = nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		case <-renameFlush:
			flushPending()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Librarian] watch error: %v", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ignore.IsIgnoreFile(ev.Name) {
				if m := l.matcherFor(ev.Name); m != nil {
					if err := m.Reload(); err != nil {
						log.Printf("[Librarian] reload ignore rules for %q failed: %v", ev.Name, err)
					}
				}
				continue
			}
			if l.shouldIgnore(ev.Name) {
				continue
			}

			switch {
			case ev.Op&fsnotify.Create != 0:
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					discovered := make(map[string]bool)
					if err := l.addRecursive(watcher, ev.Name, discovered); err != nil {
						log.Printf("[Librarian] watch new directory %q failed: %v", ev.Name, err)
					}
					for path := range discovered {
						l.emit(Event{Kind: Discovered, Path: path})
					}
					continue
				}
				if pendingPath != "" {
					l.emit(Event{Kind: RenamedPair, From: pendingPath, Path: ev.Name})
					pendingPath = ""
					renameFlush = nil
					continue
				}
				l.emit(Event{Kind: Discovered, Path: ev.Name})

			case ev.Op&fsnotify.Write != 0:
				l.emit(Event{Kind: Modified, Path: ev.Name})

			case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
				flushPending() // an earlier unpaired rename-out is now final
				pendingPath = ev.Name
				renameFlush = time.After(renamePairWindow)

			case ev.Op&fsnotify.Chmod != 0:
				// attrib events don't change content; nothing to normalize.
			}
		}
	}
}
