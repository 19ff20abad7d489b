// Package ignore decides which filesystem paths the Librarian is allowed
// to surface, per spec.md §4.3 and §6. Three layers of suppression apply,
// most specific first:
//
//  1. transient-suffix filter: in-flight writes from other applications
//     (.part, .tmp, .crdownload, .swp) are never emitted.
//  2. hardcoded dotfile/VCS suppression: dotfiles and well-known VCS
//     metadata directories are always denied.
//  3. .magicfsignore: a gitignore-style deny list, one pattern per root,
//     reloaded whenever the file changes.
package ignore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName is the ignore file the Librarian looks for at each watched root.
const FileName = ".magicfsignore"

// transientSuffixes are suffixes of in-flight writes (spec.md §4.3): never
// indexed, and a rename off one of these onto a stable name is the
// "foo.part -> foo.txt" case that must still fire exactly one event.
var transientSuffixes = []string{".part", ".tmp", ".crdownload", ".swp"}

// vcsDirs are hardcoded alongside the dotfile suppression; gitignore-style
// matching alone wouldn't stop traversal into these without a rule in
// every root's .magicfsignore.
var vcsDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
}

// IsTransient reports whether name carries one of the in-flight-write
// suffixes that must never be indexed.
func IsTransient(name string) bool {
	for _, suf := range transientSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}

// isHardcodedDeny reports the dotfile/VCS suppressions that apply
// regardless of .magicfsignore content.
func isHardcodedDeny(name string) bool {
	if name == "" {
		return false
	}
	if name == FileName {
		// The ignore file itself is watched for reload, not indexed.
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	return vcsDirs[name]
}

// Matcher evaluates a path against one watched root's combined deny list.
// Safe for concurrent use; Reload swaps the compiled gitignore rules
// atomically under a lock so in-flight Matches calls never see a half
// rebuilt rule set.
type Matcher struct {
	root string

	mu      sync.RWMutex
	compiled *gitignore.GitIgnore // nil if no .magicfsignore present
}

// NewMatcher builds a Matcher for root, compiling its .magicfsignore if
// present. A missing ignore file is not an error: only the hardcoded and
// transient-suffix rules apply.
func NewMatcher(root string) (*Matcher, error) {
	m := &Matcher{root: root}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload recompiles the root's .magicfsignore from disk. Call this when
// the Librarian's watcher reports the ignore file changed.
func (m *Matcher) Reload() error {
	path := filepath.Join(m.root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.compiled = nil
			m.mu.Unlock()
			return nil
		}
		return err
	}

	lines := make([]string, 0)
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, trimmed)
	}

	compiled := gitignore.CompileIgnoreLines(lines...)

	m.mu.Lock()
	m.compiled = compiled
	m.mu.Unlock()
	return nil
}

// Match reports whether absPath (under this Matcher's root) should be
// suppressed from indexing. Both the path's base name and its root-relative
// form are checked: hardcoded rules look at the base name (so a dotfile is
// denied no matter how deep it is), gitignore rules match the relative path.
func (m *Matcher) Match(absPath string) bool {
	base := filepath.Base(absPath)
	if IsTransient(base) || isHardcodedDeny(base) {
		return true
	}

	rel, err := filepath.Rel(m.root, absPath)
	if err != nil {
		rel = base
	}

	m.mu.RLock()
	compiled := m.compiled
	m.mu.RUnlock()
	if compiled == nil {
		return false
	}
	return compiled.MatchesPath(rel)
}

// IsIgnoreFile reports whether path names the ignore file itself, so the
// Librarian's watch loop can tell a reload-trigger apart from an ordinary
// content event.
func IsIgnoreFile(path string) bool {
	return filepath.Base(path) == FileName
}
