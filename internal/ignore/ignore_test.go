package ignore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsTransientMatchesKnownSuffixes(t *testing.T) {
	for _, name := range []string{"download.part", "report.tmp", "movie.crdownload", ".file.swp"} {
		if !IsTransient(name) {
			t.Errorf("IsTransient(%q) = false, want true", name)
		}
	}
	if IsTransient("report.txt") {
		t.Errorf("IsTransient(%q) = true, want false", "report.txt")
	}
}

func TestMatcherDeniesDotfilesAndVCSDirs(t *testing.T) {
	root := t.TempDir()
	m, err := NewMatcher(root)
	if err != nil {
		t.Fatalf("NewMatcher() error: %v", err)
	}

	for _, p := range []string{
		filepath.Join(root, ".hidden"),
		filepath.Join(root, ".git", "HEAD"),
		filepath.Join(root, "a.part"),
	} {
		if !m.Match(p) {
			t.Errorf("Match(%q) = false, want true (hardcoded or transient deny)", p)
		}
	}
	if m.Match(filepath.Join(root, "report.txt")) {
		t.Errorf("Match() on ordinary file = true, want false")
	}
}

func TestMatcherAppliesMagicfsignoreRules(t *testing.T) {
	root := t.TempDir()
	writeIgnoreFile(t, root, "*.log\nbuild/\n# a comment\n\n")

	m, err := NewMatcher(root)
	if err != nil {
		t.Fatalf("NewMatcher() error: %v", err)
	}

	if !m.Match(filepath.Join(root, "debug.log")) {
		t.Errorf("Match(debug.log) = false, want true (matches *.log)")
	}
	if !m.Match(filepath.Join(root, "build", "out.bin")) {
		t.Errorf("Match(build/out.bin) = false, want true (matches build/)")
	}
	if m.Match(filepath.Join(root, "notes.txt")) {
		t.Errorf("Match(notes.txt) = true, want false")
	}
}

func TestMatcherReloadPicksUpChanges(t *testing.T) {
	root := t.TempDir()
	writeIgnoreFile(t, root, "*.log\n")

	m, err := NewMatcher(root)
	if err != nil {
		t.Fatalf("NewMatcher() error: %v", err)
	}
	if m.Match(filepath.Join(root, "notes.secret")) {
		t.Fatalf("precondition failed: notes.secret already ignored")
	}

	writeIgnoreFile(t, root, "*.log\n*.secret\n")
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if !m.Match(filepath.Join(root, "notes.secret")) {
		t.Errorf("Match(notes.secret) after Reload = false, want true")
	}
}

func TestMatcherWithoutIgnoreFileOnlyAppliesHardcodedRules(t *testing.T) {
	root := t.TempDir()
	m, err := NewMatcher(root)
	if err != nil {
		t.Fatalf("NewMatcher() error: %v", err)
	}
	if m.Match(filepath.Join(root, "report.txt")) {
		t.Errorf("Match() with no .magicfsignore = true, want false")
	}
}

func TestMatcherDeniesTheIgnoreFileItself(t *testing.T) {
	root := t.TempDir()
	writeIgnoreFile(t, root, "*.log\n")
	m, err := NewMatcher(root)
	if err != nil {
		t.Fatalf("NewMatcher() error: %v", err)
	}
	if !m.Match(filepath.Join(root, FileName)) {
		t.Errorf("Match(%s) = false, want true", FileName)
	}
}

func TestIsIgnoreFile(t *testing.T) {
	if !IsIgnoreFile("/watched/root/.magicfsignore") {
		t.Errorf("IsIgnoreFile() = false, want true")
	}
	if IsIgnoreFile("/watched/root/notes.txt") {
		t.Errorf("IsIgnoreFile() = true, want false")
	}
}

func writeIgnoreFile(t *testing.T, root, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error: %v", FileName, err)
	}
}
