// Package repo is the data access layer for MagicFS. It abstracts away
// the underlying storage (SQLite via internal/store) and exposes the
// transactional operations the Indexer, Oracle, HollowDrive, and lifecycle
// workers need, per spec.md §4.1.
package repo

import (
	"context"
	"errors"

	"github.com/bryceygordon/magicfs/internal/store"
)

// Sentinel errors surfaced by structural operations (spec.md §7: structural
// errors are returned immediately, never retried).
var (
	// ErrAlreadyExists is returned by CreateTag when (parent, name) collides.
	ErrAlreadyExists = errors.New("already exists")
	// ErrWouldCreateCycle is returned by RenameTag when the new parent is a
	// descendant of the tag being moved.
	ErrWouldCreateCycle = errors.New("would create cycle")
	// ErrNotEmpty is returned by DeleteTag when the tag has children or
	// linked files.
	ErrNotEmpty = errors.New("tag not empty")
	// ErrNotFound is returned when a file or tag id doesn't exist.
	ErrNotFound = errors.New("not found")
)

// Repository is the storage-facing interface consumed by every other
// component. Implementations own durability (War/Peace mode) and must
// serialize writes (spec.md §5: single writer at a time).
type Repository interface {
	// UpsertFile atomically inserts or updates a file_registry row,
	// keyed by abs_path, and returns the stable file_id.
	UpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, isDir bool) (int64, error)

	// GetFile looks up a file by id.
	GetFile(ctx context.Context, fileID int64) (store.File, error)

	// GetFileByPath looks up a file by its registered absolute path.
	GetFileByPath(ctx context.Context, absPath string) (store.File, error)

	// RenameFile updates a registered file's abs_path in place, preserving
	// file_id and therefore its tag links and chunks (spec.md §4.4
	// RenamedPair handling when both sides are within the watched roots).
	RenameFile(ctx context.Context, oldPath, newPath string) error

	// ReplaceChunksAndUpsertFile atomically upserts the file row and
	// replaces its chunk set in one transaction (spec.md §4.4).
	ReplaceChunksAndUpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, embeddings [][]byte) (int64, error)

	// LinkFileTag links a file to a tag. Collisions on display_name within
	// the tag are resolved by appending " (N)" for the smallest free N >= 2.
	LinkFileTag(ctx context.Context, fileID, tagID int64, displayName string) (resolvedName string, err error)

	// UnlinkFileTag removes a link only; the file row survives (soft delete).
	UnlinkFileTag(ctx context.Context, fileID, tagID int64) error

	// ListTagChildren returns the child tags of a tag.
	ListTagChildren(ctx context.Context, tagID int64) ([]store.Tag, error)

	// ListTagFiles returns the file links of a tag, with display names.
	ListTagFiles(ctx context.Context, tagID int64) ([]store.FileTag, error)

	// CreateTag creates a tag under parentTagID (0 = root). Fails with
	// ErrAlreadyExists if (parent, name) collides.
	CreateTag(ctx context.Context, parentTagID int64, name string) (int64, error)

	// GetTag looks up a tag by id.
	GetTag(ctx context.Context, tagID int64) (store.Tag, error)

	// GetTagByParentName looks up a tag by its (parent, name) pair.
	GetTagByParentName(ctx context.Context, parentTagID int64, name string) (store.Tag, error)

	// RenameTag re-parents and/or renames a tag. Fails with
	// ErrWouldCreateCycle if newParentTagID is tagID or a descendant of it.
	RenameTag(ctx context.Context, tagID, newParentTagID int64, newName string) error

	// MoveFileTag re-points a file's link from one tag to another,
	// optionally renaming its display_name (§4.6 cross-tag rename).
	MoveFileTag(ctx context.Context, fileID, fromTagID, toTagID int64, newDisplayName string) error

	// RenameFileTag renames a file's display_name within its current tag.
	RenameFileTag(ctx context.Context, fileID, tagID int64, newDisplayName string) error

	// DeleteTag removes a tag. Fails with ErrNotEmpty if it has children
	// or linked files.
	DeleteTag(ctx context.Context, tagID int64) error

	// VectorSearch returns the top-k files by cosine similarity against
	// queryVector, aggregating a file's best chunk score.
	VectorSearch(ctx context.Context, queryVector []float32, k int) ([]store.ScoredFile, error)

	// PurgeMissing removes registry rows whose abs_path is reported absent
	// by isPresent, cascading to file_tags and chunks. Returns the number
	// of rows purged.
	PurgeMissing(ctx context.Context, isPresent func(absPath string) bool) (int, error)

	// Orphans returns file_ids with zero tag links.
	Orphans(ctx context.Context) ([]int64, error)

	// ExpiredTrash returns (file_id, abs_path) pairs linked to the trash
	// tag with added_at older than cutoff (Unix seconds).
	ExpiredTrash(ctx context.Context, cutoffUnix int64) ([]ExpiredLink, error)

	// HardDeleteFile deletes the physical file first, then the registry
	// row (order matters: proceed to the DB delete even if the physical
	// delete fails; spec.md §4.7).
	HardDeleteFile(ctx context.Context, fileID int64, absPath string) error

	// LinkOrphanToTrash links an orphaned file to the well-known "trash"
	// tag, creating it if necessary (Scavenger).
	LinkOrphanToTrash(ctx context.Context, fileID int64) error

	// SetPerformanceMode transitions the durability mode. Moving to Peace
	// is single-shot; moving back to War is not supported.
	SetPerformanceMode(ctx context.Context, mode store.Mode) error

	// Mode reports the current durability mode.
	Mode() store.Mode

	// Close releases the underlying connection.
	Close() error
}

// ExpiredLink is one row due for Incinerator processing.
type ExpiredLink struct {
	FileID  int64
	AbsPath string
}
