package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, following the sqlc pattern:
// every generated query method takes a DBTX so the same method works inside
// or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries is the hand-written sqlc-style query surface over file_registry,
// tags, file_tags, and vec_index.
type Queries struct {
	db DBTX
}

// New wraps a DBTX (typically *sql.DB, or *sql.Tx inside WithTx) in a Queries.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx rebinds the same query set onto an open transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// UpsertFile inserts a new file_registry row or updates mtime/size/inode on
// an existing one, keyed by abs_path. Returns the stable file_id.
func (q *Queries) UpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, isDir bool, now int64) (int64, error) {
	isDirInt := 0
	if isDir {
		isDirInt = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO file_registry (abs_path, inode, mtime, size, is_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(abs_path) DO UPDATE SET
			inode = excluded.inode,
			mtime = excluded.mtime,
			size = excluded.size,
			is_dir = excluded.is_dir,
			updated_at = excluded.updated_at
	`, absPath, inode, mtime, size, isDirInt, now, now)
	if err != nil {
		return 0, fmt.Errorf("upsert file_registry: %w", err)
	}

	row := q.db.QueryRowContext(ctx, `SELECT file_id FROM file_registry WHERE abs_path = ?`, absPath)
	var fileID int64
	if err := row.Scan(&fileID); err != nil {
		return 0, fmt.Errorf("read back file_id: %w", err)
	}
	return fileID, nil
}

func (q *Queries) GetFileByID(ctx context.Context, fileID int64) (File, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT file_id, abs_path, inode, mtime, size, is_dir, created_at, updated_at
		FROM file_registry WHERE file_id = ?
	`, fileID)
	return scanFile(row)
}

func (q *Queries) GetFileByPath(ctx context.Context, absPath string) (File, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT file_id, abs_path, inode, mtime, size, is_dir, created_at, updated_at
		FROM file_registry WHERE abs_path = ?
	`, absPath)
	return scanFile(row)
}

func scanFile(row *sql.Row) (File, error) {
	var f File
	var isDirInt int
	if err := row.Scan(&f.FileID, &f.AbsPath, &f.Inode, &f.Mtime, &f.Size, &isDirInt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return File{}, err
	}
	f.IsDir = isDirInt != 0
	return f, nil
}

// ListAllFiles returns every registered file; used by purge_missing and
// startup reconciliation to diff the registry against the live disk set.
func (q *Queries) ListAllFiles(ctx context.Context) ([]File, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT file_id, abs_path, inode, mtime, size, is_dir, created_at, updated_at
		FROM file_registry
	`)
	if err != nil {
		return nil, fmt.Errorf("list file_registry: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		var isDirInt int
		if err := rows.Scan(&f.FileID, &f.AbsPath, &f.Inode, &f.Mtime, &f.Size, &isDirInt, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.IsDir = isDirInt != 0
		files = append(files, f)
	}
	return files, rows.Err()
}

// RenameFile updates a file_registry row's abs_path in place, preserving
// file_id (and therefore its tag links and chunks) across a physical
// rename (spec.md §4.4 "updates the registry path in place").
func (q *Queries) RenameFile(ctx context.Context, oldPath, newPath string, now int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE file_registry SET abs_path = ?, updated_at = ? WHERE abs_path = ?
	`, newPath, now, oldPath)
	if err != nil {
		return fmt.Errorf("rename file_registry: %w", err)
	}
	return nil
}

// DeleteFile removes a file_registry row. Foreign keys cascade to
// file_tags and vec_index.
func (q *Queries) DeleteFile(ctx context.Context, fileID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM file_registry WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file_registry: %w", err)
	}
	return nil
}

// ReplaceChunks atomically replaces a file's chunk set. Callers run this
// inside the same transaction as UpsertFile (spec.md §4.4).
func (q *Queries) ReplaceChunks(ctx context.Context, fileID int64, embeddings [][]byte) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM vec_index WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("clear vec_index: %w", err)
	}
	for i, emb := range embeddings {
		if _, err := q.db.ExecContext(ctx, `
			INSERT INTO vec_index (file_id, chunk_index, embedding) VALUES (?, ?, ?)
		`, fileID, i, emb); err != nil {
			return fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	return nil
}

// ListAllChunks returns every (file_id, embedding) pair in the index, for
// vector_search's linear scan.
func (q *Queries) ListAllChunks(ctx context.Context) ([]Chunk, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT file_id, chunk_index, embedding FROM vec_index`)
	if err != nil {
		return nil, fmt.Errorf("list vec_index: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.FileID, &c.ChunkIndex, &c.Embedding); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListDisplayNames returns the display_names currently used within a tag,
// for link_file_tag's collision-suffix resolution.
func (q *Queries) ListDisplayNames(ctx context.Context, tagID int64) (map[string]bool, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT display_name FROM file_tags WHERE tag_id = ?`, tagID)
	if err != nil {
		return nil, fmt.Errorf("list display names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

// LinkFileTag inserts a file_tags row. Collision resolution on display_name
// happens in the repo layer (it needs ListDisplayNames first); this method
// assumes the caller already picked a free display_name.
func (q *Queries) LinkFileTag(ctx context.Context, fileID, tagID int64, displayName string, addedAt int64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO file_tags (file_id, tag_id, display_name, added_at)
		VALUES (?, ?, ?, ?)
	`, fileID, tagID, displayName, addedAt)
	if err != nil {
		return fmt.Errorf("insert file_tags: %w", err)
	}
	return nil
}

func (q *Queries) UnlinkFileTag(ctx context.Context, fileID, tagID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ? AND tag_id = ?`, fileID, tagID)
	if err != nil {
		return fmt.Errorf("delete file_tags: %w", err)
	}
	return nil
}

func (q *Queries) ListTagChildren(ctx context.Context, tagID int64) ([]Tag, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT tag_id, COALESCE(parent_tag_id, 0), name, COALESCE(color, ''), COALESCE(icon, '')
		FROM tags WHERE COALESCE(parent_tag_id, 0) = ?
		ORDER BY name
	`, tagID)
	if err != nil {
		return nil, fmt.Errorf("list tag children: %w", err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.TagID, &t.ParentTagID, &t.Name, &t.Color, &t.Icon); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// ListTagFiles returns the file links for a tag, ordered by file_id for
// deterministic readdir output. The target file's abs_path is not included.
func (q *Queries) ListTagFiles(ctx context.Context, tagID int64) ([]FileTag, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT file_id, tag_id, display_name, added_at
		FROM file_tags WHERE tag_id = ?
		ORDER BY file_id
	`, tagID)
	if err != nil {
		return nil, fmt.Errorf("list tag files: %w", err)
	}
	defer rows.Close()

	var links []FileTag
	for rows.Next() {
		var ft FileTag
		if err := rows.Scan(&ft.FileID, &ft.TagID, &ft.DisplayName, &ft.AddedAt); err != nil {
			return nil, err
		}
		links = append(links, ft)
	}
	return links, rows.Err()
}

func (q *Queries) GetTagByID(ctx context.Context, tagID int64) (Tag, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT tag_id, COALESCE(parent_tag_id, 0), name, COALESCE(color, ''), COALESCE(icon, '')
		FROM tags WHERE tag_id = ?
	`, tagID)
	var t Tag
	if err := row.Scan(&t.TagID, &t.ParentTagID, &t.Name, &t.Color, &t.Icon); err != nil {
		return Tag{}, err
	}
	return t, nil
}

func (q *Queries) GetTagByParentName(ctx context.Context, parentTagID int64, name string) (Tag, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT tag_id, COALESCE(parent_tag_id, 0), name, COALESCE(color, ''), COALESCE(icon, '')
		FROM tags WHERE COALESCE(parent_tag_id, 0) = ? AND name = ?
	`, parentTagID, name)
	var t Tag
	if err := row.Scan(&t.TagID, &t.ParentTagID, &t.Name, &t.Color, &t.Icon); err != nil {
		return Tag{}, err
	}
	return t, nil
}

// CreateTag inserts a new tag. The UNIQUE(parent_tag_id, name) constraint
// is the source of truth for AlreadyExists detection; the repo layer
// translates the resulting sqlite error.
func (q *Queries) CreateTag(ctx context.Context, parentTagID int64, name string) (int64, error) {
	var parent any
	if parentTagID != 0 {
		parent = parentTagID
	}
	res, err := q.db.ExecContext(ctx, `INSERT INTO tags (parent_tag_id, name) VALUES (?, ?)`, parent, name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (q *Queries) RenameTag(ctx context.Context, tagID, newParentTagID int64, newName string) error {
	var parent any
	if newParentTagID != 0 {
		parent = newParentTagID
	}
	_, err := q.db.ExecContext(ctx, `UPDATE tags SET parent_tag_id = ?, name = ? WHERE tag_id = ?`, parent, newName, tagID)
	if err != nil {
		return fmt.Errorf("rename tag: %w", err)
	}
	return nil
}

func (q *Queries) RenameFileTagDisplayName(ctx context.Context, fileID, tagID int64, newName string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE file_tags SET display_name = ? WHERE file_id = ? AND tag_id = ?`, newName, fileID, tagID)
	if err != nil {
		return fmt.Errorf("rename file_tags display_name: %w", err)
	}
	return nil
}

// MoveFileTag re-points a link from one tag to another (§4.6 database-only
// rename across tags), optionally also renaming display_name.
func (q *Queries) MoveFileTag(ctx context.Context, fileID, fromTagID, toTagID int64, newDisplayName string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE file_tags SET tag_id = ?, display_name = ?
		WHERE file_id = ? AND tag_id = ?
	`, toTagID, newDisplayName, fileID, fromTagID)
	if err != nil {
		return fmt.Errorf("move file_tags: %w", err)
	}
	return nil
}

func (q *Queries) CountTagChildren(ctx context.Context, tagID int64) (int, error) {
	row := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE parent_tag_id = ?`, tagID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Queries) CountTagFiles(ctx context.Context, tagID int64) (int, error) {
	row := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_tags WHERE tag_id = ?`, tagID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Queries) DeleteTag(ctx context.Context, tagID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM tags WHERE tag_id = ?`, tagID)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return nil
}

// AncestryOf walks parent_tag_id pointers from tagID to the root, for
// rename_tag's cycle check (the new parent must not be a descendant).
func (q *Queries) AncestryOf(ctx context.Context, tagID int64) ([]int64, error) {
	var chain []int64
	current := tagID
	for current != 0 {
		chain = append(chain, current)
		row := q.db.QueryRowContext(ctx, `SELECT COALESCE(parent_tag_id, 0) FROM tags WHERE tag_id = ?`, current)
		var parent int64
		if err := row.Scan(&parent); err != nil {
			if err == sql.ErrNoRows {
				break
			}
			return nil, err
		}
		current = parent
		if len(chain) > 10000 {
			return nil, fmt.Errorf("ancestry walk exceeded depth limit (likely pre-existing cycle) at tag %d", tagID)
		}
	}
	return chain, nil
}

// Orphans returns files with zero tag links (spec.md §4.7 Scavenger input).
func (q *Queries) Orphans(ctx context.Context) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT file_id FROM file_registry
		WHERE file_id NOT IN (SELECT file_id FROM file_tags)
	`)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpiredTrash returns (file_id, abs_path) pairs linked to the trash tag
// with added_at older than cutoff (Unix seconds).
func (q *Queries) ExpiredTrash(ctx context.Context, trashTagID, cutoff int64) ([]struct {
	FileID  int64
	AbsPath string
}, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT f.file_id, f.abs_path
		FROM file_tags ft
		JOIN file_registry f ON f.file_id = ft.file_id
		WHERE ft.tag_id = ? AND ft.added_at < ?
	`, trashTagID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired trash: %w", err)
	}
	defer rows.Close()

	var out []struct {
		FileID  int64
		AbsPath string
	}
	for rows.Next() {
		var fileID int64
		var absPath string
		if err := rows.Scan(&fileID, &absPath); err != nil {
			return nil, err
		}
		out = append(out, struct {
			FileID  int64
			AbsPath string
		}{fileID, absPath})
	}
	return out, rows.Err()
}

// GetOrCreateTrashTag returns the "trash" tag's id, creating it under the
// root if it doesn't exist yet (spec.md §4.7).
func (q *Queries) GetOrCreateTrashTag(ctx context.Context) (int64, error) {
	t, err := q.GetTagByParentName(ctx, 0, TrashTagName)
	if err == nil {
		return t.TagID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	return q.CreateTag(ctx, 0, TrashTagName)
}
