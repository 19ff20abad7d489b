package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/bryceygordon/magicfs/internal/store"
)

// SQLiteRepository implements Repository on top of internal/store.
// Writes are serialized by writeMu (spec.md §5: single writer at a time);
// reads go directly through the pooled connection.
type SQLiteRepository struct {
	st *store.Store

	writeMu sync.Mutex
}

// NewSQLiteRepository wraps an already-opened store.Store.
func NewSQLiteRepository(st *store.Store) *SQLiteRepository {
	return &SQLiteRepository{st: st}
}

func (r *SQLiteRepository) Close() error { return r.st.Close() }

func (r *SQLiteRepository) Mode() store.Mode { return r.st.Mode() }

func (r *SQLiteRepository) SetPerformanceMode(ctx context.Context, mode store.Mode) error {
	if mode != store.ModePeace {
		return fmt.Errorf("set performance mode: only War->Peace is supported")
	}
	return r.st.EnterPeaceMode(ctx)
}

func (r *SQLiteRepository) UpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, isDir bool) (int64, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var fileID int64
	err := r.st.WithTx(ctx, func(q *store.Queries) error {
		id, err := q.UpsertFile(ctx, absPath, inode, mtime, size, isDir, store.NowUnix())
		if err != nil {
			return err
		}
		fileID = id
		return nil
	})
	return fileID, err
}

func (r *SQLiteRepository) GetFile(ctx context.Context, fileID int64) (store.File, error) {
	f, err := store.New(r.st.DB()).GetFileByID(ctx, fileID)
	if err == sql.ErrNoRows {
		return store.File{}, ErrNotFound
	}
	return f, err
}

func (r *SQLiteRepository) GetFileByPath(ctx context.Context, absPath string) (store.File, error) {
	f, err := store.New(r.st.DB()).GetFileByPath(ctx, absPath)
	if err == sql.ErrNoRows {
		return store.File{}, ErrNotFound
	}
	return f, err
}

// RenameFile updates abs_path in place, keeping file_id stable so tag links
// and chunks survive a physical rename untouched.
func (r *SQLiteRepository) RenameFile(ctx context.Context, oldPath, newPath string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.st.WithTx(ctx, func(q *store.Queries) error {
		return q.RenameFile(ctx, oldPath, newPath, store.NowUnix())
	})
}

// ReplaceChunksAndUpsertFile upserts the file row and replaces its chunks in
// a single transaction, so a reader never observes a file row with a stale
// or half-written chunk set (spec.md §4.4 "Extract -> chunk -> embed").
func (r *SQLiteRepository) ReplaceChunksAndUpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, embeddings [][]byte) (int64, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var fileID int64
	err := r.st.WithTx(ctx, func(q *store.Queries) error {
		id, err := q.UpsertFile(ctx, absPath, inode, mtime, size, false, store.NowUnix())
		if err != nil {
			return err
		}
		if err := q.ReplaceChunks(ctx, id, embeddings); err != nil {
			return err
		}
		fileID = id
		return nil
	})
	return fileID, err
}

// LinkFileTag resolves display-name collisions at link time: the smallest
// free suffix " (N)", N >= 2, is appended deterministically (spec.md §4.1,
// §9 "Display-name collisions").
func (r *SQLiteRepository) LinkFileTag(ctx context.Context, fileID, tagID int64, displayName string) (string, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var resolved string
	err := r.st.WithTx(ctx, func(q *store.Queries) error {
		taken, err := q.ListDisplayNames(ctx, tagID)
		if err != nil {
			return err
		}
		resolved = resolveCollision(displayName, taken)
		return q.LinkFileTag(ctx, fileID, tagID, resolved, store.NowUnix())
	})
	return resolved, err
}

func resolveCollision(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", name, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

func (r *SQLiteRepository) UnlinkFileTag(ctx context.Context, fileID, tagID int64) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.st.WithTx(ctx, func(q *store.Queries) error {
		return q.UnlinkFileTag(ctx, fileID, tagID)
	})
}

func (r *SQLiteRepository) ListTagChildren(ctx context.Context, tagID int64) ([]store.Tag, error) {
	return store.New(r.st.DB()).ListTagChildren(ctx, tagID)
}

func (r *SQLiteRepository) ListTagFiles(ctx context.Context, tagID int64) ([]store.FileTag, error) {
	return store.New(r.st.DB()).ListTagFiles(ctx, tagID)
}

func (r *SQLiteRepository) CreateTag(ctx context.Context, parentTagID int64, name string) (int64, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var tagID int64
	err := r.st.WithTx(ctx, func(q *store.Queries) error {
		if _, err := q.GetTagByParentName(ctx, parentTagID, name); err == nil {
			return ErrAlreadyExists
		} else if err != sql.ErrNoRows {
			return err
		}
		id, err := q.CreateTag(ctx, parentTagID, name)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return ErrAlreadyExists
			}
			return err
		}
		tagID = id
		return nil
	})
	return tagID, err
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func (r *SQLiteRepository) GetTag(ctx context.Context, tagID int64) (store.Tag, error) {
	t, err := store.New(r.st.DB()).GetTagByID(ctx, tagID)
	if err == sql.ErrNoRows {
		return store.Tag{}, ErrNotFound
	}
	return t, err
}

func (r *SQLiteRepository) GetTagByParentName(ctx context.Context, parentTagID int64, name string) (store.Tag, error) {
	t, err := store.New(r.st.DB()).GetTagByParentName(ctx, parentTagID, name)
	if err == sql.ErrNoRows {
		return store.Tag{}, ErrNotFound
	}
	return t, err
}

// RenameTag rejects cycles by walking the new parent's ancestry: if tagID
// appears in that chain, the new parent is tagID itself or a descendant of
// it (spec.md §9 "Tag forest, not graph").
func (r *SQLiteRepository) RenameTag(ctx context.Context, tagID, newParentTagID int64, newName string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.st.WithTx(ctx, func(q *store.Queries) error {
		if newParentTagID != 0 {
			ancestry, err := q.AncestryOf(ctx, newParentTagID)
			if err != nil {
				return err
			}
			for _, id := range ancestry {
				if id == tagID {
					return ErrWouldCreateCycle
				}
			}
		}
		return q.RenameTag(ctx, tagID, newParentTagID, newName)
	})
}

func (r *SQLiteRepository) MoveFileTag(ctx context.Context, fileID, fromTagID, toTagID int64, newDisplayName string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.st.WithTx(ctx, func(q *store.Queries) error {
		taken, err := q.ListDisplayNames(ctx, toTagID)
		if err != nil {
			return err
		}
		resolved := resolveCollision(newDisplayName, taken)
		return q.MoveFileTag(ctx, fileID, fromTagID, toTagID, resolved)
	})
}

func (r *SQLiteRepository) RenameFileTag(ctx context.Context, fileID, tagID int64, newDisplayName string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.st.WithTx(ctx, func(q *store.Queries) error {
		taken, err := q.ListDisplayNames(ctx, tagID)
		if err != nil {
			return err
		}
		delete(taken, newDisplayName) // renaming in place may reuse its own name
		resolved := resolveCollision(newDisplayName, taken)
		return q.RenameFileTagDisplayName(ctx, fileID, tagID, resolved)
	})
}

func (r *SQLiteRepository) DeleteTag(ctx context.Context, tagID int64) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.st.WithTx(ctx, func(q *store.Queries) error {
		children, err := q.CountTagChildren(ctx, tagID)
		if err != nil {
			return err
		}
		files, err := q.CountTagFiles(ctx, tagID)
		if err != nil {
			return err
		}
		if children > 0 || files > 0 {
			return ErrNotEmpty
		}
		return q.DeleteTag(ctx, tagID)
	})
}

// VectorSearch is a linear scan over vec_index computing cosine similarity
// per chunk, then keeping each file's best-scoring chunk (see DESIGN.md:
// no pure-Go vector SQLite extension in the corpus is compatible with the
// cgo-free modernc.org/sqlite driver, so this is hand-rolled).
func (r *SQLiteRepository) VectorSearch(ctx context.Context, queryVector []float32, k int) ([]store.ScoredFile, error) {
	chunks, err := store.New(r.st.DB()).ListAllChunks(ctx)
	if err != nil {
		return nil, err
	}

	best := make(map[int64]float64, len(chunks))
	for _, c := range chunks {
		vec := decodeFloat32s(c.Embedding)
		score := cosineSimilarity(queryVector, vec)
		if cur, ok := best[c.FileID]; !ok || score > cur {
			best[c.FileID] = score
		}
	}

	results := make([]store.ScoredFile, 0, len(best))
	for fileID, score := range best {
		results = append(results, store.ScoredFile{FileID: fileID, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FileID < results[j].FileID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// PurgeMissing diffs the registry against isPresent and deletes rows whose
// path the predicate reports gone. Used by Librarian's startup
// reconciliation (zombies) and the periodic Reaper (spec.md §4.3, §4.7).
func (r *SQLiteRepository) PurgeMissing(ctx context.Context, isPresent func(absPath string) bool) (int, error) {
	files, err := store.New(r.st.DB()).ListAllFiles(ctx)
	if err != nil {
		return 0, err
	}

	var toDelete []int64
	for _, f := range files {
		if !isPresent(f.AbsPath) {
			toDelete = append(toDelete, f.FileID)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	err = r.st.WithTx(ctx, func(q *store.Queries) error {
		for _, id := range toDelete {
			if err := q.DeleteFile(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	return len(toDelete), err
}

func (r *SQLiteRepository) Orphans(ctx context.Context) ([]int64, error) {
	return store.New(r.st.DB()).Orphans(ctx)
}

func (r *SQLiteRepository) ExpiredTrash(ctx context.Context, cutoffUnix int64) ([]ExpiredLink, error) {
	q := store.New(r.st.DB())
	trashTagID, err := q.GetOrCreateTrashTag(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := q.ExpiredTrash(ctx, trashTagID, cutoffUnix)
	if err != nil {
		return nil, err
	}
	out := make([]ExpiredLink, len(rows))
	for i, row := range rows {
		out[i] = ExpiredLink{FileID: row.FileID, AbsPath: row.AbsPath}
	}
	return out, nil
}

// HardDeleteFile deletes the physical file first, then the registry row.
// If the physical delete fails (already gone, permission denied), the
// registry delete still proceeds — that's the correct end state — but the
// discrepancy is logged (spec.md §4.7 Incinerator ordering).
func (r *SQLiteRepository) HardDeleteFile(ctx context.Context, fileID int64, absPath string) error {
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		log.Printf("[Incinerator] physical delete of %s failed, proceeding with registry delete: %v", absPath, err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.st.WithTx(ctx, func(q *store.Queries) error {
		return q.DeleteFile(ctx, fileID)
	})
}

func (r *SQLiteRepository) LinkOrphanToTrash(ctx context.Context, fileID int64) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.st.WithTx(ctx, func(q *store.Queries) error {
		trashTagID, err := q.GetOrCreateTrashTag(ctx)
		if err != nil {
			return err
		}
		f, err := q.GetFileByID(ctx, fileID)
		if err != nil {
			return err
		}
		taken, err := q.ListDisplayNames(ctx, trashTagID)
		if err != nil {
			return err
		}
		displayName := resolveCollision(baseName(f.AbsPath), taken)
		return q.LinkFileTag(ctx, fileID, trashTagID, displayName, store.NowUnix())
	})
}

func baseName(absPath string) string {
	i := strings.LastIndexByte(absPath, '/')
	if i < 0 {
		return absPath
	}
	return absPath[i+1:]
}

// decodeFloat32s decodes a little-endian float32 BLOB into a vector.
func decodeFloat32s(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// EncodeFloat32s encodes a vector as a little-endian float32 BLOB, the
// wire format written to vec_index.embedding.
func EncodeFloat32s(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
