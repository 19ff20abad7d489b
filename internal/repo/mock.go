package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/bryceygordon/magicfs/internal/store"
)

// MockRepository implements Repository entirely in memory, for tests (such
// as HollowDrive's) that don't need a real SQLite file.
type MockRepository struct {
	mu sync.Mutex

	nextFileID int64
	nextTagID  int64

	files    map[int64]store.File
	filesByPath map[string]int64
	tags     map[int64]store.Tag
	links    map[int64]map[int64]store.FileTag // tagID -> fileID -> link
	chunks   map[int64][][]byte                // fileID -> embeddings

	mode store.Mode
}

// NewMockRepository creates an empty mock, seeded with the reserved
// "inbox" tag (tag_id 1), matching the real schema's seed row.
func NewMockRepository() *MockRepository {
	m := &MockRepository{
		nextFileID: 1,
		nextTagID:  2, // 1 is reserved for inbox
		files:      make(map[int64]store.File),
		filesByPath: make(map[string]int64),
		tags:       make(map[int64]store.Tag),
		links:      make(map[int64]map[int64]store.FileTag),
		chunks:     make(map[int64][][]byte),
		mode:       store.ModeWar,
	}
	m.tags[store.InboxTagID] = store.Tag{TagID: store.InboxTagID, Name: "inbox"}
	return m
}

func (m *MockRepository) Close() error { return nil }

func (m *MockRepository) Mode() store.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *MockRepository) SetPerformanceMode(ctx context.Context, mode store.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
	return nil
}

func (m *MockRepository) UpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, isDir bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertFileLocked(absPath, inode, mtime, size, isDir)
}

func (m *MockRepository) upsertFileLocked(absPath string, inode, mtime, size int64, isDir bool) (int64, error) {
	now := store.NowUnix()
	if id, ok := m.filesByPath[absPath]; ok {
		f := m.files[id]
		f.Inode, f.Mtime, f.Size, f.IsDir, f.UpdatedAt = inode, mtime, size, isDir, now
		m.files[id] = f
		return id, nil
	}
	id := m.nextFileID
	m.nextFileID++
	m.files[id] = store.File{
		FileID: id, AbsPath: absPath, Inode: inode, Mtime: mtime, Size: size,
		IsDir: isDir, CreatedAt: now, UpdatedAt: now,
	}
	m.filesByPath[absPath] = id
	return id, nil
}

func (m *MockRepository) GetFile(ctx context.Context, fileID int64) (store.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return store.File{}, ErrNotFound
	}
	return f, nil
}

func (m *MockRepository) GetFileByPath(ctx context.Context, absPath string) (store.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.filesByPath[absPath]
	if !ok {
		return store.File{}, ErrNotFound
	}
	return m.files[id], nil
}

func (m *MockRepository) RenameFile(ctx context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.filesByPath[oldPath]
	if !ok {
		return ErrNotFound
	}
	f := m.files[id]
	f.AbsPath = newPath
	f.UpdatedAt = store.NowUnix()
	m.files[id] = f
	delete(m.filesByPath, oldPath)
	m.filesByPath[newPath] = id
	return nil
}

func (m *MockRepository) ReplaceChunksAndUpsertFile(ctx context.Context, absPath string, inode, mtime, size int64, embeddings [][]byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.upsertFileLocked(absPath, inode, mtime, size, false)
	if err != nil {
		return 0, err
	}
	m.chunks[id] = embeddings
	return id, nil
}

func (m *MockRepository) LinkFileTag(ctx context.Context, fileID, tagID int64, displayName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.links[tagID] == nil {
		m.links[tagID] = make(map[int64]store.FileTag)
	}
	taken := make(map[string]bool)
	for _, l := range m.links[tagID] {
		taken[l.DisplayName] = true
	}
	resolved := resolveCollision(displayName, taken)
	m.links[tagID][fileID] = store.FileTag{FileID: fileID, TagID: tagID, DisplayName: resolved, AddedAt: store.NowUnix()}
	return resolved, nil
}

func (m *MockRepository) UnlinkFileTag(ctx context.Context, fileID, tagID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links[tagID], fileID)
	return nil
}

func (m *MockRepository) ListTagChildren(ctx context.Context, tagID int64) ([]store.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Tag
	for _, t := range m.tags {
		if t.ParentTagID == tagID && t.TagID != tagID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MockRepository) ListTagFiles(ctx context.Context, tagID int64) ([]store.FileTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.FileTag
	for _, l := range m.links[tagID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

func (m *MockRepository) CreateTag(ctx context.Context, parentTagID int64, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tags {
		if t.ParentTagID == parentTagID && t.Name == name {
			return 0, ErrAlreadyExists
		}
	}
	id := m.nextTagID
	m.nextTagID++
	m.tags[id] = store.Tag{TagID: id, ParentTagID: parentTagID, Name: name}
	return id, nil
}

func (m *MockRepository) GetTag(ctx context.Context, tagID int64) (store.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[tagID]
	if !ok {
		return store.Tag{}, ErrNotFound
	}
	return t, nil
}

func (m *MockRepository) GetTagByParentName(ctx context.Context, parentTagID int64, name string) (store.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tags {
		if t.ParentTagID == parentTagID && t.Name == name {
			return t, nil
		}
	}
	return store.Tag{}, ErrNotFound
}

func (m *MockRepository) ancestryLocked(tagID int64) []int64 {
	var chain []int64
	current := tagID
	for current != 0 {
		chain = append(chain, current)
		t, ok := m.tags[current]
		if !ok {
			break
		}
		current = t.ParentTagID
	}
	return chain
}

func (m *MockRepository) RenameTag(ctx context.Context, tagID, newParentTagID int64, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newParentTagID != 0 {
		for _, id := range m.ancestryLocked(newParentTagID) {
			if id == tagID {
				return ErrWouldCreateCycle
			}
		}
	}
	t, ok := m.tags[tagID]
	if !ok {
		return ErrNotFound
	}
	t.ParentTagID = newParentTagID
	t.Name = newName
	m.tags[tagID] = t
	return nil
}

func (m *MockRepository) MoveFileTag(ctx context.Context, fileID, fromTagID, toTagID int64, newDisplayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[fromTagID][fileID]
	if !ok {
		return ErrNotFound
	}
	delete(m.links[fromTagID], fileID)
	if m.links[toTagID] == nil {
		m.links[toTagID] = make(map[int64]store.FileTag)
	}
	taken := make(map[string]bool)
	for _, l := range m.links[toTagID] {
		taken[l.DisplayName] = true
	}
	link.TagID = toTagID
	link.DisplayName = resolveCollision(newDisplayName, taken)
	m.links[toTagID][fileID] = link
	return nil
}

func (m *MockRepository) RenameFileTag(ctx context.Context, fileID, tagID int64, newDisplayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[tagID][fileID]
	if !ok {
		return ErrNotFound
	}
	taken := make(map[string]bool)
	for fid, l := range m.links[tagID] {
		if fid != fileID {
			taken[l.DisplayName] = true
		}
	}
	link.DisplayName = resolveCollision(newDisplayName, taken)
	m.links[tagID][fileID] = link
	return nil
}

func (m *MockRepository) DeleteTag(ctx context.Context, tagID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tags {
		if t.ParentTagID == tagID {
			return ErrNotEmpty
		}
	}
	if len(m.links[tagID]) > 0 {
		return ErrNotEmpty
	}
	delete(m.tags, tagID)
	return nil
}

func (m *MockRepository) VectorSearch(ctx context.Context, queryVector []float32, k int) ([]store.ScoredFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := make(map[int64]float64)
	for fileID, embeddings := range m.chunks {
		for _, emb := range embeddings {
			score := cosineSimilarity(queryVector, decodeFloat32s(emb))
			if cur, ok := best[fileID]; !ok || score > cur {
				best[fileID] = score
			}
		}
	}
	var out []store.ScoredFile
	for fileID, score := range best {
		out = append(out, store.ScoredFile{FileID: fileID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FileID < out[j].FileID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *MockRepository) PurgeMissing(ctx context.Context, isPresent func(absPath string) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var toDelete []int64
	for id, f := range m.files {
		if !isPresent(f.AbsPath) {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		m.deleteFileLocked(id)
	}
	return len(toDelete), nil
}

func (m *MockRepository) deleteFileLocked(fileID int64) {
	f, ok := m.files[fileID]
	if !ok {
		return
	}
	delete(m.filesByPath, f.AbsPath)
	delete(m.files, fileID)
	delete(m.chunks, fileID)
	for tagID := range m.links {
		delete(m.links[tagID], fileID)
	}
}

func (m *MockRepository) Orphans(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for id := range m.files {
		linked := false
		for _, byFile := range m.links {
			if _, ok := byFile[id]; ok {
				linked = true
				break
			}
		}
		if !linked {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MockRepository) ExpiredTrash(ctx context.Context, cutoffUnix int64) ([]ExpiredLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trashTagID, err := m.getOrCreateTrashTagLocked()
	if err != nil {
		return nil, err
	}
	var out []ExpiredLink
	for fileID, link := range m.links[trashTagID] {
		if link.AddedAt < cutoffUnix {
			out = append(out, ExpiredLink{FileID: fileID, AbsPath: m.files[fileID].AbsPath})
		}
	}
	return out, nil
}

func (m *MockRepository) getOrCreateTrashTagLocked() (int64, error) {
	for _, t := range m.tags {
		if t.ParentTagID == 0 && t.Name == store.TrashTagName {
			return t.TagID, nil
		}
	}
	id := m.nextTagID
	m.nextTagID++
	m.tags[id] = store.Tag{TagID: id, Name: store.TrashTagName}
	return id, nil
}

func (m *MockRepository) HardDeleteFile(ctx context.Context, fileID int64, absPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFileLocked(fileID)
	return nil
}

func (m *MockRepository) LinkOrphanToTrash(ctx context.Context, fileID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trashTagID, err := m.getOrCreateTrashTagLocked()
	if err != nil {
		return err
	}
	f, ok := m.files[fileID]
	if !ok {
		return ErrNotFound
	}
	if m.links[trashTagID] == nil {
		m.links[trashTagID] = make(map[int64]store.FileTag)
	}
	taken := make(map[string]bool)
	for _, l := range m.links[trashTagID] {
		taken[l.DisplayName] = true
	}
	name := resolveCollision(baseName(f.AbsPath), taken)
	m.links[trashTagID][fileID] = store.FileTag{FileID: fileID, TagID: trashTagID, DisplayName: name, AddedAt: store.NowUnix()}
	return nil
}

var _ Repository = (*MockRepository)(nil)
