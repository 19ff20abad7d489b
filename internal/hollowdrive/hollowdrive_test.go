package hollowdrive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bryceygordon/magicfs/internal/config"
	"github.com/bryceygordon/magicfs/internal/inode"
	"github.com/bryceygordon/magicfs/internal/oracle"
	"github.com/bryceygordon/magicfs/internal/repo"
	"github.com/bryceygordon/magicfs/internal/store"
)

// fixedEmbedder returns the same vector for every chunk, regardless of
// content, and counts how many times it was asked to embed (to assert the
// lookup-vs-readdir dispatch distinction).
type fixedEmbedder struct {
	mu    sync.Mutex
	calls int
	vec   []float32
}

func (e *fixedEmbedder) Embed(ctx context.Context, chunks []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	out := make([][]float32, len(chunks))
	for i := range chunks {
		out[i] = e.vec
	}
	return out, nil
}

func (e *fixedEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testConfig() config.OracleConfig {
	return config.OracleConfig{
		AccumulationWindow: 10 * time.Millisecond,
		WaiterTimeout:      2 * time.Second,
		ResultK:            5,
	}
}

func newTestDrive(t *testing.T, inboxDir, movedDir string, roots []string) (*HollowDrive, *repo.MockRepository, *fixedEmbedder) {
	t.Helper()
	r := repo.NewMockRepository()
	embedder := &fixedEmbedder{vec: []float32{1, 0, 0}}
	inodes := inode.NewStore(64)
	orc := oracle.New(r, embedder, inodes, testConfig())
	hd := New(r, orc, inodes, nil, inboxDir, movedDir, roots)
	return hd, r, embedder
}

func TestInboxReaddirSkipsMovedDirAndListsPhysicalFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "_moved"), 0755); err != nil {
		t.Fatal(err)
	}

	hd, _, _ := newTestDrive(t, dir, filepath.Join(dir, "_moved"), nil)
	n := &InboxNode{BaseNode: BaseNode{hd: hd}}
	stream, errno := n.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %v", errno)
	}
	names := map[string]bool{}
	for stream.HasNext() {
		e, _ := stream.Next()
		names[e.Name] = true
	}
	if !names["a.txt"] || !names["b.txt"] {
		t.Errorf("Readdir() = %v, want a.txt and b.txt present", names)
	}
	if names["_moved"] {
		t.Errorf("Readdir() listed _moved, want it excluded (spec.md §9 Polite Inbox)")
	}
}

func TestInboxRenameSameDirectoryIsPhysical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	hd, _, _ := newTestDrive(t, dir, filepath.Join(dir, "_moved"), nil)
	n := &InboxNode{BaseNode: BaseNode{hd: hd}}
	dest := &InboxNode{BaseNode: BaseNode{hd: hd}}
	if errno := n.Rename(context.Background(), "a.txt", dest, "b.txt", 0); errno != 0 {
		t.Fatalf("Rename errno = %v", errno)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.txt")); err != nil {
		t.Errorf("expected b.txt to exist after rename: %v", err)
	}
}

func TestAtomicSaveIntoTagRegistersAndLinksFile(t *testing.T) {
	inboxDir := t.TempDir()
	movedDir := filepath.Join(inboxDir, "_moved")
	path := filepath.Join(inboxDir, "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	hd, r, _ := newTestDrive(t, inboxDir, movedDir, nil)
	ctx := context.Background()
	tagID, err := r.CreateTag(ctx, 0, "work")
	if err != nil {
		t.Fatal(err)
	}

	inboxNode := &InboxNode{BaseNode: BaseNode{hd: hd}}
	tagNode := &TagNode{BaseNode: BaseNode{hd: hd}, tagID: tagID}
	if errno := inboxNode.Rename(ctx, "note.txt", tagNode, "note.txt", 0); errno != 0 {
		t.Fatalf("Rename errno = %v", errno)
	}

	links, err := r.ListTagFiles(ctx, tagID)
	if err != nil || len(links) != 1 {
		t.Fatalf("ListTagFiles = %v, %v, want one link", links, err)
	}
	f, err := r.GetFile(ctx, links[0].FileID)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(f.AbsPath) != movedDir {
		t.Errorf("AbsPath = %q, want it moved under %q", f.AbsPath, movedDir)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("original inbox path still exists after atomic save: %v", err)
	}
}

func TestTagReaddirLazilyReapsGhostLinks(t *testing.T) {
	hd, r, _ := newTestDrive(t, t.TempDir(), t.TempDir(), nil)
	ctx := context.Background()

	ghostPath := filepath.Join(t.TempDir(), "gone.txt")
	if err := os.WriteFile(ghostPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	fileID, err := r.UpsertFile(ctx, ghostPath, 0, 1, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.LinkFileTag(ctx, fileID, store.InboxTagID, "gone.txt"); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(ghostPath); err != nil {
		t.Fatal(err)
	}

	n := &TagNode{BaseNode: BaseNode{hd: hd}, tagID: store.InboxTagID}
	stream, errno := n.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir errno = %v", errno)
	}
	for stream.HasNext() {
		e, _ := stream.Next()
		if e.Name == "gone.txt" {
			t.Errorf("Readdir() still listed a ghost link")
		}
	}
	if _, err := r.GetFile(ctx, fileID); err == nil {
		t.Errorf("expected ghost file's registry row to be purged")
	}
}

func TestSearchLookupDoesNotDispatchOnlyReaddirDoes(t *testing.T) {
	hd, r, embedder := newTestDrive(t, t.TempDir(), t.TempDir(), nil)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "magicfs.txt")
	os.WriteFile(path, []byte("x"), 0644)
	if _, err := r.ReplaceChunksAndUpsertFile(ctx, path, 0, 1, 1, [][]byte{repo.EncodeFloat32s([]float32{1, 0, 0})}); err != nil {
		t.Fatal(err)
	}

	root := &SearchRootNode{BaseNode: BaseNode{hd: hd}}
	var out fuse.EntryOut
	childInode, errno := root.Lookup(ctx, "magicfs", &out)
	if errno != 0 {
		t.Fatalf("Lookup errno = %v", errno)
	}
	if embedder.callCount() != 0 {
		t.Errorf("Lookup dispatched the oracle (%d embed calls), want 0 (spec.md §4.5 lookup-vs-readdir)", embedder.callCount())
	}

	qn := childInode.Operations().(*QueryNode)
	stream, errno := qn.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir errno = %v", errno)
	}
	if embedder.callCount() != 1 {
		t.Errorf("Readdir() dispatched %d times, want exactly 1", embedder.callCount())
	}
	count := 0
	for stream.HasNext() {
		stream.Next()
		count++
	}
	if count == 0 {
		t.Errorf("Readdir() returned no results for a matching query")
	}
}

func TestSearchBouncerRejectsNoiseNamesBeforeDispatch(t *testing.T) {
	hd, _, embedder := newTestDrive(t, t.TempDir(), t.TempDir(), nil)
	root := &SearchRootNode{BaseNode: BaseNode{hd: hd}}
	var out fuse.EntryOut
	_, errno := root.Lookup(context.Background(), "thumbs.db", &out)
	if errno != syscall.ENOENT {
		t.Errorf("Lookup(thumbs.db) errno = %v, want ENOENT", errno)
	}
	if embedder.callCount() != 0 {
		t.Errorf("bouncer rejection dispatched the oracle, want zero calls")
	}
}

func TestSearchIsReadOnly(t *testing.T) {
	hd, _, _ := newTestDrive(t, t.TempDir(), t.TempDir(), nil)
	root := &SearchRootNode{BaseNode: BaseNode{hd: hd}}
	if errno := root.Unlink(context.Background(), "q"); errno != syscall.EACCES {
		t.Errorf("Unlink errno = %v, want EACCES", errno)
	}
	var out fuse.EntryOut
	if _, errno := root.Mkdir(context.Background(), "q", 0755, &out); errno != syscall.EACCES {
		t.Errorf("Mkdir errno = %v, want EACCES", errno)
	}
	if errno := root.Rename(context.Background(), "q", root, "q2", 0); errno != syscall.EACCES {
		t.Errorf("Rename errno = %v, want EACCES", errno)
	}
}

func TestMirrorRootListsAndProxiesWatchedRoots(t *testing.T) {
	root1 := t.TempDir()
	if err := os.WriteFile(filepath.Join(root1, "doc.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	hd, _, _ := newTestDrive(t, t.TempDir(), t.TempDir(), []string{root1})

	mr := &MirrorRootNode{BaseNode: BaseNode{hd: hd}}
	stream, errno := mr.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %v", errno)
	}
	var names []string
	for stream.HasNext() {
		e, _ := stream.Next()
		names = append(names, e.Name)
	}
	if len(names) != 1 || names[0] != filepath.Base(root1) {
		t.Fatalf("Readdir() = %v, want [%s]", names, filepath.Base(root1))
	}

	var out fuse.EntryOut
	childInode, errno := mr.Lookup(context.Background(), filepath.Base(root1), &out)
	if errno != 0 {
		t.Fatalf("Lookup errno = %v", errno)
	}
	dirNode := childInode.Operations().(*MirrorDirNode)
	var fileOut fuse.EntryOut
	fileInode, errno := dirNode.Lookup(context.Background(), "doc.txt", &fileOut)
	if errno != 0 {
		t.Fatalf("Lookup(doc.txt) errno = %v", errno)
	}
	fileNode := fileInode.Operations().(*MirrorFileNode)
	h, _, errno := fileNode.Open(context.Background(), uint32(os.O_RDONLY))
	if errno != 0 {
		t.Fatalf("Open errno = %v", errno)
	}
	buf := make([]byte, 8)
	res, errno := h.(fs.FileReader).Read(context.Background(), buf, 0)
	if errno != 0 {
		t.Fatalf("Read errno = %v", errno)
	}
	data, _ := res.Bytes(buf)
	if string(data) != "hi" {
		t.Errorf("Read() = %q, want %q", data, "hi")
	}
}

func TestMirrorDirRenameAcrossSubdirectories(t *testing.T) {
	root1 := t.TempDir()
	sub := filepath.Join(root1, "sub")
	os.Mkdir(sub, 0755)
	path := filepath.Join(root1, "a.txt")
	os.WriteFile(path, []byte("x"), 0644)

	hd, _, _ := newTestDrive(t, t.TempDir(), t.TempDir(), []string{root1})
	src := &MirrorDirNode{BaseNode: BaseNode{hd: hd}, path: root1}
	dst := &MirrorDirNode{BaseNode: BaseNode{hd: hd}, path: sub}
	if errno := src.Rename(context.Background(), "a.txt", dst, "a.txt", 0); errno != 0 {
		t.Fatalf("Rename errno = %v", errno)
	}
	if _, err := os.Stat(filepath.Join(sub, "a.txt")); err != nil {
		t.Errorf("expected file moved into sub: %v", err)
	}
}
