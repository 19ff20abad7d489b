package hollowdrive

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bryceygordon/magicfs/internal/oracle"
)

// SearchRootNode is /search. Every child is an ephemeral query view:
// looking one up interns it (spec.md §4.5) but never dispatches; only a
// readdir of the resulting directory does (the lookup-vs-readdir
// distinction that keeps shell tab-completion from livelocking the Oracle).
type SearchRootNode struct {
	BaseNode
}

var _ fs.NodeLookuper = (*SearchRootNode)(nil)
var _ fs.NodeGetattrer = (*SearchRootNode)(nil)
var _ fs.NodeUnlinker = (*SearchRootNode)(nil)
var _ fs.NodeMkdirer = (*SearchRootNode)(nil)
var _ fs.NodeRenamer = (*SearchRootNode)(nil)

func (s *SearchRootNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0555 | syscall.S_IFDIR
	s.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (s *SearchRootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if oracle.Bounced(name) {
		return nil, syscall.ENOENT
	}
	ino := s.hd.inodes.InternQuery(name)
	now := time.Now()
	out.Attr.Mode = 0555 | syscall.S_IFDIR
	out.Attr.Ino = ino
	s.SetOwner(&out.Attr)
	out.Attr.SetTimes(&now, &now, &now)
	node := &QueryNode{BaseNode: BaseNode{hd: s.hd}, query: name, ino: ino}
	return s.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: ino}), 0
}

// Search is read-only: reject every mutation per the rename table's
// "anywhere -> /search/... : reject (read-only)" row and
// "unlink(/search/...) ... rejected with EACCES" (spec.md §4.6).
func (s *SearchRootNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EACCES
}

func (s *SearchRootNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EACCES
}

func (s *SearchRootNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EACCES
}

// QueryNode is a single ephemeral query view, e.g. /search/magicfs. Readdir
// dispatches through the Oracle (blocking on the Smart Waiter); Lookup only
// ever resolves against the last materialized result set, never dispatches.
type QueryNode struct {
	BaseNode
	query string
	ino   uint64

	mu      sync.Mutex
	results []oracle.ResultEntry
}

var _ fs.NodeReaddirer = (*QueryNode)(nil)
var _ fs.NodeLookuper = (*QueryNode)(nil)
var _ fs.NodeGetattrer = (*QueryNode)(nil)
var _ fs.NodeUnlinker = (*QueryNode)(nil)
var _ fs.NodeRenamer = (*QueryNode)(nil)

func (q *QueryNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0555 | syscall.S_IFDIR
	q.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (q *QueryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	q.hd.inodes.MarkActive(q.ino)

	entries, err := q.hd.oracle.Dispatch(ctx, q.query)
	if err != nil {
		// A timed-out or cancelled dispatch still shows whatever the
		// last successful dispatch produced, rather than an empty
		// listing (spec.md §4.5: "never returns an empty listing if
		// results are possible").
		q.mu.Lock()
		cached := q.results
		q.mu.Unlock()
		if len(cached) == 0 {
			return fs.NewListDirStream(nil), 0
		}
		return fs.NewListDirStream(resultDirEntries(cached)), 0
	}

	q.mu.Lock()
	q.results = entries
	q.mu.Unlock()
	return fs.NewListDirStream(resultDirEntries(entries)), 0
}

func resultDirEntries(entries []oracle.ResultEntry) []fuse.DirEntry {
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: syscall.S_IFREG, Ino: e.Ino})
	}
	return out
}

func (q *QueryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	q.mu.Lock()
	var match *oracle.ResultEntry
	for i := range q.results {
		if q.results[i].Name == name {
			match = &q.results[i]
			break
		}
	}
	q.mu.Unlock()
	if match == nil {
		return nil, syscall.ENOENT
	}

	f, err := q.hd.repo.GetFile(ctx, match.FileID)
	if err != nil {
		return nil, errnoFromOSError(err)
	}
	now := time.Now()
	out.Attr.Mode = 0444 | syscall.S_IFREG
	out.Attr.Ino = match.Ino
	q.SetOwner(&out.Attr)
	out.Attr.SetTimes(&now, &now, &now)
	node := &ResultFileNode{BaseNode: BaseNode{hd: q.hd}, path: f.AbsPath}
	return q.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG, Ino: match.Ino}), 0
}

func (q *QueryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EACCES
}

func (q *QueryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EACCES
}

// ResultFileNode proxies a matched file for read-only access under a
// query view. It resolves to the same physical path the registry holds;
// writes are rejected since /search is immutable (spec.md §4.5
// "Result directories are read-only").
type ResultFileNode struct {
	BaseNode
	path string
}

var _ fs.NodeGetattrer = (*ResultFileNode)(nil)
var _ fs.NodeOpener = (*ResultFileNode)(nil)

func (n *ResultFileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Stat(n.path)
	if err != nil {
		return errnoFromOSError(err)
	}
	statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	out.Mode = (out.Mode &^ 0777) | 0444
	return 0
}

func (n *ResultFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, errno := openPhysHandle(n.path, uint32(os.O_RDONLY))
	if errno != 0 {
		return nil, 0, errno
	}
	return h, fuse.FOPEN_KEEP_CACHE, 0
}
