package hollowdrive

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MirrorRootNode is /mirror: one child directory per watched root, named
// by its base name, proxying straight through to the real disk (spec.md
// §4.6 "read/write pass-through to the watched roots"). Permissions mirror
// whatever the underlying directory carries.
type MirrorRootNode struct {
	BaseNode
}

var _ fs.NodeReaddirer = (*MirrorRootNode)(nil)
var _ fs.NodeLookuper = (*MirrorRootNode)(nil)
var _ fs.NodeGetattrer = (*MirrorRootNode)(nil)

func (m *MirrorRootNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0755 | syscall.S_IFDIR
	m.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (m *MirrorRootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := make([]fuse.DirEntry, 0, len(m.hd.roots))
	for _, root := range m.hd.roots {
		entries = append(entries, fuse.DirEntry{Name: filepath.Base(root), Mode: syscall.S_IFDIR})
	}
	return fs.NewListDirStream(entries), 0
}

func (m *MirrorRootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	for _, root := range m.hd.roots {
		if filepath.Base(root) != name {
			continue
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, errnoFromOSError(err)
		}
		statAttr(info, m.hd.uid, m.hd.gid, &out.Attr)
		node := &MirrorDirNode{BaseNode: BaseNode{hd: m.hd}, path: root}
		return m.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	return nil, syscall.ENOENT
}

// MirrorDirNode proxies a real directory (a watched root or a subdirectory
// of one) with full read/write pass-through: mkdir, rmdir, rename, and
// unlink all act on the physical tree directly, the same shape as the
// system inbox (internal/hollowdrive/inbox.go) but rooted anywhere under
// the watched trees rather than a single fixed directory.
type MirrorDirNode struct {
	BaseNode
	path string
}

var _ fs.NodeReaddirer = (*MirrorDirNode)(nil)
var _ fs.NodeLookuper = (*MirrorDirNode)(nil)
var _ fs.NodeGetattrer = (*MirrorDirNode)(nil)
var _ fs.NodeMkdirer = (*MirrorDirNode)(nil)
var _ fs.NodeRmdirer = (*MirrorDirNode)(nil)
var _ fs.NodeUnlinker = (*MirrorDirNode)(nil)
var _ fs.NodeCreater = (*MirrorDirNode)(nil)
var _ fs.NodeRenamer = (*MirrorDirNode)(nil)

func (n *MirrorDirNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Stat(n.path)
	if err != nil {
		return errnoFromOSError(err)
	}
	statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	return 0
}

func (n *MirrorDirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.path)
	if err != nil {
		return nil, errnoFromOSError(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (n *MirrorDirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := filepath.Join(n.path, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, errnoFromOSError(err)
	}
	statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	if info.IsDir() {
		node := &MirrorDirNode{BaseNode: BaseNode{hd: n.hd}, path: path}
		return n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}
	node := &MirrorFileNode{BaseNode: BaseNode{hd: n.hd}, path: path}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG}), 0
}

func (n *MirrorDirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := filepath.Join(n.path, name)
	if err := os.Mkdir(path, os.FileMode(mode)); err != nil {
		return nil, errnoFromOSError(err)
	}
	node := &MirrorDirNode{BaseNode: BaseNode{hd: n.hd}, path: path}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

func (n *MirrorDirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoFromOSError(os.Remove(filepath.Join(n.path, name)))
}

func (n *MirrorDirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFromOSError(os.Remove(filepath.Join(n.path, name)))
}

func (n *MirrorDirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := filepath.Join(n.path, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, errnoFromOSError(err)
	}
	info, statErr := f.Stat()
	if statErr == nil {
		statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	}
	node := &MirrorFileNode{BaseNode: BaseNode{hd: n.hd}, path: path}
	ino := n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG})
	return ino, &physHandle{f: f}, 0, 0
}

// Rename supports physical moves within /mirror, including across watched
// roots' subdirectories; moves targeting another view (e.g. /tags or
// /search) are rejected, matching the rename table's treatment of
// cross-view moves as unsupported (spec.md §4.6).
func (n *MirrorDirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dest, ok := newParent.(*MirrorDirNode)
	if !ok {
		return syscall.EXDEV
	}
	oldPath := filepath.Join(n.path, name)
	newPath := filepath.Join(dest.path, newName)
	return errnoFromOSError(os.Rename(oldPath, newPath))
}

// MirrorFileNode proxies a single physical file reached through /mirror.
type MirrorFileNode struct {
	BaseNode
	path string
}

var _ fs.NodeGetattrer = (*MirrorFileNode)(nil)
var _ fs.NodeOpener = (*MirrorFileNode)(nil)
var _ fs.NodeSetattrer = (*MirrorFileNode)(nil)

func (n *MirrorFileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Stat(n.path)
	if err != nil {
		return errnoFromOSError(err)
	}
	statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	return 0
}

func (n *MirrorFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, errno := openPhysHandle(n.path, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return h, 0, 0
}

func (n *MirrorFileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := os.Truncate(n.path, int64(size)); err != nil {
			return errnoFromOSError(err)
		}
	}
	return n.Getattr(ctx, f, out)
}
