package hollowdrive

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bryceygordon/magicfs/internal/inode"
)

// RootNode is the filesystem root: /inbox, /tags, /search, /mirror, /.magic.
type RootNode struct {
	BaseNode
}

var _ fs.NodeReaddirer = (*RootNode)(nil)
var _ fs.NodeLookuper = (*RootNode)(nil)
var _ fs.NodeGetattrer = (*RootNode)(nil)

func (r *RootNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0755 | syscall.S_IFDIR
	r.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (r *RootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{
		{Name: "inbox", Mode: syscall.S_IFDIR, Ino: inode.InboxRootIno},
		{Name: "tags", Mode: syscall.S_IFDIR, Ino: inode.TagsRootIno},
		{Name: "search", Mode: syscall.S_IFDIR, Ino: inode.SearchRootIno},
		{Name: "mirror", Mode: syscall.S_IFDIR, Ino: inode.MirrorRootIno},
		{Name: ".magic", Mode: syscall.S_IFDIR, Ino: inode.MagicRootIno},
	}
	return fs.NewListDirStream(entries), 0
}

func (r *RootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	now := time.Now()
	switch name {
	case "inbox":
		out.Attr.Mode = 0755 | syscall.S_IFDIR
		out.Attr.Ino = inode.InboxRootIno
		r.SetOwner(&out.Attr)
		out.Attr.SetTimes(&now, &now, &now)
		node := &InboxNode{BaseNode: BaseNode{hd: r.hd}}
		return r.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: inode.InboxRootIno}), 0

	case "tags":
		out.Attr.Mode = 0755 | syscall.S_IFDIR
		out.Attr.Ino = inode.TagsRootIno
		r.SetOwner(&out.Attr)
		out.Attr.SetTimes(&now, &now, &now)
		node := &TagNode{BaseNode: BaseNode{hd: r.hd}, tagID: 0}
		return r.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: inode.TagsRootIno}), 0

	case "search":
		out.Attr.Mode = 0555 | syscall.S_IFDIR
		out.Attr.Ino = inode.SearchRootIno
		r.SetOwner(&out.Attr)
		out.Attr.SetTimes(&now, &now, &now)
		node := &SearchRootNode{BaseNode: BaseNode{hd: r.hd}}
		return r.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: inode.SearchRootIno}), 0

	case "mirror":
		out.Attr.Mode = 0755 | syscall.S_IFDIR
		out.Attr.Ino = inode.MirrorRootIno
		r.SetOwner(&out.Attr)
		out.Attr.SetTimes(&now, &now, &now)
		node := &MirrorRootNode{BaseNode: BaseNode{hd: r.hd}}
		return r.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: inode.MirrorRootIno}), 0

	case ".magic":
		out.Attr.Mode = 0755 | syscall.S_IFDIR
		out.Attr.Ino = inode.MagicRootIno
		r.SetOwner(&out.Attr)
		out.Attr.SetTimes(&now, &now, &now)
		node := &MagicRootNode{BaseNode: BaseNode{hd: r.hd}}
		return r.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: inode.MagicRootIno}), 0

	default:
		return nil, syscall.ENOENT
	}
}

// MagicRootNode holds the single refresh control file.
type MagicRootNode struct {
	BaseNode
}

var _ fs.NodeReaddirer = (*MagicRootNode)(nil)
var _ fs.NodeLookuper = (*MagicRootNode)(nil)
var _ fs.NodeGetattrer = (*MagicRootNode)(nil)

func (m *MagicRootNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0755 | syscall.S_IFDIR
	m.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (m *MagicRootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{{Name: "refresh", Mode: syscall.S_IFREG, Ino: inode.MagicRefreshIno}}
	return fs.NewListDirStream(entries), 0
}

func (m *MagicRootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name != "refresh" {
		return nil, syscall.ENOENT
	}
	now := time.Now()
	out.Attr.Mode = 0644 | syscall.S_IFREG
	out.Attr.Ino = inode.MagicRefreshIno
	m.SetOwner(&out.Attr)
	out.Attr.SetTimes(&now, &now, &now)
	node := &MagicRefreshNode{BaseNode: BaseNode{hd: m.hd}}
	return m.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG, Ino: inode.MagicRefreshIno}), 0
}

// MagicRefreshNode is a zero-byte control file: setattr (touch) triggers a
// full reconciliation pass (spec.md §4.6).
type MagicRefreshNode struct {
	BaseNode
}

var _ fs.NodeGetattrer = (*MagicRefreshNode)(nil)
var _ fs.NodeSetattrer = (*MagicRefreshNode)(nil)
var _ fs.NodeOpener = (*MagicRefreshNode)(nil)

func (m *MagicRefreshNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0644 | syscall.S_IFREG
	out.Size = 0
	m.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (m *MagicRefreshNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if m.hd.reconciler != nil {
		go func() {
			if err := m.hd.reconciler.Reconcile(context.Background()); err != nil {
				logReconcileError(err)
			}
		}()
	}
	return m.Getattr(ctx, f, out)
}

func (m *MagicRefreshNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}
