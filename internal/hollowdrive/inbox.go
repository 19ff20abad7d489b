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

// InboxNode mirrors the physical system-inbox directory one-to-one.
// Readdir lists the real directory, never the registry (spec.md §9
// "Polite Inbox"): the indexer, not this adapter, is the source of truth
// for what's been registered.
type InboxNode struct {
	BaseNode
}

var _ fs.NodeReaddirer = (*InboxNode)(nil)
var _ fs.NodeLookuper = (*InboxNode)(nil)
var _ fs.NodeGetattrer = (*InboxNode)(nil)
var _ fs.NodeCreater = (*InboxNode)(nil)
var _ fs.NodeUnlinker = (*InboxNode)(nil)
var _ fs.NodeRenamer = (*InboxNode)(nil)

func (n *InboxNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0755 | syscall.S_IFDIR
	n.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

func (n *InboxNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.hd.inboxDir)
	if err != nil {
		return fs.NewListDirStream(nil), 0
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name() == "_moved" {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if e.IsDir() {
			mode = syscall.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

func (n *InboxNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	path := filepath.Join(n.hd.inboxDir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, errnoFromOSError(err)
	}
	statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	node := &InboxFileNode{BaseNode: BaseNode{hd: n.hd}, path: path}
	mode := uint32(syscall.S_IFREG)
	if info.IsDir() {
		mode = syscall.S_IFDIR
	}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: mode}), 0
}

// Create physically creates the file in the system inbox. The adapter
// does not touch the registry; the Indexer registers it on its own
// schedule once it observes the create (spec.md §4.6).
func (n *InboxNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := filepath.Join(n.hd.inboxDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, errnoFromOSError(err)
	}
	info, statErr := f.Stat()
	if statErr == nil {
		statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	}
	node := &InboxFileNode{BaseNode: BaseNode{hd: n.hd}, path: path}
	inode := n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG})
	return inode, &physHandle{f: f}, 0, 0
}

// Unlink deletes the physical file; registry cleanup is the Indexer's
// Removed-event path (spec.md §4.6).
func (n *InboxNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFromOSError(os.Remove(filepath.Join(n.hd.inboxDir, name)))
}

// Rename implements the /inbox row of spec.md §4.6's rename table:
// same-directory rename stays a physical rename within the system inbox;
// renaming into a tag directory is the atomic-save sequence (physical move
// to a neutral registered location, then a DB-only re-link).
func (n *InboxNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldPath := filepath.Join(n.hd.inboxDir, name)

	if tag, ok := newParent.(*TagNode); ok {
		return n.hd.atomicSaveIntoTag(ctx, oldPath, tag.tagID, newName)
	}

	if _, ok := newParent.(*InboxNode); !ok {
		return syscall.EXDEV
	}
	newPath := filepath.Join(n.hd.inboxDir, newName)
	return errnoFromOSError(os.Rename(oldPath, newPath))
}

// InboxFileNode proxies a single physical file under the system inbox.
type InboxFileNode struct {
	BaseNode
	path string
}

var _ fs.NodeGetattrer = (*InboxFileNode)(nil)
var _ fs.NodeOpener = (*InboxFileNode)(nil)
var _ fs.NodeSetattrer = (*InboxFileNode)(nil)

func (n *InboxFileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Stat(n.path)
	if err != nil {
		return errnoFromOSError(err)
	}
	statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	return 0
}

func (n *InboxFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, errno := openPhysHandle(n.path, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return h, 0, 0
}

func (n *InboxFileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := os.Truncate(n.path, int64(size)); err != nil {
			return errnoFromOSError(err)
		}
	}
	return n.Getattr(ctx, f, out)
}
