package hollowdrive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bryceygordon/magicfs/internal/inode"
	"github.com/bryceygordon/magicfs/internal/repo"
	"github.com/bryceygordon/magicfs/internal/store"
)

// TagNode is one directory in the tag forest. tagID 0 is the /tags root
// (the forest's implicit parent).
type TagNode struct {
	BaseNode
	tagID int64
}

var _ fs.NodeReaddirer = (*TagNode)(nil)
var _ fs.NodeLookuper = (*TagNode)(nil)
var _ fs.NodeGetattrer = (*TagNode)(nil)
var _ fs.NodeMkdirer = (*TagNode)(nil)
var _ fs.NodeRmdirer = (*TagNode)(nil)
var _ fs.NodeUnlinker = (*TagNode)(nil)
var _ fs.NodeCreater = (*TagNode)(nil)
var _ fs.NodeRenamer = (*TagNode)(nil)

func (n *TagNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()
	out.Mode = 0755 | syscall.S_IFDIR
	n.SetOwner(out)
	out.SetTimes(&now, &now, &now)
	return 0
}

// Readdir lists child tags plus linked files. It performs the Lazy Reaper:
// a link whose file no longer exists on disk is purged in-line and
// omitted, so orphaned records die on first observation (spec.md §4.6).
func (n *TagNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.hd.repo.ListTagChildren(ctx, n.tagID)
	if err != nil {
		return nil, syscall.EIO
	}
	links, err := n.hd.repo.ListTagFiles(ctx, n.tagID)
	if err != nil {
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(children)+len(links))
	for _, c := range children {
		entries = append(entries, fuse.DirEntry{Name: c.Name, Mode: syscall.S_IFDIR, Ino: inode.EncodeTag(c.TagID)})
	}

	for _, link := range links {
		f, err := n.hd.repo.GetFile(ctx, link.FileID)
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(f.AbsPath); statErr != nil {
			n.hd.reapGhost(ctx, link.FileID, n.tagID)
			continue
		}
		entries = append(entries, fuse.DirEntry{Name: link.DisplayName, Mode: syscall.S_IFREG, Ino: inode.EncodeFile(link.FileID)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return fs.NewListDirStream(entries), 0
}

// reapGhost purges the link and the registry row when readdir discovers
// the physical file behind a link is already gone (spec.md §4.6 Lazy
// Reaper: "orphaned records thus die on first observation").
func (hd *HollowDrive) reapGhost(ctx context.Context, fileID, tagID int64) {
	f, err := hd.repo.GetFile(ctx, fileID)
	if err != nil {
		return
	}
	hd.repo.HardDeleteFile(ctx, fileID, f.AbsPath)
}

func (n *TagNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if tag, err := n.hd.repo.GetTagByParentName(ctx, n.tagID, name); err == nil {
		now := time.Now()
		out.Attr.Mode = 0755 | syscall.S_IFDIR
		out.Attr.Ino = inode.EncodeTag(tag.TagID)
		n.SetOwner(&out.Attr)
		out.Attr.SetTimes(&now, &now, &now)
		node := &TagNode{BaseNode: BaseNode{hd: n.hd}, tagID: tag.TagID}
		return n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: inode.EncodeTag(tag.TagID)}), 0
	}

	links, err := n.hd.repo.ListTagFiles(ctx, n.tagID)
	if err != nil {
		return nil, syscall.EIO
	}
	for _, link := range links {
		if link.DisplayName != name {
			continue
		}
		f, err := n.hd.repo.GetFile(ctx, link.FileID)
		if err != nil {
			return nil, syscall.ENOENT
		}
		info, statErr := os.Stat(f.AbsPath)
		if statErr != nil {
			n.hd.reapGhost(ctx, link.FileID, n.tagID)
			return nil, syscall.ENOENT
		}
		statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
		out.Attr.Ino = inode.EncodeFile(link.FileID)
		node := &TagFileNode{BaseNode: BaseNode{hd: n.hd}, fileID: link.FileID, tagID: n.tagID}
		return n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG, Ino: inode.EncodeFile(link.FileID)}), 0
	}
	return nil, syscall.ENOENT
}

// Mkdir creates a new tag scoped under this one (spec.md §4.6).
func (n *TagNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tagID, err := n.hd.repo.CreateTag(ctx, n.tagID, name)
	if err != nil {
		if err == repo.ErrAlreadyExists {
			return nil, syscall.EEXIST
		}
		return nil, syscall.EIO
	}
	now := time.Now()
	out.Attr.Mode = 0755 | syscall.S_IFDIR
	out.Attr.Ino = inode.EncodeTag(tagID)
	n.SetOwner(&out.Attr)
	out.Attr.SetTimes(&now, &now, &now)
	node := &TagNode{BaseNode: BaseNode{hd: n.hd}, tagID: tagID}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFDIR, Ino: inode.EncodeTag(tagID)}), 0
}

// Rmdir deletes a tag, rejecting non-empty ones (spec.md §4.6).
func (n *TagNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	tag, err := n.hd.repo.GetTagByParentName(ctx, n.tagID, name)
	if err != nil {
		return syscall.ENOENT
	}
	if err := n.hd.repo.DeleteTag(ctx, tag.TagID); err != nil {
		if err == repo.ErrNotEmpty {
			return syscall.ENOTEMPTY
		}
		return syscall.EIO
	}
	return 0
}

// Unlink is a soft delete: the link is removed, the file row and physical
// file survive. If this makes the file an orphan, the Scavenger links it
// to trash on its next pass (spec.md §4.6).
func (n *TagNode) Unlink(ctx context.Context, name string) syscall.Errno {
	links, err := n.hd.repo.ListTagFiles(ctx, n.tagID)
	if err != nil {
		return syscall.EIO
	}
	for _, link := range links {
		if link.DisplayName == name {
			if err := n.hd.repo.UnlinkFileTag(ctx, link.FileID, n.tagID); err != nil {
				return syscall.EIO
			}
			return 0
		}
	}
	return syscall.ENOENT
}

// Create under a tag imports a new file: it's written to the system inbox
// (not a watched user root), registered immediately so the link can be
// created, and linked to this tag. The Indexer enriches the row with
// extracted text and chunks on its own schedule when it observes the
// write (spec.md §4.6).
func (n *TagNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	path := filepath.Join(n.hd.inboxDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, errnoFromOSError(err)
	}
	info, statErr := f.Stat()
	if statErr == nil {
		statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	}

	fileID, err := n.hd.repo.UpsertFile(ctx, path, 0, time.Now().Unix(), 0, false)
	if err == nil {
		n.hd.repo.LinkFileTag(ctx, fileID, n.tagID, name)
	}

	node := &InboxFileNode{BaseNode: BaseNode{hd: n.hd}, path: path}
	ino := n.NewInode(ctx, node, fs.StableAttr{Mode: syscall.S_IFREG})
	return ino, &physHandle{f: f}, 0, 0
}

// Rename implements the three /tags rows of spec.md §4.6's rename table:
// tag-local display-name rename, cross-tag database-only re-link, and
// moving a tag subdirectory into another tag (re-parent).
func (n *TagNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	destTag, ok := newParent.(*TagNode)
	if !ok {
		return syscall.EXDEV
	}

	if childTag, err := n.hd.repo.GetTagByParentName(ctx, n.tagID, name); err == nil {
		err := n.hd.repo.RenameTag(ctx, childTag.TagID, destTag.tagID, newName)
		if err == repo.ErrWouldCreateCycle {
			return syscall.EINVAL
		}
		if err != nil {
			return syscall.EIO
		}
		return 0
	}

	links, err := n.hd.repo.ListTagFiles(ctx, n.tagID)
	if err != nil {
		return syscall.EIO
	}
	for _, link := range links {
		if link.DisplayName != name {
			continue
		}
		if destTag.tagID == n.tagID {
			if err := n.hd.repo.RenameFileTag(ctx, link.FileID, n.tagID, newName); err != nil {
				return syscall.EIO
			}
			return 0
		}
		if err := n.hd.repo.MoveFileTag(ctx, link.FileID, n.tagID, destTag.tagID, newName); err != nil {
			return syscall.EIO
		}
		return 0
	}
	return syscall.ENOENT
}

// TagFileNode proxies a file through its registered abs_path, resolved on
// every access so it tracks in-place renames handled by the Indexer.
type TagFileNode struct {
	BaseNode
	fileID int64
	tagID  int64
}

var _ fs.NodeGetattrer = (*TagFileNode)(nil)
var _ fs.NodeOpener = (*TagFileNode)(nil)
var _ fs.NodeSetattrer = (*TagFileNode)(nil)

func (n *TagFileNode) resolve(ctx context.Context) (store.File, syscall.Errno) {
	f, err := n.hd.repo.GetFile(ctx, n.fileID)
	if err != nil {
		return store.File{}, syscall.ENOENT
	}
	return f, 0
}

func (n *TagFileNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	file, errno := n.resolve(ctx)
	if errno != 0 {
		return errno
	}
	info, err := os.Stat(file.AbsPath)
	if err != nil {
		return errnoFromOSError(err)
	}
	statAttr(info, n.hd.uid, n.hd.gid, &out.Attr)
	return 0
}

func (n *TagFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	file, errno := n.resolve(ctx)
	if errno != 0 {
		return nil, 0, errno
	}
	h, oerr := openPhysHandle(file.AbsPath, flags)
	if oerr != 0 {
		return nil, 0, oerr
	}
	return h, 0, 0
}

func (n *TagFileNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	file, errno := n.resolve(ctx)
	if errno != 0 {
		return errno
	}
	if size, ok := in.GetSize(); ok {
		if err := os.Truncate(file.AbsPath, int64(size)); err != nil {
			return errnoFromOSError(err)
		}
	}
	return n.Getattr(ctx, f, out)
}

// atomicSaveIntoTag implements the /inbox -> /tags/T/Y rename row: the
// physical file moves to a neutral registered location, the registry path
// updates, the inbox link drops, and a link to tagID is added under
// displayName (spec.md §4.6).
func (hd *HollowDrive) atomicSaveIntoTag(ctx context.Context, oldPath string, tagID int64, displayName string) syscall.Errno {
	if err := os.MkdirAll(hd.movedDir, 0755); err != nil {
		return errnoFromOSError(err)
	}
	newPath := filepath.Join(hd.movedDir, fmt.Sprintf("%s_%s", uuid.NewString(), displayName))
	if err := os.Rename(oldPath, newPath); err != nil {
		return errnoFromOSError(err)
	}

	file, err := hd.repo.GetFileByPath(ctx, oldPath)
	if err != nil {
		// Not indexed yet; register it fresh at its new location.
		info, statErr := os.Stat(newPath)
		if statErr != nil {
			return errnoFromOSError(statErr)
		}
		fileID, upsertErr := hd.repo.UpsertFile(ctx, newPath, 0, info.ModTime().Unix(), info.Size(), false)
		if upsertErr != nil {
			return syscall.EIO
		}
		if _, err := hd.repo.LinkFileTag(ctx, fileID, tagID, displayName); err != nil {
			return syscall.EIO
		}
		return 0
	}

	if err := hd.repo.RenameFile(ctx, oldPath, newPath); err != nil {
		return syscall.EIO
	}
	hd.repo.UnlinkFileTag(ctx, file.FileID, store.InboxTagID)
	if _, err := hd.repo.LinkFileTag(ctx, file.FileID, tagID, displayName); err != nil {
		return syscall.EIO
	}
	return 0
}
