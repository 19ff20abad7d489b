// Package hollowdrive is the FUSE adapter: it presents the Repository,
// the Search Oracle, and the physical inbox/mirror directories as one
// filesystem tree (spec.md §4.6). All node types embed BaseNode so the
// owning HollowDrive (and its uid/gid) is reachable from any node, the
// same shape the teacher repo uses throughout its pkg/fuse and internal/fs
// trees.
package hollowdrive

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bryceygordon/magicfs/internal/inode"
	"github.com/bryceygordon/magicfs/internal/oracle"
	"github.com/bryceygordon/magicfs/internal/repo"
)

// Reconciler is implemented by the Librarian: a full rescan triggered by
// touching /.magic/refresh.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// HollowDrive owns the shared state every node needs: the Repository, the
// Search Oracle, the ephemeral inode table, and the physical paths for the
// inbox and watched roots.
type HollowDrive struct {
	repo       repo.Repository
	oracle     *oracle.Oracle
	inodes     *inode.Store
	reconciler Reconciler

	inboxDir  string
	movedDir  string
	roots     []string

	uid uint32
	gid uint32

	server *fuse.Server
}

// New builds a HollowDrive. roots are the watched directories exposed
// under /mirror, in the order given on the command line.
func New(r repo.Repository, orc *oracle.Oracle, inodes *inode.Store, reconciler Reconciler, inboxDir, movedDir string, roots []string) *HollowDrive {
	return &HollowDrive{
		repo:       r,
		oracle:     orc,
		inodes:     inodes,
		reconciler: reconciler,
		inboxDir:   inboxDir,
		movedDir:   movedDir,
		roots:      roots,
		uid:        uint32(os.Getuid()),
		gid:        uint32(os.Getgid()),
	}
}

// BaseNode is embedded by every HollowDrive node, mirroring the teacher's
// BaseNode-over-fs.Inode pattern so UID/GID ownership stays consistent.
type BaseNode struct {
	fs.Inode
	hd *HollowDrive
}

// SetOwner stamps UID/GID onto out. Call this from every Getattr.
func (b *BaseNode) SetOwner(out *fuse.AttrOut) {
	out.Uid = b.hd.uid
	out.Gid = b.hd.gid
}

// HD returns the owning HollowDrive.
func (b *BaseNode) HD() *HollowDrive {
	return b.hd
}

// Mount mounts the filesystem at mountpoint and returns the fuse.Server for
// the caller to Wait()/Unmount() (spec.md §4.6's top-level entry point).
func (hd *HollowDrive) Mount(mountpoint string, debug bool) (*fuse.Server, error) {
	root := &RootNode{BaseNode: BaseNode{hd: hd}}

	attrTimeout := 1 * time.Second
	entryTimeout := 1 * time.Second

	opts := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		MountOptions: fuse.MountOptions{
			Name:   "magicfs",
			FsName: "magicfs",
			Debug:  debug,
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	hd.server = server
	if debug {
		log.Println("[HollowDrive] mounted with debug logging enabled")
	}
	return server, nil
}

func logReconcileError(err error) {
	log.Printf("[HollowDrive] manual refresh failed: %v", err)
}
