package hollowdrive

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// physHandle is a FUSE file handle over a real *os.File, shared by every
// node that proxies a physical path: /inbox, /mirror, and tag-linked files
// resolved through the registry (spec.md §4.6 write-through semantics).
type physHandle struct {
	mu sync.Mutex
	f  *os.File
}

var _ fs.FileReader = (*physHandle)(nil)
var _ fs.FileWriter = (*physHandle)(nil)
var _ fs.FileFlusher = (*physHandle)(nil)
var _ fs.FileReleaser = (*physHandle)(nil)
var _ fs.FileFsyncer = (*physHandle)(nil)

func openPhysHandle(path string, flags uint32) (*physHandle, syscall.Errno) {
	f, err := os.OpenFile(path, int(flags), 0644)
	if err != nil {
		return nil, errnoFromOSError(err)
	}
	return &physHandle{f: f}, 0
}

func (h *physHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.f.ReadAt(dest, off)
	if err != nil && n == 0 {
		return nil, errnoFromOSError(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *physHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.f.WriteAt(data, off)
	if err != nil {
		return uint32(n), errnoFromOSError(err)
	}
	return uint32(n), 0
}

func (h *physHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errnoFromOSError(h.f.Sync())
}

func (h *physHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return h.Flush(ctx)
}

func (h *physHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errnoFromOSError(h.f.Close())
}

// statAttr fills out from a physical file's os.FileInfo.
func statAttr(info os.FileInfo, uid, gid uint32, out *fuse.Attr) {
	mode := uint32(info.Mode().Perm())
	if info.IsDir() {
		mode |= syscall.S_IFDIR
	} else {
		mode |= syscall.S_IFREG
	}
	out.Mode = mode
	out.Size = uint64(info.Size())
	out.Uid = uid
	out.Gid = gid
	mtime := info.ModTime()
	out.SetTimes(&mtime, &mtime, &mtime)
}

func errnoFromOSError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(*os.PathError); ok {
		if se, ok := errno.Err.(syscall.Errno); ok {
			return se
		}
	}
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	if os.IsExist(err) {
		return syscall.EEXIST
	}
	return syscall.EIO
}
