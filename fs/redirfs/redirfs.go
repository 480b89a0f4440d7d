/*
 * redirfs.go
 *
 * Copyright 2022-2023 Bill Zissimopoulos
 */
/*
 * This file is part of Redirfs.
 *
 * You can redistribute it and/or modify it under the terms of the GNU
 * Affero General Public License version 3 as published by the Free
 * Software Foundation.
 */

// Package redirfs implements a selective-redirect union file system.
//
// The file system exposes a base directory while diverting a configured
// list of path prefixes to an alt directory. Every operation routes to
// exactly one of the two backings; directory listings merge both sides,
// with each entry contributed by whichever side would actually serve
// it. Prefixes match whole path components: "foo" matches "foo" and
// "foo/bar" but not "foobar".
//
// Renames that cross the redirect boundary cannot be performed by the
// kernel and fall back to copy-then-unlink. The fallback preserves the
// file mode only and is not atomic; ownership, timestamps and extended
// attributes of the source are not carried over.
package redirfs

import (
	"fmt"
	"strings"

	libtrace "github.com/billziss-gh/golib/trace"
	"github.com/winfsp/cgofuse/fuse"
	"github.com/winfsp/redirfs/fs/port"
)

// Config parameterizes New.
type Config struct {
	// Base is the default backing directory. It is also the mount
	// point: the handle is opened before mounting and remains the only
	// way to reach the base once the mount shadows it.
	Base string

	// Alt is the backing directory that receives redirected paths.
	Alt string

	// Redirects lists the path prefixes routed to Alt, relative to the
	// mount root. A prefix must be non-empty and must not begin or end
	// with a slash.
	Redirects []string

	// Impersonate makes every operation adopt the FUSE caller's
	// effective uid/gid before touching a backing. It requires the
	// process to run as root and the FUSE loop to be single-threaded.
	Impersonate bool
}

type Redirfs struct {
	fuse.FileSystemBase
	basefd      int
	altfd       int
	redirs      []string
	impersonate bool
}

// New validates the redirect list and opens both backing directories.
// The handles live until Close; they must be acquired before the mount
// is installed over the base directory.
func New(c Config) (*Redirfs, error) {
	for _, p := range c.Redirects {
		if "" == p || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
			return nil, fmt.Errorf(
				"redirect prefix %q must be non-empty and must not begin or end with '/'", p)
		}
	}

	basefd, err := port.OpenDirectory(c.Base)
	if nil != err {
		return nil, fmt.Errorf("cannot open base directory %q: %v", c.Base, err)
	}
	altfd, err := port.OpenDirectory(c.Alt)
	if nil != err {
		port.CloseFd(basefd)
		return nil, fmt.Errorf("cannot open alt directory %q: %v", c.Alt, err)
	}

	fs := &Redirfs{
		basefd:      basefd,
		altfd:       altfd,
		redirs:      append([]string(nil), c.Redirects...),
		impersonate: c.Impersonate,
	}
	return fs, nil
}

// Close releases the backing directory handles.
func (fs *Redirfs) Close() {
	if -1 != fs.basefd {
		port.CloseFd(fs.basefd)
		fs.basefd = -1
	}
	if -1 != fs.altfd {
		port.CloseFd(fs.altfd)
		fs.altfd = -1
	}
}

// relative rewrites an incoming request path, which the FUSE runtime
// presents rooted at the mount point, to one relative to whichever
// backing serves it.
func relative(path string) string {
	if "" == path || "/" == path {
		return "."
	}
	if '/' == path[0] {
		return path[1:]
	}
	return path
}

// ref selects the backing handle for a relative path: alt if any
// redirect prefix matches it as a path-component prefix, base
// otherwise. First match wins.
func (fs *Redirfs) ref(path string) int {
	for _, p := range fs.redirs {
		if matchPrefix(p, path) {
			return fs.altfd
		}
	}
	return fs.basefd
}

func matchPrefix(prefix string, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || '/' == path[len(prefix)]
}

// redirected is ref for the readdir merge, which builds candidate paths
// in a reusable byte scratch.
func (fs *Redirfs) redirected(path []byte) bool {
	for _, p := range fs.redirs {
		if len(path) >= len(p) && string(path[:len(p)]) == p &&
			(len(path) == len(p) || '/' == path[len(p)]) {
			return true
		}
	}
	return false
}

// chdirRef makes the process working directory the backing that serves
// path, so the following syscall can take the relative path directly.
func (fs *Redirfs) chdirRef(path string) (errc int) {
	return port.Fchdir(fs.ref(path))
}

func (fs *Redirfs) setcreds() {
	if fs.impersonate {
		port.Setcaller()
	}
}

func (fs *Redirfs) Statfs(path string, stat *fuse.Statfs_t) (errc int) {
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Statfs(path, stat)
}

func (fs *Redirfs) Mknod(path string, mode uint32, dev uint64) (errc int) {
	defer trace(path, mode, dev)(&errc)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Mknod(path, mode, int(dev))
}

func (fs *Redirfs) Mkdir(path string, mode uint32) (errc int) {
	defer trace(path, mode)(&errc)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Mkdir(path, mode)
}

func (fs *Redirfs) Unlink(path string) (errc int) {
	defer trace(path)(&errc)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Unlink(path)
}

func (fs *Redirfs) Rmdir(path string) (errc int) {
	defer trace(path)(&errc)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Rmdir(path)
}

func (fs *Redirfs) Link(oldpath string, newpath string) (errc int) {
	defer trace(oldpath, newpath)(&errc)
	fs.setcreds()
	oldpath, newpath = relative(oldpath), relative(newpath)

	// Two paths, one working directory: use the *at form against the
	// backing handles directly.
	return port.Linkat(fs.ref(oldpath), oldpath, fs.ref(newpath), newpath)
}

func (fs *Redirfs) Symlink(target string, newpath string) (errc int) {
	defer trace(target, newpath)(&errc)
	fs.setcreds()
	newpath = relative(newpath)
	if errc = fs.chdirRef(newpath); 0 != errc {
		return
	}
	return port.Symlink(target, newpath)
}

func (fs *Redirfs) Readlink(path string) (errc int, target string) {
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return errc, ""
	}
	return port.Readlink(path)
}

// Rename routes each path independently and attempts the kernel rename
// first. When source and target resolve to different backings the
// kernel refuses with EXDEV, since the backings are distinct file
// systems from its perspective; that case falls back to copyRename.
// Any other error propagates unchanged.
func (fs *Redirfs) Rename(oldpath string, newpath string) (errc int) {
	defer trace(oldpath, newpath)(&errc)
	fs.setcreds()
	oldpath, newpath = relative(oldpath), relative(newpath)

	oldfd := fs.ref(oldpath)
	newfd := fs.ref(newpath)

	errc = port.Renameat(oldfd, oldpath, newfd, newpath)
	if -fuse.EXDEV != errc {
		return
	}

	return fs.copyRename(oldfd, oldpath, newfd, newpath)
}

const copychunk = 8 * 1024

// copyRename emulates a cross-backing rename as copy-then-unlink. It
// preserves the file mode only: ownership, timestamps and extended
// attributes are not carried over, directories and symlinks get no
// special handling, and the operation is not atomic. Programs that rely
// on rename atomicity observe weaker guarantees across the redirect
// boundary. An error inside the fallback masks the original EXDEV.
func (fs *Redirfs) copyRename(oldfd int, oldpath string, newfd int, newpath string) (errc int) {
	var stat fuse.Stat_t
	if errc = port.Lstatat(oldfd, oldpath, &stat); 0 != errc {
		return
	}

	// The target may legitimately not exist.
	port.Unlinkat(newfd, newpath)

	errc, sfh := port.Openat(oldfd, oldpath, fuse.O_RDONLY, 0)
	if 0 != errc {
		return
	}
	errc, dfh := port.Openat(newfd, newpath,
		fuse.O_WRONLY|fuse.O_CREAT|fuse.O_TRUNC, stat.Mode&07777)
	if 0 != errc {
		port.Close(sfh)
		return
	}

	buf := make([]byte, copychunk)
	for {
		n := port.Read(sfh, buf)
		if 0 > n {
			errc = n
			break
		}
		if 0 == n {
			break
		}
		m := port.Write(dfh, buf[:n])
		if 0 > m {
			errc = m
			break
		}
		if m != n {
			errc = -fuse.EIO
			break
		}
	}

	port.Close(sfh)
	port.Close(dfh)
	if 0 != errc {
		return
	}

	return port.Unlinkat(oldfd, oldpath)
}

func (fs *Redirfs) Chmod(path string, mode uint32) (errc int) {
	defer trace(path, mode)(&errc)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Chmod(path, mode)
}

func (fs *Redirfs) Chown(path string, uid uint32, gid uint32) (errc int) {
	defer trace(path, uid, gid)(&errc)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Lchown(path, int(uid), int(gid))
}

func (fs *Redirfs) Utimens(path string, tmsp []fuse.Timespec) (errc int) {
	fs.setcreds()
	path = relative(path)
	return port.Utimensat(fs.ref(path), path, tmsp)
}

func (fs *Redirfs) Access(path string, mask uint32) (errc int) {
	fs.setcreds()
	path = relative(path)
	return port.Faccessat(fs.ref(path), path, mask)
}

func (fs *Redirfs) Create(path string, flags int, mode uint32) (errc int, fh uint64) {
	defer trace(path, flags, mode)(&errc, &fh)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return errc, ^uint64(0)
	}
	return port.Open(path, flags, mode)
}

func (fs *Redirfs) Open(path string, flags int) (errc int, fh uint64) {
	defer trace(path, flags)(&errc, &fh)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return errc, ^uint64(0)
	}
	return port.Open(path, flags, 0)
}

func (fs *Redirfs) Getattr(path string, stat *fuse.Stat_t, fh uint64) (errc int) {
	fs.setcreds()
	if ^uint64(0) == fh {
		path = relative(path)
		if errc = fs.chdirRef(path); 0 != errc {
			return
		}
		// The runtime resolves symlinks itself; stat the link.
		return port.Lstat(path, stat)
	}
	return port.Fstat(fh, stat)
}

func (fs *Redirfs) Truncate(path string, size int64, fh uint64) (errc int) {
	defer trace(path, size)(&errc)
	fs.setcreds()
	if ^uint64(0) == fh {
		path = relative(path)
		if errc = fs.chdirRef(path); 0 != errc {
			return
		}
		return port.Truncate(path, size)
	}
	return port.Ftruncate(fh, size)
}

func (fs *Redirfs) Read(path string, buff []byte, ofst int64, fh uint64) (n int) {
	fs.setcreds()
	return port.Pread(fh, buff, ofst)
}

func (fs *Redirfs) Write(path string, buff []byte, ofst int64, fh uint64) (n int) {
	fs.setcreds()
	return port.Pwrite(fh, buff, ofst)
}

func (fs *Redirfs) Release(path string, fh uint64) (errc int) {
	fs.setcreds()
	return port.Close(fh)
}

func (fs *Redirfs) Fsync(path string, datasync bool, fh uint64) (errc int) {
	fs.setcreds()
	if datasync {
		return port.Fdatasync(fh)
	}
	return port.Fsync(fh)
}

func (fs *Redirfs) Setxattr(path string, name string, value []byte, flags int) (errc int) {
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Lsetxattr(path, name, value, flags)
}

func (fs *Redirfs) Getxattr(path string, name string) (errc int, value []byte) {
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return errc, nil
	}
	return port.Lgetxattr(path, name)
}

func (fs *Redirfs) Removexattr(path string, name string) (errc int) {
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Lremovexattr(path, name)
}

func (fs *Redirfs) Listxattr(path string, fill func(name string) bool) (errc int) {
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return
	}
	return port.Llistxattr(path, fill)
}

func (fs *Redirfs) Opendir(path string) (errc int, fh uint64) {
	defer trace(path)(&errc, &fh)
	fs.setcreds()
	path = relative(path)
	if errc = fs.chdirRef(path); 0 != errc {
		return errc, ^uint64(0)
	}
	return port.Opendir(path)
}

// Readdir merges the directory contents of both backings: alt
// contributes the entries that route to alt, base the entries that do
// not. The filter is per entry, since a redirect prefix can select an
// individual child of a shared parent; it also guarantees that a name
// present on both sides appears exactly once. ENOENT only when the
// directory opens on neither side.
func (fs *Redirfs) Readdir(path string,
	fill func(name string, stat *fuse.Stat_t, ofst int64) bool,
	ofst int64,
	fh uint64) (errc int) {
	fs.setcreds()
	path = relative(path)

	fill(".", nil, 0)
	fill("..", nil, 0)

	// Reusable scratch for each entry's mount-relative name.
	scratch := make([]byte, 0, len(path)+1+255)
	if "." != path {
		scratch = append(append(scratch, path...), '/')
	}
	prefixlen := len(scratch)

	exists := false
	emit := func(fd int, want bool) {
		if 0 != port.Fchdir(fd) {
			return
		}
		e, dh := port.Opendir(path)
		if 0 != e {
			return
		}
		port.Readdir(dh, func(name string) bool {
			scratch = append(scratch[:prefixlen], name...)
			if want == fs.redirected(scratch) {
				return fill(name, nil, 0)
			}
			return true
		})
		port.Closedir(dh)
		exists = true
	}
	emit(fs.altfd, true)
	emit(fs.basefd, false)

	if !exists {
		return -fuse.ENOENT
	}
	return 0
}

func (fs *Redirfs) Releasedir(path string, fh uint64) (errc int) {
	fs.setcreds()
	return port.Closedir(fh)
}

func (fs *Redirfs) Fsyncdir(path string, datasync bool, fh uint64) (errc int) {
	fs.setcreds()
	if datasync {
		return port.Fdatasync(fh)
	}
	return port.Fsync(fh)
}

func trace(vals ...interface{}) func(vals ...interface{}) {
	return libtrace.Trace(1, "", vals...)
}
