//go:build linux

/*
 * port_linux.go
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

package port

import (
	"github.com/winfsp/cgofuse/fuse"
	"golang.org/x/sys/unix"
)

// OpenDirectory opens path as a long-lived backing directory handle.
func OpenDirectory(path string) (fd int, err error) {
	return unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
}

func CloseFd(fd int) {
	unix.Close(fd)
}

func Fchdir(fd int) (errc int) {
	return Errno(unix.Fchdir(fd))
}

// Setcaller switches the process effective identity to that of the FUSE
// caller so that the kernel performs authorization on the backing
// syscalls. The switch is process-wide and is never reset; the next
// request overwrites it. Correct only under single-threaded dispatch.
// Each call first regains effective uid 0, since the previous request
// left the caller's uid in place, and then changes the gid before the
// uid: while the effective uid is unprivileged neither setegid nor
// seteuid can switch to an arbitrary id.
func Setcaller() {
	uid, gid, _ := fuse.Getcontext()
	unix.Seteuid(0)
	unix.Setegid(int(gid))
	unix.Seteuid(int(uid))
}

func Statfs(path string, stat *fuse.Statfs_t) (errc int) {
	gost := unix.Statfs_t{}
	errc = Errno(unix.Statfs(path, &gost))
	copyFusestatfsFromGostatfs(stat, &gost)
	return
}

func Mknod(path string, mode uint32, dev int) (errc int) {
	return Errno(unix.Mknod(path, mode, dev))
}

func Mkdir(path string, mode uint32) (errc int) {
	return Errno(unix.Mkdir(path, mode))
}

func Unlink(path string) (errc int) {
	return Errno(unix.Unlink(path))
}

func Unlinkat(dirfd int, path string) (errc int) {
	return Errno(unix.Unlinkat(dirfd, path, 0))
}

func Rmdir(path string) (errc int) {
	return Errno(unix.Rmdir(path))
}

func Linkat(olddirfd int, oldpath string, newdirfd int, newpath string) (errc int) {
	return Errno(unix.Linkat(olddirfd, oldpath, newdirfd, newpath, unix.AT_SYMLINK_FOLLOW))
}

func Symlink(target string, newpath string) (errc int) {
	return Errno(unix.Symlink(target, newpath))
}

// Readlink returns the symlink target. A target that fills the scratch
// buffer is returned silently truncated; the FUSE glue owns the
// C-string termination of the result.
func Readlink(path string) (errc int, target string) {
	buf := [4096]byte{}
	n, e := unix.Readlink(path, buf[:])
	if nil != e {
		return Errno(e), ""
	}
	return 0, string(buf[:n])
}

func Renameat(olddirfd int, oldpath string, newdirfd int, newpath string) (errc int) {
	return Errno(unix.Renameat(olddirfd, oldpath, newdirfd, newpath))
}

func Chmod(path string, mode uint32) (errc int) {
	return Errno(unix.Chmod(path, mode))
}

func Lchown(path string, uid int, gid int) (errc int) {
	return Errno(unix.Lchown(path, uid, gid))
}

func Faccessat(dirfd int, path string, mask uint32) (errc int) {
	return Errno(unix.Faccessat(dirfd, path, mask, unix.AT_EACCESS))
}

func Utimensat(dirfd int, path string, tmsp []fuse.Timespec) (errc int) {
	var gots []unix.Timespec
	if nil != tmsp {
		gots = make([]unix.Timespec, 2)
		gots[0].Sec, gots[0].Nsec = tmsp[0].Sec, tmsp[0].Nsec
		gots[1].Sec, gots[1].Nsec = tmsp[1].Sec, tmsp[1].Nsec
	}
	return Errno(unix.UtimesNanoAt(dirfd, path, gots, unix.AT_SYMLINK_NOFOLLOW))
}

func Open(path string, flags int, mode uint32) (errc int, fh uint64) {
	fd, e := unix.Open(path, flags, mode)
	if nil != e {
		return Errno(e), ^uint64(0)
	}
	return 0, uint64(fd)
}

func Openat(dirfd int, path string, flags int, mode uint32) (errc int, fh uint64) {
	fd, e := unix.Openat(dirfd, path, flags, mode)
	if nil != e {
		return Errno(e), ^uint64(0)
	}
	return 0, uint64(fd)
}

func Lstat(path string, stat *fuse.Stat_t) (errc int) {
	gost := unix.Stat_t{}
	errc = Errno(unix.Lstat(path, &gost))
	copyFusestatFromGostat(stat, &gost)
	return
}

func Fstat(fh uint64, stat *fuse.Stat_t) (errc int) {
	gost := unix.Stat_t{}
	errc = Errno(unix.Fstat(int(fh), &gost))
	copyFusestatFromGostat(stat, &gost)
	return
}

// Lstatat is Lstat relative to a directory handle.
func Lstatat(dirfd int, path string, stat *fuse.Stat_t) (errc int) {
	gost := unix.Stat_t{}
	errc = Errno(unix.Fstatat(dirfd, path, &gost, unix.AT_SYMLINK_NOFOLLOW))
	copyFusestatFromGostat(stat, &gost)
	return
}

func Truncate(path string, length int64) (errc int) {
	return Errno(unix.Truncate(path, length))
}

func Ftruncate(fh uint64, length int64) (errc int) {
	return Errno(unix.Ftruncate(int(fh), length))
}

func Pread(fh uint64, p []byte, offset int64) (n int) {
	n, e := unix.Pread(int(fh), p, offset)
	if nil != e {
		return Errno(e)
	}
	return n
}

func Pwrite(fh uint64, p []byte, offset int64) (n int) {
	n, e := unix.Pwrite(int(fh), p, offset)
	if nil != e {
		return Errno(e)
	}
	return n
}

func Read(fh uint64, p []byte) (n int) {
	n, e := unix.Read(int(fh), p)
	if nil != e {
		return Errno(e)
	}
	return n
}

func Write(fh uint64, p []byte) (n int) {
	n, e := unix.Write(int(fh), p)
	if nil != e {
		return Errno(e)
	}
	return n
}

func Close(fh uint64) (errc int) {
	return Errno(unix.Close(int(fh)))
}

func Fsync(fh uint64) (errc int) {
	return Errno(unix.Fsync(int(fh)))
}

func Fdatasync(fh uint64) (errc int) {
	return Errno(unix.Fdatasync(int(fh)))
}

func Lsetxattr(path string, name string, value []byte, flags int) (errc int) {
	return Errno(unix.Lsetxattr(path, name, value, flags))
}

func Lgetxattr(path string, name string) (errc int, value []byte) {
	for {
		sz, e := unix.Lgetxattr(path, name, nil)
		if nil != e {
			return Errno(e), nil
		}
		value = make([]byte, sz)
		if 0 == sz {
			return 0, value
		}
		n, e := unix.Lgetxattr(path, name, value)
		if unix.ERANGE == e {
			// attribute grew between the size probe and the fetch
			continue
		}
		if nil != e {
			return Errno(e), nil
		}
		return 0, value[:n]
	}
}

func Llistxattr(path string, fill func(name string) bool) (errc int) {
	for {
		sz, e := unix.Llistxattr(path, nil)
		if nil != e {
			return Errno(e)
		}
		if 0 == sz {
			return 0
		}
		buf := make([]byte, sz)
		n, e := unix.Llistxattr(path, buf)
		if unix.ERANGE == e {
			continue
		}
		if nil != e {
			return Errno(e)
		}
		for _, name := range splitXattrList(buf[:n]) {
			if !fill(name) {
				return 0
			}
		}
		return 0
	}
}

func Lremovexattr(path string, name string) (errc int) {
	return Errno(unix.Lremovexattr(path, name))
}

func Opendir(path string) (errc int, fh uint64) {
	fd, e := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if nil != e {
		return Errno(e), ^uint64(0)
	}
	return 0, uint64(fd)
}

func Readdir(fh uint64, fill func(name string) bool) (errc int) {
	buf := [8 * 1024]byte{}
	ptr := 0
	end := 0

	for {
		if end <= ptr {
			ptr = 0
			var e error
			end, e = unix.ReadDirent(int(fh), buf[:])
			if nil != e {
				return Errno(e)
			}
			if 0 >= end {
				return 0
			}
		}

		n, _, names := unix.ParseDirent(buf[ptr:end], -1, nil)
		ptr += n

		for _, name := range names {
			if !fill(name) {
				return 0
			}
		}
	}
}

func Closedir(fh uint64) (errc int) {
	return Errno(unix.Close(int(fh)))
}

func Umask(mask int) (oldmask int) {
	return unix.Umask(mask)
}

func Errno(err error) int {
	if nil == err {
		return 0
	}

	if e, ok := err.(unix.Errno); ok {
		return -int(e)
	}

	return -fuse.EIO
}

func splitXattrList(buf []byte) (names []string) {
	beg := 0
	for i := 0; len(buf) > i; i++ {
		if 0 == buf[i] {
			if beg < i {
				names = append(names, string(buf[beg:i]))
			}
			beg = i + 1
		}
	}
	return
}

func copyFusestatFromGostat(dst *fuse.Stat_t, src *unix.Stat_t) {
	dst.Dev = src.Dev
	dst.Ino = src.Ino
	dst.Mode = src.Mode
	dst.Nlink = uint32(src.Nlink)
	dst.Uid = src.Uid
	dst.Gid = src.Gid
	dst.Rdev = src.Rdev
	dst.Size = src.Size
	dst.Atim.Sec, dst.Atim.Nsec = int64(src.Atim.Sec), int64(src.Atim.Nsec)
	dst.Mtim.Sec, dst.Mtim.Nsec = int64(src.Mtim.Sec), int64(src.Mtim.Nsec)
	dst.Ctim.Sec, dst.Ctim.Nsec = int64(src.Ctim.Sec), int64(src.Ctim.Nsec)
	dst.Blksize = int64(src.Blksize)
	dst.Blocks = int64(src.Blocks)
}

func copyFusestatfsFromGostatfs(dst *fuse.Statfs_t, src *unix.Statfs_t) {
	dst.Bsize = uint64(src.Bsize)
	dst.Frsize = uint64(src.Frsize)
	dst.Blocks = src.Blocks
	dst.Bfree = src.Bfree
	dst.Bavail = src.Bavail
	dst.Files = src.Files
	dst.Ffree = src.Ffree
	dst.Favail = src.Ffree
	dst.Flag = uint64(src.Flags)
	dst.Namemax = uint64(src.Namelen)
}
