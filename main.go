/*
 * main.go
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

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	libtrace "github.com/billziss-gh/golib/trace"
	"github.com/winfsp/cgofuse/fuse"
	"github.com/winfsp/redirfs/fs/port"
	"github.com/winfsp/redirfs/fs/redirfs"
	"github.com/winfsp/redirfs/util"
)

var (
	MyVersion     = "DEVVER"
	MyProductName = "redirfs"
	MyDescription = "selective redirect union file system"
	MyCopyright   = "2022-2023 Bill Zissimopoulos"
)

var progname = filepath.Base(os.Args[0])

func warn(format string, a ...interface{}) {
	format = "%s: " + format + "\n"
	a = append([]interface{}{progname}, a...)
	fmt.Fprintf(os.Stderr, format, a...)
}

func run() int {
	printver := false
	mntopt := util.Optlist{}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"usage: %s [options] mountpoint altdir [prefix ...]\n\n"+
				"Mounts over mountpoint and serves it from the directory underneath,\n"+
				"except for the listed path prefixes, which are served from altdir.\n"+
				"Prefixes are relative to the mount root and must not begin or end\n"+
				"with a slash. Renames that cross the redirect boundary fall back to\n"+
				"a non-atomic copy that preserves the file mode only.\n\n",
			progname)
		flag.PrintDefaults()
	}

	flag.BoolVar(&printver, "version", printver, "print version information")
	flag.Var(&mntopt, "o", "additional FUSE mount `options`")

	flag.Parse()

	if printver {
		fmt.Printf("%s - %s - version %s\nCopyright %s\n",
			MyProductName, MyDescription, MyVersion, MyCopyright)
		return 0
	}

	if 2 > flag.NArg() {
		flag.Usage()
		return 1
	}
	mntpnt := flag.Arg(0)
	altpnt := flag.Arg(1)
	redirects := flag.Args()[2:]

	// The mount adopts its callers' credentials per request; that
	// requires the ability to assume any effective uid.
	if 0 != os.Geteuid() {
		warn("must run as root")
		return 1
	}

	for _, m := range mntopt {
		for _, s := range strings.Split(m, ",") {
			if "debug" == s {
				libtrace.Verbose = true
				libtrace.Pattern = "*,github.com/winfsp/redirfs/*"
			}
		}
	}

	// The caller's requested mode must reach the backing syscalls
	// unmasked; the kernel applies the caller's own umask upstream.
	port.Umask(0)

	// Open both backings before mounting: once the mount covers the
	// mount point the pre-acquired handle is the only way back to the
	// base directory.
	fs, err := redirfs.New(redirfs.Config{
		Base:        mntpnt,
		Alt:         altpnt,
		Redirects:   redirects,
		Impersonate: true,
	})
	if nil != err {
		warn("%v", err)
		return 1
	}
	defer fs.Close()

	// Single-threaded dispatch is a correctness requirement, not a
	// tuning choice: the per-request credential switch is process-wide
	// and concurrent requests would race on it.
	opts := []string{"-s", "-f", "-o", "allow_other,nonempty"}
	for _, m := range mntopt {
		opts = append(opts, "-o", m)
	}

	host := fuse.NewFileSystemHost(fs)
	if !host.Mount(mntpnt, opts) {
		return 1
	}
	return 0
}

func main() {
	ec := run()
	os.Exit(ec)
}
