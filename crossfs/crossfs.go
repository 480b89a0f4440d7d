/*
 * crossfs.go
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

// Package crossfs parses the configuration grammar of the companion
// path-routing daemon. The daemon itself is a separate service; this
// package only exposes its table format:
//
//	[category]
//	/virtual = /real1, /real2
//
// Categories:
//
//	pass         contents of the real paths are unioned at the virtual
//	             path unchanged
//	brc-wrap     each listed executable is exposed wrapped in a
//	             launcher that enters the owning client
//	exec-filter  freedesktop entry files are exposed with their exec
//	             fields rewritten to launch through the client launcher
//	client-order one client name per line, establishing priority when
//	             multiple clients offer the same name
package crossfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/billziss-gh/golib/config"
)

// Entry maps a virtual path to an ordered list of real paths.
type Entry struct {
	Virtual string
	Real    []string
}

// Table is a parsed daemon configuration.
type Table struct {
	Pass        []Entry
	BrcWrap     []Entry
	ExecFilter  []Entry
	ClientOrder []string
}

const (
	sectPass        = "pass"
	sectBrcWrap     = "brc-wrap"
	sectExecFilter  = "exec-filter"
	sectClientOrder = "client-order"
)

// Read parses a daemon configuration. Unknown categories are an error.
func Read(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if nil != err {
		return nil, err
	}

	tab := &Table{}

	// client-order is order sensitive and its lines carry no '=';
	// scan that section line-wise and hand the rest to the config
	// reader.
	rest, err := tab.scanClientOrder(data)
	if nil != err {
		return nil, err
	}

	c, err := config.Read(bytes.NewReader(rest))
	if nil != err {
		return nil, err
	}

	for name, sect := range c {
		if "" == name && 0 == len(sect) {
			continue
		}
		var list *[]Entry
		switch name {
		case sectPass:
			list = &tab.Pass
		case sectBrcWrap:
			list = &tab.BrcWrap
		case sectExecFilter:
			list = &tab.ExecFilter
		default:
			return nil, fmt.Errorf("unknown category %q", name)
		}
		for virt, reals := range sect {
			e := Entry{Virtual: strings.TrimSpace(virt)}
			for _, p := range strings.Split(reals, ",") {
				if p = strings.TrimSpace(p); "" != p {
					e.Real = append(e.Real, p)
				}
			}
			*list = append(*list, e)
		}
	}

	// section maps carry no order; fix one for callers
	for _, list := range []*[]Entry{&tab.Pass, &tab.BrcWrap, &tab.ExecFilter} {
		sort.Slice(*list, func(i, j int) bool {
			return (*list)[i].Virtual < (*list)[j].Virtual
		})
	}

	return tab, nil
}

// ReadFile is Read on the named file.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if nil != err {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func (tab *Table) scanClientOrder(data []byte) (rest []byte, err error) {
	in := false
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			in = sectClientOrder == line[1:len(line)-1]
			if in {
				continue
			}
		}
		if in {
			if "" == line || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
				continue
			}
			tab.ClientOrder = append(tab.ClientOrder, line)
			continue
		}
		rest = append(rest, s.Bytes()...)
		rest = append(rest, '\n')
	}
	return rest, s.Err()
}
