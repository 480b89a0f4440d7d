/*
 * crossfs_test.go
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

package crossfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `[pass]
/etc/hostname = /bedrock/etc/hostname
/man = /alpine/usr/share/man, /arch/usr/share/man

[brc-wrap]
/bin/vim = /arch/usr/bin/vim

[exec-filter]
/applications/firefox.desktop = /arch/usr/share/applications/firefox.desktop

[client-order]
arch
alpine
`

func TestRead(t *testing.T) {
	tab, err := Read(strings.NewReader(sample))
	require.NoError(t, err)

	require.Len(t, tab.Pass, 2)
	assert.Equal(t, "/etc/hostname", tab.Pass[0].Virtual)
	assert.Equal(t, []string{"/bedrock/etc/hostname"}, tab.Pass[0].Real)
	assert.Equal(t, "/man", tab.Pass[1].Virtual)
	assert.Equal(t, []string{"/alpine/usr/share/man", "/arch/usr/share/man"}, tab.Pass[1].Real)

	require.Len(t, tab.BrcWrap, 1)
	assert.Equal(t, "/bin/vim", tab.BrcWrap[0].Virtual)
	assert.Equal(t, []string{"/arch/usr/bin/vim"}, tab.BrcWrap[0].Real)

	require.Len(t, tab.ExecFilter, 1)
	assert.Equal(t, "/applications/firefox.desktop", tab.ExecFilter[0].Virtual)

	assert.Equal(t, []string{"arch", "alpine"}, tab.ClientOrder)
}

func TestReadUnknownCategory(t *testing.T) {
	_, err := Read(strings.NewReader("[bogus]\n/a = /b\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestReadEmpty(t *testing.T) {
	tab, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, tab.Pass)
	assert.Empty(t, tab.BrcWrap)
	assert.Empty(t, tab.ExecFilter)
	assert.Empty(t, tab.ClientOrder)
}

func TestReadClientOrderOnly(t *testing.T) {
	tab, err := Read(strings.NewReader("[client-order]\nubuntu\nvoid\ngentoo\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ubuntu", "void", "gentoo"}, tab.ClientOrder)
}
