/*
Copyright 2024 Quayside Labs

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build linux

package uacc

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, string, string) {
	t.Helper()
	dir := t.TempDir()
	utmpFile := filepath.Join(dir, "utmp")
	wtmpFile := filepath.Join(dir, "wtmp")
	h := NewHandler(Config{UtmpFile: utmpFile, WtmpFile: wtmpFile})
	return h, utmpFile, wtmpFile
}

func readEntries(t *testing.T, path string) []*entry {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Zero(t, len(raw)%entrySize, "file must hold whole records")
	var entries []*entry
	for off := 0; off < len(raw); off += entrySize {
		e, err := decodeEntry(raw[off : off+entrySize])
		require.NoError(t, err)
		entries = append(entries, e)
	}
	return entries
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func TestOpenWritesLoginRecord(t *testing.T) {
	h, utmpFile, wtmpFile := newTestHandler(t)

	remote := &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 40000}
	session, err := h.Open("/dev/pts/7", "alice", 4242, remote)
	require.NoError(t, err)
	require.NotNil(t, session)

	entries := readEntries(t, utmpFile)
	require.Len(t, entries, 1)
	e := entries[0]
	require.EqualValues(t, userProcess, e.Type)
	require.Equal(t, "pts/7", cstr(e.Line[:]))
	require.Equal(t, "ts/7", cstr(e.ID[:]))
	require.Equal(t, "alice", cstr(e.User[:]))
	require.EqualValues(t, 4242, e.Pid)
	require.NotZero(t, e.TVSec)
	require.NotZero(t, e.AddrV6[0])

	// login also lands in the history
	require.Len(t, readEntries(t, wtmpFile), 1)
}

func TestCloseMarksRecordDead(t *testing.T) {
	h, utmpFile, wtmpFile := newTestHandler(t)

	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2022}
	session, err := h.Open("pts/3", "bob", 99, remote)
	require.NoError(t, err)
	require.NoError(t, session.Close())

	// logout overwrites the live slot rather than appending
	entries := readEntries(t, utmpFile)
	require.Len(t, entries, 1)
	e := entries[0]
	require.EqualValues(t, deadProcess, e.Type)
	require.Equal(t, "pts/3", cstr(e.Line[:]))
	require.Empty(t, cstr(e.User[:]))

	// history keeps both transitions
	history := readEntries(t, wtmpFile)
	require.Len(t, history, 2)
	require.EqualValues(t, userProcess, history[0].Type)
	require.EqualValues(t, deadProcess, history[1].Type)
}

func TestOpenReusesSlotPerLine(t *testing.T) {
	h, utmpFile, _ := newTestHandler(t)

	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2022}
	_, err := h.Open("pts/1", "alice", 1, remote)
	require.NoError(t, err)
	_, err = h.Open("pts/2", "bob", 2, remote)
	require.NoError(t, err)
	// same line again: overwrite, not append
	_, err = h.Open("pts/1", "carol", 3, remote)
	require.NoError(t, err)

	entries := readEntries(t, utmpFile)
	require.Len(t, entries, 2)
	require.Equal(t, "carol", cstr(entries[0].User[:]))
	require.Equal(t, "bob", cstr(entries[1].User[:]))
}

func TestNilHandlerIsNoop(t *testing.T) {
	var h *Handler
	session, err := h.Open("pts/0", "nobody", 1, nil)
	require.NoError(t, err)
	require.Nil(t, session)
	require.NoError(t, session.Close())
}

func TestEntryEncodedSize(t *testing.T) {
	e := newEntry("pts/12", 1234, time.Now())
	raw, err := e.encode()
	require.NoError(t, err)
	require.Len(t, raw, entrySize)
}

func TestGroupAddr(t *testing.T) {
	require.Zero(t, groupAddr(nil))
	g := groupAddr(net.ParseIP("127.0.0.1"))
	require.NotZero(t, g[0])
	require.Zero(t, g[1])

	// The words use the same byte order as the rest of the record, so the
	// original octets come back through the same encoding.
	var word [4]byte
	binary.NativeEndian.PutUint32(word[:], uint32(g[0]))
	require.Equal(t, net.ParseIP("127.0.0.1").To4(), net.IP(word[:]))

	g6 := groupAddr(net.ParseIP("2001:db8::1"))
	require.NotZero(t, g6[0])
	require.NotZero(t, g6[3])
}
