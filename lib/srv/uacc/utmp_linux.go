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
	"io"
	"net"
	"os"
	"time"

	"github.com/gravitational/trace"
)

// record types, <utmp.h>
const (
	userProcess = 7
	deadProcess = 8
)

const (
	lineSize = 32
	nameSize = 32
	hostSize = 256
	idSize   = 4
)

// entry mirrors the glibc struct utmp layout on 64-bit Linux. Fixed-size
// fields only, so the encoded form is exactly the 384-byte on-disk record.
// The files use the machine's native byte order.
type entry struct {
	Type        int16
	_           [2]byte
	Pid         int32
	Line        [lineSize]byte
	ID          [idSize]byte
	User        [nameSize]byte
	Host        [hostSize]byte
	Termination int16
	Exit        int16
	Session     int32
	TVSec       int32
	TVUsec      int32
	AddrV6      [4]int32
	_           [20]byte
}

// entrySize is the on-disk record size.
const entrySize = 384

// newEntry builds a record skeleton for the given terminal line: the line
// itself, its 4-character id suffix, the child pid and split-microsecond
// timestamps.
func newEntry(line string, pid int, t time.Time) *entry {
	e := &entry{
		Pid:    int32(pid),
		TVSec:  int32(t.Unix()),
		TVUsec: int32(t.Nanosecond() / 1000),
	}
	copy(e.Line[:], line)
	id := line
	if len(id) > idSize {
		id = id[len(id)-idSize:]
	}
	copy(e.ID[:], id)
	return e
}

func (e *entry) setType(t int16)     { e.Type = t }
func (e *entry) setUser(user string) { copy(e.User[:], user) }
func (e *entry) setHost(host string) { copy(e.Host[:], host) }
func (e *entry) setAddr(a [4]int32)  { e.AddrV6 = a }

func (e *entry) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, e); err != nil {
		return nil, trace.Wrap(err)
	}
	if buf.Len() != entrySize {
		return nil, trace.BadParameter("utmp record encoded to %v bytes, want %v", buf.Len(), entrySize)
	}
	return buf.Bytes(), nil
}

func decodeEntry(raw []byte) (*entry, error) {
	var e entry
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, &e); err != nil {
		return nil, trace.Wrap(err)
	}
	return &e, nil
}

// updateRecord writes the entry over the existing slot with the same
// terminal line, or appends it when no slot matches. This is the pututline
// behavior for the live utmp database.
func updateRecord(path string, e *entry) error {
	raw, err := e.encode()
	if err != nil {
		return trace.Wrap(err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	offset := int64(0)
	buf := make([]byte, entrySize)
	for {
		n, err := io.ReadFull(f, buf)
		if err != nil {
			// a trailing partial record gets overwritten by the append
			break
		}
		existing, err := decodeEntry(buf[:n])
		if err != nil {
			return trace.Wrap(err)
		}
		if existing.Line == e.Line {
			if _, err := f.WriteAt(raw, offset); err != nil {
				return trace.ConvertSystemError(err)
			}
			return nil
		}
		offset += entrySize
	}

	if _, err := f.WriteAt(raw, offset); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// appendRecord appends the entry to the history file.
func appendRecord(path string, e *entry) error {
	raw, err := e.encode()
	if err != nil {
		return trace.Wrap(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// groupAddr packs an IP into the 4x int32 grouping the record stores.
func groupAddr(ip net.IP) [4]int32 {
	var grouped [4]int32
	if ip == nil {
		return grouped
	}
	raw := ip.To16()
	if raw == nil {
		return grouped
	}
	// IPv4 addresses land in the first group, matching the layout the
	// kernel and login(1) use for ut_addr_v6.
	if v4 := ip.To4(); v4 != nil {
		grouped[0] = int32(binary.NativeEndian.Uint32(v4))
		return grouped
	}
	for i := range grouped {
		grouped[i] = int32(binary.NativeEndian.Uint32(raw[i*4 : (i+1)*4]))
	}
	return grouped
}
