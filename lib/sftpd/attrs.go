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

//go:build !windows

package sftpd

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/sftp"
)

// FileAttributes carries the attribute set of the file-access protocol.
// Nil fields are absent; present fields are applied independently, except
// that ownership needs both UID and GID and timestamps need both Atime and
// Mtime.
type FileAttributes struct {
	// Size is the file size in bytes; present on a set call it truncates.
	Size *uint64
	// UID is the owning user id.
	UID *int
	// GID is the owning group id.
	GID *int
	// Permissions is the permission mode.
	Permissions *os.FileMode
	// Atime is the access time in seconds since the epoch.
	Atime *int64
	// Mtime is the modify time in seconds since the epoch.
	Mtime *int64
}

// Empty reports whether no attribute is present.
func (a *FileAttributes) Empty() bool {
	if a == nil {
		return true
	}
	return a.Size == nil && a.UID == nil && a.GID == nil &&
		a.Permissions == nil && a.Atime == nil && a.Mtime == nil
}

// stripPermissions removes and returns the permission field, used by the
// open path where the mode is consumed by the create call instead of a
// follow-up attribute set.
func (a *FileAttributes) stripPermissions() (os.FileMode, bool) {
	if a == nil || a.Permissions == nil {
		return 0, false
	}
	mode := *a.Permissions
	a.Permissions = nil
	return mode, true
}

// apply writes the present attributes to path. The caller is responsible
// for running it under the right identity.
func (a *FileAttributes) apply(path string) error {
	if a == nil {
		return nil
	}
	if a.UID != nil && a.GID != nil {
		if err := os.Chown(path, *a.UID, *a.GID); err != nil {
			return err
		}
	}
	if a.Permissions != nil {
		if err := os.Chmod(path, *a.Permissions); err != nil {
			return err
		}
	}
	if a.Atime != nil && a.Mtime != nil {
		if err := os.Chtimes(path, time.Unix(*a.Atime, 0), time.Unix(*a.Mtime, 0)); err != nil {
			return err
		}
	}
	if a.Size != nil {
		if err := os.Truncate(path, int64(*a.Size)); err != nil {
			return err
		}
	}
	return nil
}

// attrsFromInfo converts a stat result into the protocol attribute set.
func attrsFromInfo(fi os.FileInfo) *FileAttributes {
	size := uint64(fi.Size())
	mode := fi.Mode()
	attrs := &FileAttributes{
		Size:        &size,
		Permissions: &mode,
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		uid := int(st.Uid)
		gid := int(st.Gid)
		atime := int64(st.Atim.Sec)
		mtime := int64(st.Mtim.Sec)
		attrs.UID = &uid
		attrs.GID = &gid
		attrs.Atime = &atime
		attrs.Mtime = &mtime
	}
	return attrs
}

// attrsFromRequest converts the wire attribute set of an sftp request into
// the protocol carrier, honoring the request's presence flags.
func attrsFromRequest(flags sftp.FileAttrFlags, st *sftp.FileStat) *FileAttributes {
	attrs := &FileAttributes{}
	if st == nil {
		return attrs
	}
	if flags.Size {
		size := st.Size
		attrs.Size = &size
	}
	if flags.UidGid {
		uid := int(st.UID)
		gid := int(st.GID)
		attrs.UID = &uid
		attrs.GID = &gid
	}
	if flags.Permissions {
		mode := st.FileMode().Perm()
		attrs.Permissions = &mode
	}
	if flags.Acmodtime {
		atime := int64(st.Atime)
		mtime := int64(st.Mtime)
		attrs.Atime = &atime
		attrs.Mtime = &mtime
	}
	return attrs
}
