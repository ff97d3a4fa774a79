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
	"io"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// Entry is one directory listing item.
type Entry struct {
	// Name is the bare entry name.
	Name string
	// LongName is the rendered long listing line.
	LongName string
	// Attrs are the entry's attributes, from an lstat at listing time.
	Attrs *FileAttributes
	// Info is the os-level stat result backing Attrs.
	Info os.FileInfo
}

// DirectoryStream yields the entries of a directory one at a time. The
// names were snapshot at open; attributes are looked up lazily as entries
// are consumed, so entries removed mid-listing surface as lookup errors.
type DirectoryStream struct {
	srv   *Server
	dir   string
	names []string
}

// Next returns the next entry, or io.EOF once the stream is exhausted.
// Calling Next again after exhaustion keeps returning io.EOF.
func (d *DirectoryStream) Next() (*Entry, error) {
	if len(d.names) == 0 {
		return nil, io.EOF
	}
	name := d.names[0]
	d.names = d.names[1:]

	var fi os.FileInfo
	err := d.srv.cfg.Privs.Run(func() error {
		var err error
		fi, err = os.Lstat(filepath.Join(d.dir, name))
		return err
	})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Entry{
		Name:     name,
		LongName: d.srv.cfg.Formatter(name, fi),
		Attrs:    attrsFromInfo(fi),
		Info:     fi,
	}, nil
}

// Close discards the remaining entries.
func (d *DirectoryStream) Close() error {
	d.names = nil
	return nil
}
