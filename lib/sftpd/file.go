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
	"sync"

	"github.com/gravitational/trace"
)

// FileHandle is an open file of one session owner. The descriptor was
// opened under the owner's identity and stays valid across identity
// switches, so chunk transfers only need the switch for the syscalls
// themselves.
type FileHandle struct {
	srv  *Server
	file *os.File
	path string

	mu     sync.Mutex
	closed bool
}

// Path returns the resolved path the handle was opened at.
func (h *FileHandle) Path() string { return h.path }

// ReadChunk reads up to length bytes at the given offset. A read at or
// past the end of the file returns io.EOF.
func (h *FileHandle) ReadChunk(offset int64, length uint32) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, trace.BadParameter("file handle for %v is closed", h.path)
	}

	buf := make([]byte, length)
	var n int
	var eof bool
	err := h.srv.cfg.Privs.Run(func() error {
		if _, err := h.file.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		var err error
		n, err = h.file.Read(buf)
		if err == io.EOF {
			eof = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if eof && n == 0 {
		return nil, io.EOF
	}
	return buf[:n], nil
}

// WriteChunk writes data at the given offset and returns the number of
// bytes written.
func (h *FileHandle) WriteChunk(offset int64, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, trace.BadParameter("file handle for %v is closed", h.path)
	}

	var n int
	err := h.srv.cfg.Privs.Run(func() error {
		if _, err := h.file.Seek(offset, io.SeekStart); err != nil {
			return err
		}
		var err error
		n, err = h.file.Write(data)
		return err
	})
	if err != nil {
		return n, trace.ConvertSystemError(err)
	}
	return n, nil
}

// Attrs returns the attributes of the open file.
func (h *FileHandle) Attrs() (*FileAttributes, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, trace.BadParameter("file handle for %v is closed", h.path)
	}

	var fi os.FileInfo
	err := h.srv.cfg.Privs.Run(func() error {
		var err error
		fi, err = h.file.Stat()
		return err
	})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return attrsFromInfo(fi), nil
}

// SetAttrs is not supported on open handles; attributes are set by path.
func (h *FileHandle) SetAttrs(attrs *FileAttributes) error {
	return trace.NotImplemented("setting attributes on an open handle is not supported")
}

// Close releases the underlying descriptor. Closing an already-closed
// handle is a no-op.
func (h *FileHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	err := h.srv.cfg.Privs.Run(func() error {
		return h.file.Close()
	})
	return trace.ConvertSystemError(err)
}
