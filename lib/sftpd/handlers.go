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
	"time"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
)

// NewHandlers wraps a Server in the request-handler set the sftp package's
// request server dispatches to.
func NewHandlers(s *Server) sftp.Handlers {
	h := &handlerAdapter{srv: s}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

type handlerAdapter struct {
	srv *Server
}

// Fileread opens the requested file for reading. The returned reader also
// implements io.Closer; the request server closes it when the client
// releases the handle.
func (h *handlerAdapter) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	handle, err := h.srv.OpenFile(r.Filepath, pflagsFromRequest(r), &FileAttributes{})
	if err != nil {
		return nil, toHandlerError(err)
	}
	return &handleReaderAt{handle: handle}, nil
}

// Filewrite opens the requested file for writing.
func (h *handlerAdapter) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	handle, err := h.srv.OpenFile(r.Filepath, pflagsFromRequest(r), &FileAttributes{})
	if err != nil {
		return nil, toHandlerError(err)
	}
	return &handleWriterAt{handle: handle}, nil
}

// Filecmd dispatches the path-manipulation requests.
func (h *handlerAdapter) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return toHandlerError(h.srv.SetStat(r.Filepath, attrsFromRequest(r.AttrFlags(), r.Attributes())))
	case "Rename":
		return toHandlerError(h.srv.Rename(r.Filepath, r.Target))
	case "Rmdir":
		return toHandlerError(h.srv.Rmdir(r.Filepath))
	case "Mkdir":
		return toHandlerError(h.srv.Mkdir(r.Filepath, attrsFromRequest(r.AttrFlags(), r.Attributes())))
	case "Symlink":
		// The request carries the target in Filepath and the link
		// location in Target.
		return toHandlerError(h.srv.Symlink(r.Target, r.Filepath))
	case "Remove":
		return toHandlerError(h.srv.Remove(r.Filepath))
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

// Filelist serves the listing-shaped requests: directory listings, stats
// and readlink.
func (h *handlerAdapter) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		stream, err := h.srv.OpenDirectory(r.Filepath)
		if err != nil {
			return nil, toHandlerError(err)
		}
		defer stream.Close()

		var infos []os.FileInfo
		for {
			entry, err := stream.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				// An entry can vanish between the name snapshot and the
				// stat; skip it rather than failing the whole listing.
				continue
			}
			infos = append(infos, entry.Info)
		}
		return listerAt(infos), nil
	case "Stat", "Lstat":
		fi, err := h.srv.statInfo(r.Filepath, r.Method == "Stat")
		if err != nil {
			return nil, toHandlerError(err)
		}
		return listerAt([]os.FileInfo{fi}), nil
	case "Readlink":
		target, err := h.srv.ReadLink(r.Filepath)
		if err != nil {
			return nil, toHandlerError(err)
		}
		return listerAt([]os.FileInfo{linkTargetInfo(target)}), nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// pflagsFromRequest reassembles the protocol open bits from the request's
// decoded flag set.
func pflagsFromRequest(r *sftp.Request) uint32 {
	flags := r.Pflags()
	var pflags uint32
	if flags.Read {
		pflags |= FlagRead
	}
	if flags.Write {
		pflags |= FlagWrite
	}
	if flags.Append {
		pflags |= FlagAppend
	}
	if flags.Creat {
		pflags |= FlagCreate
	}
	if flags.Trunc {
		pflags |= FlagTrunc
	}
	if flags.Excl {
		pflags |= FlagExcl
	}
	return pflags
}

// toHandlerError unwraps the trace decoration so the request server can
// map os-level errors to protocol status codes.
func toHandlerError(err error) error {
	if err == nil {
		return nil
	}
	return trace.Unwrap(err)
}

// handleReaderAt adapts a FileHandle to io.ReaderAt. ReadAt fills the
// buffer completely unless the end of the file intervenes, as the
// interface requires.
type handleReaderAt struct {
	handle *FileHandle
}

func (r *handleReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		chunk, err := r.handle.ReadChunk(off+int64(n), uint32(len(p)-n))
		n += copy(p[n:], chunk)
		if err != nil {
			return n, toHandlerError(err)
		}
		if len(chunk) == 0 {
			return n, io.EOF
		}
	}
	return n, nil
}

func (r *handleReaderAt) Close() error {
	return toHandlerError(r.handle.Close())
}

// handleWriterAt adapts a FileHandle to io.WriterAt.
type handleWriterAt struct {
	handle *FileHandle
}

func (w *handleWriterAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.handle.WriteChunk(off, p)
	return n, toHandlerError(err)
}

func (w *handleWriterAt) Close() error {
	return toHandlerError(w.handle.Close())
}

// listerAt serves a fixed slice of entries at offsets.
type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}

// linkTargetInfo carries a symlink target through the listing interface,
// which is how readlink results travel in the request server.
func linkTargetInfo(target string) os.FileInfo {
	return linkInfo{name: target}
}

type linkInfo struct {
	name string
}

func (l linkInfo) Name() string       { return l.name }
func (l linkInfo) Size() int64        { return 0 }
func (l linkInfo) Mode() os.FileMode  { return os.ModeSymlink }
func (l linkInfo) ModTime() time.Time { return time.Time{} }
func (l linkInfo) IsDir() bool        { return false }
func (l linkInfo) Sys() interface{}   { return nil }
