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

// Package sftpd implements the file-access side of a user session: every
// filesystem operation runs under the session owner's identity, client
// paths are resolved relative to the owner's home directory, and handles
// keep working for the lifetime of the session.
package sftpd

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/quayside/moorage"
	"github.com/quayside/moorage/lib/privs"
)

// Open flag bits of the file-access protocol.
const (
	FlagRead   = 0x00000001
	FlagWrite  = 0x00000002
	FlagAppend = 0x00000004
	FlagCreate = 0x00000008
	FlagTrunc  = 0x00000010
	FlagExcl   = 0x00000020
)

// ListFormatter renders the long listing line for one directory entry.
type ListFormatter func(name string, info os.FileInfo) string

// Config holds the parameters of a file-access server.
type Config struct {
	// Identity is the session owner all operations run as.
	Identity *privs.Identity
	// Privs switches process identity around filesystem calls. Built from
	// Identity when not set.
	Privs *privs.Context
	// Formatter renders long listing lines. Defaults to the bare name.
	Formatter ListFormatter
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Privs == nil {
		c.Privs = privs.NewContext(c.Identity)
	}
	if c.Formatter == nil {
		c.Formatter = func(name string, info os.FileInfo) string { return name }
	}
	return nil
}

// Server serves filesystem operations on behalf of one session owner.
type Server struct {
	cfg Config
	log *log.Entry
}

// NewServer returns a file-access server for the configured identity.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg: cfg,
		log: log.WithFields(log.Fields{
			moorage.Component: moorage.ComponentSFTP,
			"login":         cfg.Identity.Username,
		}),
	}, nil
}

// absPath resolves a client path against the session owner's home
// directory. Absolute paths pass through untouched apart from cleaning.
func (s *Server) absPath(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(s.cfg.Identity.HomeDir, path))
}

// OpenFile opens or creates a file under the session owner's identity.
// attrs supplies the creation mode; any remaining attributes are applied
// right after the open.
func (s *Server) OpenFile(path string, pflags uint32, attrs *FileAttributes) (*FileHandle, error) {
	abs := s.absPath(path)
	flags := openFlags(pflags)
	mode := os.FileMode(0o777)
	if m, ok := attrs.stripPermissions(); ok {
		mode = m
	}

	var f *os.File
	err := s.cfg.Privs.Run(func() error {
		var err error
		f, err = os.OpenFile(abs, flags, mode)
		return err
	}, func() error {
		if attrs.Empty() {
			return nil
		}
		return attrs.apply(abs)
	})
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, trace.ConvertSystemError(err)
	}

	s.log.Debugf("Opened %v (flags=%#x).", abs, pflags)
	return &FileHandle{srv: s, file: f, path: abs}, nil
}

// OpenDirectory reads a directory's entries up front and returns a stream
// over them.
func (s *Server) OpenDirectory(path string) (*DirectoryStream, error) {
	abs := s.absPath(path)

	var names []string
	err := s.cfg.Privs.Run(func() error {
		d, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer d.Close()
		names, err = d.Readdirnames(-1)
		return err
	})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &DirectoryStream{srv: s, dir: abs, names: names}, nil
}

// Stat returns the attributes of a path. With followLinks set symlinks are
// resolved, otherwise the link itself is described.
func (s *Server) Stat(path string, followLinks bool) (*FileAttributes, error) {
	fi, err := s.statInfo(path, followLinks)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return attrsFromInfo(fi), nil
}

// statInfo is Stat without the attribute conversion, for callers that need
// the os-level result.
func (s *Server) statInfo(path string, followLinks bool) (os.FileInfo, error) {
	abs := s.absPath(path)
	var fi os.FileInfo
	err := s.cfg.Privs.Run(func() error {
		var err error
		if followLinks {
			fi, err = os.Stat(abs)
		} else {
			fi, err = os.Lstat(abs)
		}
		return err
	})
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return fi, nil
}

// SetStat applies the present attributes to a path.
func (s *Server) SetStat(path string, attrs *FileAttributes) error {
	abs := s.absPath(path)
	err := s.cfg.Privs.Run(func() error {
		return attrs.apply(abs)
	})
	return trace.ConvertSystemError(err)
}

// Remove deletes a file.
func (s *Server) Remove(path string) error {
	abs := s.absPath(path)
	err := s.cfg.Privs.Run(func() error {
		return os.Remove(abs)
	})
	return trace.ConvertSystemError(err)
}

// Rename moves a file to a new path.
func (s *Server) Rename(oldPath, newPath string) error {
	oldAbs := s.absPath(oldPath)
	newAbs := s.absPath(newPath)
	err := s.cfg.Privs.Run(func() error {
		return os.Rename(oldAbs, newAbs)
	})
	return trace.ConvertSystemError(err)
}

// Mkdir creates a directory. attrs supplies the creation mode.
func (s *Server) Mkdir(path string, attrs *FileAttributes) error {
	abs := s.absPath(path)
	mode := os.FileMode(0o777)
	if m, ok := attrs.stripPermissions(); ok {
		mode = m
	}
	err := s.cfg.Privs.Run(func() error {
		return os.Mkdir(abs, mode)
	}, func() error {
		if attrs.Empty() {
			return nil
		}
		return attrs.apply(abs)
	})
	return trace.ConvertSystemError(err)
}

// Rmdir removes an empty directory.
func (s *Server) Rmdir(path string) error {
	abs := s.absPath(path)
	err := s.cfg.Privs.Run(func() error {
		// os.Remove would also unlink a file under the same name; the
		// protocol operation is directory-only.
		return unix.Rmdir(abs)
	})
	return trace.ConvertSystemError(err)
}

// ReadLink returns the target of a symlink.
func (s *Server) ReadLink(path string) (string, error) {
	abs := s.absPath(path)
	var target string
	err := s.cfg.Privs.Run(func() error {
		var err error
		target, err = os.Readlink(abs)
		return err
	})
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return target, nil
}

// Symlink creates a symlink at linkPath pointing at targetPath.
func (s *Server) Symlink(linkPath, targetPath string) error {
	link := s.absPath(linkPath)
	target := s.absPath(targetPath)
	err := s.cfg.Privs.Run(func() error {
		return os.Symlink(target, link)
	})
	return trace.ConvertSystemError(err)
}

// RealPath canonicalizes a path, resolving symlinks where the path exists.
// It never switches identity and never fails: a path that cannot be
// resolved is returned home-rooted and cleaned.
func (s *Server) RealPath(path string) string {
	abs := s.absPath(path)
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// Extended rejects protocol extensions; none are supported.
func (s *Server) Extended(name string, data []byte) error {
	return trace.NotImplemented("extension %q is not supported", name)
}

// openFlags translates protocol open bits into os.OpenFile flags. A word
// with neither read nor write set degrades to read-only.
func openFlags(pflags uint32) int {
	var flags int
	switch {
	case pflags&FlagRead != 0 && pflags&FlagWrite != 0:
		flags = os.O_RDWR
	case pflags&FlagWrite != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if pflags&FlagAppend != 0 {
		flags |= os.O_APPEND
	}
	if pflags&FlagCreate != 0 {
		flags |= os.O_CREATE
	}
	if pflags&FlagTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if pflags&FlagExcl != 0 {
		flags |= os.O_EXCL
	}
	return flags
}
