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

// Package uacc writes login accounting records for interactive sessions:
// a USER_PROCESS utmp entry keyed by the allocated terminal when the
// session starts, overwritten with a DEAD_PROCESS marker when it ends, with
// both transitions appended to the wtmp history.
package uacc

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/quayside/moorage"
)

const (
	// DefaultUtmpFile is the live login database.
	DefaultUtmpFile = "/var/run/utmp"
	// DefaultWtmpFile is the append-only login history.
	DefaultWtmpFile = "/var/log/wtmp"
)

// Config configures a Handler. Zero-value paths select the system files;
// tests point both at a temp directory.
type Config struct {
	// UtmpFile overrides the live login database path.
	UtmpFile string
	// WtmpFile overrides the login history path.
	WtmpFile string
}

// Handler writes login and logout records. A nil *Handler is a valid no-op
// collaborator for deployments with accounting disabled.
type Handler struct {
	mu       sync.Mutex
	utmpPath string
	wtmpPath string
	log      *log.Entry
}

// NewHandler creates a login accounting handler.
func NewHandler(cfg Config) *Handler {
	if cfg.UtmpFile == "" {
		cfg.UtmpFile = DefaultUtmpFile
	}
	if cfg.WtmpFile == "" {
		cfg.WtmpFile = DefaultWtmpFile
	}
	return &Handler{
		utmpPath: cfg.UtmpFile,
		wtmpPath: cfg.WtmpFile,
		log:      log.WithField(moorage.Component, moorage.ComponentUacc),
	}
}

// Session is one open login record. It must be closed when the terminal
// session ends.
type Session struct {
	handler *Handler
	line    string
	pid     int
}

// Open writes the login record for a terminal session. The tty name may
// carry the /dev/ prefix; the record stores it stripped, as the utmp
// convention requires.
func (h *Handler) Open(ttyName, username string, pid int, remote net.Addr) (*Session, error) {
	if h == nil {
		return nil, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	line := strings.TrimPrefix(ttyName, "/dev/")
	entry := newEntry(line, pid, time.Now())
	entry.setType(userProcess)
	entry.setUser(username)
	host, addr := resolveRemote(remote)
	entry.setHost(host)
	entry.setAddr(addr)

	if err := updateRecord(h.utmpPath, entry); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := appendRecord(h.wtmpPath, entry); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Session{handler: h, line: line, pid: pid}, nil
}

// Close overwrites the session's record with a dead-process marker and
// appends the logout to the history.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	h := s.handler
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := newEntry(s.line, s.pid, time.Now())
	entry.setType(deadProcess)

	if err := updateRecord(h.utmpPath, entry); err != nil {
		return trace.Wrap(err)
	}
	if err := appendRecord(h.wtmpPath, entry); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// resolveRemote turns the peer address into the host string and the grouped
// IPv6 address the record stores. Reverse resolution is best effort.
func resolveRemote(remote net.Addr) (string, [4]int32) {
	if remote == nil {
		return "", [4]int32{}
	}
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		host = remote.String()
	}
	addr := groupAddr(net.ParseIP(host))
	if names, err := net.LookupAddr(host); err == nil && len(names) > 0 {
		return strings.TrimSuffix(names[0], "."), addr
	}
	return host, addr
}
