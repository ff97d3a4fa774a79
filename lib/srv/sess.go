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

// Package srv drives the lifecycle of interactive shells and one-shot
// command execution for an authenticated local identity: pseudo-terminal
// allocation and configuration, privilege-scoped process spawning, login
// accounting and teardown.
package srv

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quayside/moorage"
	"github.com/quayside/moorage/lib/privs"
	"github.com/quayside/moorage/lib/srv/uacc"
	"github.com/quayside/moorage/lib/sshutils"
)

// ErrNoTTY is returned when an interactive shell is requested without a
// prior pty allocation. The session stays in its prior state.
var ErrNoTTY = errors.New("session has no terminal: a pty must be requested before opening a shell")

// IsNoTTYError reports whether err means a shell was requested with no pty.
func IsNoTTYError(err error) bool {
	return errors.Is(err, ErrNoTTY)
}

// State is a session lifecycle state.
type State int

const (
	// StateCreated is the initial state.
	StateCreated State = iota
	// StatePTYRequested means a terminal has been allocated but nothing
	// runs on it yet.
	StatePTYRequested
	// StateRunning means a shell or command is attached.
	StateRunning
	// StateClosed is terminal; closing again is a no-op.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePTYRequested:
		return "pty-requested"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SessionConfig carries everything a session needs from its surroundings:
// the authenticated identity and the collaborators owned by the transport
// layer.
type SessionConfig struct {
	// Identity is the authenticated local account, resolved once per
	// connection.
	Identity *privs.Identity
	// Privs is the privilege context for the identity. Built from
	// Identity when nil.
	Privs *privs.Context
	// PeerAddr is the remote end of the connection, used for SSH_CLIENT
	// and login records.
	PeerAddr net.Addr
	// HostAddr is the local end of the connection, used for SSH_CLIENT.
	HostAddr net.Addr
	// Conn, when set, has its coalescing delay disabled once an
	// interactive program is attached.
	Conn net.Conn
	// Accounting writes login records. Nil disables accounting.
	Accounting *uacc.Handler
	// IgnoreSender, when set, enables the echo-suppression keepalive on
	// shell output.
	IgnoreSender IgnoreSender
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SessionConfig) CheckAndSetDefaults() error {
	if c.Identity == nil {
		return trace.BadParameter("missing parameter Identity")
	}
	if c.Privs == nil {
		c.Privs = privs.NewContext(c.Identity)
	}
	return nil
}

// Session orchestrates one channel session: Created, optionally
// PTYRequested, then Running and finally Closed. No transition skips
// Running; pure command execution without a terminal goes straight from
// Created to Running.
type Session struct {
	mu sync.Mutex

	id  uuid.UUID
	cfg SessionConfig
	log *log.Entry

	state State
	env   map[string]string

	term      *Terminal
	cmd       *exec.Cmd
	stdinPipe io.WriteCloser
	login     *uacc.Session
	pumps     *errgroup.Group
}

// NewSession creates a session for an authenticated identity in the
// Created state.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	id := uuid.New()
	return &Session{
		id:  id,
		cfg: cfg,
		log: log.WithFields(log.Fields{
			moorage.Component: moorage.ComponentSession,
			"session":       id.String(),
			"user":          cfg.Identity.Username,
		}),
		state: StateCreated,
		env:   map[string]string{"PATH": moorage.DefaultEnvPath},
	}, nil
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestPTY allocates a terminal for the session and records the requested
// terminal type, window size and modes. Valid only before anything runs.
func (s *Session) RequestPTY(termType string, params sshutils.WindowParams, modes []sshutils.TerminalMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return trace.BadParameter("cannot request a pty in state %v", s.state)
	}

	term, err := NewTerminal()
	if err != nil {
		return trace.Wrap(err)
	}
	term.SetTermType(termType)
	term.SetModes(modes)
	term.setStoredParams(params)

	s.term = term
	s.env["TERM"] = term.TermType()
	s.env["SSH_TTY"] = term.Path()
	s.state = StatePTYRequested
	s.log.WithField("tty", term.Path()).Debug("Allocated terminal.")
	return nil
}

// OpenShell spawns the identity's login shell bound to the allocated
// terminal and pumps its output into sink. An interactive shell requires a
// terminal: without one this fails with ErrNoTTY and the session state is
// unchanged.
func (s *Session) OpenShell(sink io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated && s.state != StatePTYRequested {
		return trace.BadParameter("cannot open a shell in state %v", s.state)
	}
	if s.term == nil {
		s.log.Warn("Tried to open a shell without a pty.")
		return trace.Wrap(ErrNoTTY)
	}

	id := s.cfg.Identity
	s.env["USER"] = id.Username
	s.env["HOME"] = id.HomeDir
	s.env["SHELL"] = loginShellOf(id)
	s.setClientEnv()

	cmd, err := buildLoginShellCmd(id, buildEnv(s.env))
	if err != nil {
		return trace.Wrap(err)
	}

	if err := s.term.TakeOwnership(s.cfg.Privs); err != nil {
		return trace.Wrap(err)
	}

	tty := s.term.TTY()
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true

	if err := cmd.Start(); err != nil {
		return trace.Wrap(err)
	}
	s.cmd = cmd
	s.term.closeTTY()

	if err := s.term.SetWinSize(s.term.WindowParams()); err != nil {
		s.log.WithError(err).Warn("Failed to set window size.")
	}
	if len(s.term.Modes()) != 0 {
		if err := s.term.ApplyModes(); err != nil {
			s.log.WithError(err).Warn("Failed to apply terminal modes.")
		}
	}

	s.openLoginRecord()
	s.startOutputPump(newEchoGuardWriter(sink, s.term.PTY(), s.cfg.IgnoreSender))
	s.setNoDelay()
	s.state = StateRunning
	s.log.Debug("Opened login shell.")
	return nil
}

// ExecCommand runs "shell -c command" for the identity, bound to the
// session terminal when one was allocated and to anonymous pipes otherwise.
func (s *Session) ExecCommand(command string, sink io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated && s.state != StatePTYRequested {
		return trace.BadParameter("cannot execute a command in state %v", s.state)
	}

	s.setClientEnv()
	cmd, err := buildExecCmd(s.cfg.Identity, command, buildEnv(s.env))
	if err != nil {
		return trace.Wrap(err)
	}

	if s.term != nil {
		if err := s.term.TakeOwnership(s.cfg.Privs); err != nil {
			return trace.Wrap(err)
		}
		tty := s.term.TTY()
		cmd.Stdin = tty
		cmd.Stdout = tty
		cmd.Stderr = tty
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true

		if err := cmd.Start(); err != nil {
			return trace.Wrap(err)
		}
		s.cmd = cmd
		s.term.closeTTY()

		if len(s.term.Modes()) != 0 {
			if err := s.term.ApplyModes(); err != nil {
				s.log.WithError(err).Warn("Failed to apply terminal modes.")
			}
		}
		s.openLoginRecord()
		s.startOutputPump(sink)
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return trace.Wrap(err)
		}
		cmd.Stdout = sink
		cmd.Stderr = sink
		if err := cmd.Start(); err != nil {
			stdin.Close()
			return trace.Wrap(err)
		}
		s.cmd = cmd
		s.stdinPipe = stdin
	}

	s.setNoDelay()
	s.state = StateRunning
	s.log.WithField("command", command).Debug("Started command.")
	return nil
}

// WindowChanged applies a window resize. Valid only while an interactive
// program runs on a terminal; the session state does not change.
func (s *Session) WindowChanged(params sshutils.WindowParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return trace.BadParameter("cannot resize a session in state %v", s.state)
	}
	if s.term == nil {
		return trace.NotFound("session has no terminal to resize")
	}
	return trace.Wrap(s.term.SetWinSize(params))
}

// EOFReceived signals end of input to the running program. For a piped
// command the input stream is closed; a terminal cannot be half-closed, so
// for interactive sessions this is a no-op, exactly as a real terminal
// behaves.
func (s *Session) EOFReceived() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return trace.BadParameter("cannot signal end of input in state %v", s.state)
	}
	if s.stdinPipe != nil {
		err := s.stdinPipe.Close()
		s.stdinPipe = nil
		return trace.Wrap(err)
	}
	return nil
}

// InputWriter returns the destination for the remote peer's input: the
// terminal master for interactive sessions, the stdin pipe for piped
// commands, nil before the session runs.
func (s *Session) InputWriter() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.term != nil {
		return s.term.PTY()
	}
	if s.stdinPipe != nil {
		return s.stdinPipe
	}
	return nil
}

// Wait reaps the session's child process and returns its result. The output
// pump is drained first so no trailing output is lost.
func (s *Session) Wait() (*ExecResult, error) {
	s.mu.Lock()
	cmd := s.cmd
	pumps := s.pumps
	s.mu.Unlock()

	if cmd == nil {
		return nil, trace.NotFound("session has no process")
	}
	err := cmd.Wait()
	if pumps != nil {
		// reading the master after the child exits ends with EIO,
		// which is the normal end of an interactive session
		if pumpErr := pumps.Wait(); pumpErr != nil && !errors.Is(pumpErr, syscall.EIO) {
			s.log.WithError(pumpErr).Debug("Output pump finished with error.")
		}
	}
	return collectStatus(cmd, err)
}

// Close tears the session down from any state: device ownership reverted if
// the device still exists, child signaled with hang-up ("already exited" is
// a non-error), login record closed. Idempotent, and never fails past its
// own boundary: teardown errors are logged and swallowed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	term, cmd, stdin, login := s.term, s.cmd, s.stdinPipe, s.login
	s.stdinPipe = nil
	s.mu.Unlock()

	if term != nil {
		if err := term.ReleaseOwnership(s.cfg.Privs); err != nil {
			s.log.WithError(err).Warn("Failed to revert terminal ownership.")
		}
	}
	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		status, err := terminate(cmd.Process)
		switch {
		case err != nil:
			s.log.WithError(err).Warn("Failed to deliver hang-up signal.")
		case status == terminateAlreadyExited:
			s.log.Debug("Process exited before hang-up.")
		}
		cmd.Process.Release()
	}
	if term != nil {
		if err := term.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close terminal.")
		}
		if err := login.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close login record.")
		}
	}
	s.log.Debug("Session closed.")
	return nil
}

// openLoginRecord registers the interactive session with the accounting
// store; accounting failure does not stop the session.
func (s *Session) openLoginRecord() {
	if s.cfg.Accounting == nil {
		return
	}
	login, err := s.cfg.Accounting.Open(s.term.Path(), s.cfg.Identity.Username, s.cmd.Process.Pid, s.cfg.PeerAddr)
	if err != nil {
		s.log.WithError(err).Warn("Failed to write login record.")
		return
	}
	s.login = login
}

// startOutputPump copies terminal output into the session sink.
func (s *Session) startOutputPump(sink io.Writer) {
	pumps := &errgroup.Group{}
	master := s.term.PTY()
	pumps.Go(func() error {
		_, err := io.Copy(sink, master)
		return err
	})
	s.pumps = pumps
}

// setClientEnv derives SSH_CLIENT from the connection's address pair.
func (s *Session) setClientEnv() {
	peerHost, peerPort := splitAddr(s.cfg.PeerAddr)
	_, hostPort := splitAddr(s.cfg.HostAddr)
	if peerHost != "" {
		s.env["SSH_CLIENT"] = fmt.Sprintf("%s %s %s", peerHost, peerPort, hostPort)
	}
}

// setNoDelay disables TCP coalescing for interactive responsiveness.
func (s *Session) setNoDelay() {
	if tc, ok := s.cfg.Conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			s.log.WithError(err).Debug("Failed to disable TCP coalescing.")
		}
	}
}

func loginShellOf(id *privs.Identity) string {
	if id.Shell != "" {
		return id.Shell
	}
	return moorage.DefaultShell
}

func splitAddr(addr net.Addr) (host, port string) {
	if addr == nil {
		return "", ""
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), "0"
	}
	return host, port
}
