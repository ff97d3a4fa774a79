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

package srv

import (
	"os"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/quayside/moorage"
	"github.com/quayside/moorage/lib/privs"
	"github.com/quayside/moorage/lib/sshutils"
)

// Terminal is a local pseudo-terminal pair allocated for one session. It
// owns both sides of the pair and the slave device path, and is destroyed
// when the session closes.
type Terminal struct {
	mu sync.Mutex

	pty  *os.File
	tty  *os.File
	path string

	termType string
	params   sshutils.WindowParams
	modes    []sshutils.TerminalMode

	log *log.Entry
}

// NewTerminal allocates a pseudo-terminal pair from the OS and derives the
// slave device path.
func NewTerminal() (*Terminal, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Terminal{
		pty:  ptyFile,
		tty:  ttyFile,
		path: ttyFile.Name(),
		log: log.WithFields(log.Fields{
			moorage.Component: moorage.ComponentSession,
			"tty":           ttyFile.Name(),
		}),
	}, nil
}

// PTY returns the master side of the pair.
func (t *Terminal) PTY() *os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pty
}

// TTY returns the slave side of the pair.
func (t *Terminal) TTY() *os.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tty
}

// Path returns the slave device path, e.g. /dev/pts/4.
func (t *Terminal) Path() string {
	return t.path
}

// SetTermType records the terminal type negotiated by the pty request.
func (t *Terminal) SetTermType(term string) {
	if term == "" {
		term = moorage.DefaultTerm
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.termType = term
}

// TermType returns the negotiated terminal type.
func (t *Terminal) TermType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termType
}

// SetModes records the wire terminal modes to be applied once the session
// process is attached.
func (t *Terminal) SetModes(modes []sshutils.TerminalMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modes = append([]sshutils.TerminalMode(nil), modes...)
}

// Modes returns the recorded wire terminal modes.
func (t *Terminal) Modes() []sshutils.TerminalMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modes
}

// ApplyModes translates the recorded wire modes into terminal attributes
// and commits them to the device.
func (t *Terminal) ApplyModes() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pty == nil {
		return trace.NotFound("no pty")
	}
	return trace.Wrap(applyTerminalModes(int(t.pty.Fd()), t.modes))
}

// SetWinSize applies the window size to the device and caches it. The
// resize ioctl needs no privilege: by the time it is called the device is
// owned appropriately.
func (t *Terminal) SetWinSize(params sshutils.WindowParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pty == nil {
		return trace.NotFound("no pty")
	}
	ws := &pty.Winsize{
		Rows: params.H,
		Cols: params.W,
		X:    params.Wpx,
		Y:    params.Hpx,
	}
	if err := pty.Setsize(t.pty, ws); err != nil {
		return trace.ConvertSystemError(err)
	}
	t.params = params
	return nil
}

// GetWinSize reads the live window size from the device.
func (t *Terminal) GetWinSize() (sshutils.WindowParams, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pty == nil {
		return sshutils.WindowParams{}, trace.NotFound("no pty")
	}
	ws, err := pty.GetsizeFull(t.pty)
	if err != nil {
		return sshutils.WindowParams{}, trace.ConvertSystemError(err)
	}
	return sshutils.WindowParams{W: ws.Cols, H: ws.Rows, Wpx: ws.X, Hpx: ws.Y}, nil
}

// WindowParams returns the cached window size without a syscall.
func (t *Terminal) WindowParams() sshutils.WindowParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.params
}

// setStoredParams records the requested window size without touching the
// device; the ioctl happens once the session process is attached.
func (t *Terminal) setStoredParams(params sshutils.WindowParams) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.params = params
}

// TakeOwnership hands the slave device to the session user while keeping
// the device's terminal group. Only the chown syscall needs privilege, so
// this raises to root directly instead of a full identity switch.
func (t *Terminal) TakeOwnership(ctx *privs.Context) error {
	ttyGID, err := t.deviceGroup()
	if err != nil {
		return trace.Wrap(err)
	}
	uid := ctx.Identity().UID
	return trace.Wrap(ctx.AsRoot(func() error {
		return os.Chown(t.path, uid, ttyGID)
	}))
}

// ReleaseOwnership reverts the slave device to root and its terminal group.
// A device that no longer exists on disk is not an error: session teardown
// can race the kernel releasing the pair.
func (t *Terminal) ReleaseOwnership(ctx *privs.Context) error {
	if _, err := os.Stat(t.path); os.IsNotExist(err) {
		return nil
	}
	ttyGID, err := t.deviceGroup()
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(ctx.AsRoot(func() error {
		return os.Chown(t.path, 0, ttyGID)
	}))
}

// deviceGroup returns the gid currently owning the slave device, which is
// the system's terminal group on any sane configuration.
func (t *Terminal) deviceGroup() (int, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, trace.BadParameter("unexpected stat type %T for %v", fi.Sys(), t.path)
	}
	return int(st.Gid), nil
}

// Close frees both sides of the pair. Safe to call more than once.
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	if t.tty != nil {
		if e := t.tty.Close(); e != nil {
			err = e
		}
		t.tty = nil
	}
	if t.pty != nil {
		if e := t.pty.Close(); e != nil {
			err = e
		}
		t.pty = nil
	}
	return trace.Wrap(err)
}

// closeTTY releases only the slave side, used after the child process has
// inherited it.
func (t *Terminal) closeTTY() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tty == nil {
		return
	}
	if err := t.tty.Close(); err != nil {
		t.log.WithError(err).Warn("Failed to close tty.")
	}
	t.tty = nil
}
