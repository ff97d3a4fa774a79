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

// Package privs temporarily assumes a target user's effective identity to
// perform a bounded batch of OS operations, restoring the prior identity
// afterwards. The effective uid, gid and supplementary groups are attributes
// of the whole OS process, so every switch in this package runs under a
// single process-wide gate: deployments that need true concurrent
// multi-user privilege separation must run one process per authenticated
// identity. The gate is a safety net against accidental re-entrancy, not a
// substitute for process isolation.
package privs

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/quayside/moorage"
)

// Identity is the resolved local account a connection is authenticated as.
// It is immutable for the lifetime of the connection that owns it.
type Identity struct {
	// Username is the local account name.
	Username string
	// UID is the account's user id.
	UID int
	// GID is the account's primary group id.
	GID int
	// Groups is the ordered supplementary group list, primary group first.
	Groups []int
	// HomeDir is the account's home directory.
	HomeDir string
	// Shell is the account's login shell. May be empty if the user
	// database does not carry one; callers substitute a default.
	Shell string
}

func (i *Identity) String() string {
	return fmt.Sprintf("identity(%v, uid=%v, gid=%v)", i.Username, i.UID, i.GID)
}

// SwitchError reports a failed identity-switch syscall. A SwitchError is
// always fatal to the in-flight operation batch; cleanup has already run by
// the time it is returned.
type SwitchError struct {
	// Op is the syscall that failed, e.g. "seteuid".
	Op string
	// Err is the underlying errno.
	Err error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("privilege switch failed: %v: %v", e.Op, e.Err)
}

func (e *SwitchError) Unwrap() error {
	return e.Err
}

// Operation is a single privileged step. Results flow out through closure
// captures; the first failing operation aborts the rest of its batch.
type Operation func() error

// switchMu serializes all effective-identity manipulation in the process.
// On Linux the set*id calls are applied to every runtime thread, so holding
// this gate for the whole save/switch/run/restore cycle is what keeps one
// session's privilege from leaking into another's syscalls.
var switchMu sync.Mutex

// Context scopes privileged execution to one identity. It holds no mutable
// state of its own; all mutation is of process-wide kernel state under the
// package gate.
type Context struct {
	id  *Identity
	log *log.Entry
}

// NewContext returns a privilege context for the given identity.
func NewContext(id *Identity) *Context {
	return &Context{
		id: id,
		log: log.WithFields(log.Fields{
			moorage.Component: moorage.ComponentPrivs,
			"user":          id.Username,
		}),
	}
}

// Identity returns the identity this context runs as.
func (c *Context) Identity() *Identity {
	return c.id
}

// Run executes ops in order with the process's effective identity set to the
// context's user. If an operation fails, the remaining operations do not run.
// The previous identity is restored before Run returns, whether the batch
// succeeded or not; only a failed restore is allowed to leave the process in
// a different state, and that is reported as a *SwitchError in preference to
// any operation error it would otherwise mask.
func (c *Context) Run(ops ...Operation) error {
	// A process already running as the target user has nothing to switch,
	// and without root it could not switch back anyway. This is the normal
	// shape of a per-user worker process.
	if unix.Geteuid() != 0 && unix.Geteuid() == c.id.UID && unix.Getegid() == c.id.GID {
		for _, op := range ops {
			if err := op(); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}

	switchMu.Lock()
	defer switchMu.Unlock()

	// The set*id syscalls below are process-wide on supported platforms,
	// but pinning the goroutine keeps the sequence on one thread in case
	// the runtime needs to spawn threads mid-batch.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	saved, err := saveProcessIdentity()
	if err != nil {
		return trace.Wrap(err)
	}

	// Raise both effective ids to root first: lowering the gid after the
	// uid is already non-root would be refused by the kernel.
	if err := becomeUser(c.id); err != nil {
		if restoreErr := saved.restore(); restoreErr != nil {
			c.log.WithError(restoreErr).Error("Failed to restore process identity.")
		}
		return trace.Wrap(err)
	}

	var opErr error
	for _, op := range ops {
		if opErr = op(); opErr != nil {
			break
		}
	}

	if err := saved.restore(); err != nil {
		c.log.WithError(err).Error("Failed to restore process identity.")
		return trace.Wrap(err)
	}
	return trace.Wrap(opErr)
}

// AsRoot raises the effective identity to root for the duration of fn and
// restores it afterwards. This is the narrow two-phase path used for pty
// device ownership transfer, which needs only the chown syscall and not a
// full identity switch.
func (c *Context) AsRoot(fn func() error) error {
	switchMu.Lock()
	defer switchMu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	euid := unix.Geteuid()
	egid := unix.Getegid()

	if err := syscall.Setegid(0); err != nil {
		return trace.Wrap(&SwitchError{Op: "setegid", Err: err})
	}
	if err := syscall.Seteuid(0); err != nil {
		if restoreErr := syscall.Setegid(egid); restoreErr != nil {
			c.log.WithError(restoreErr).Error("Failed to restore effective gid.")
		}
		return trace.Wrap(&SwitchError{Op: "seteuid", Err: err})
	}

	fnErr := fn()

	if err := syscall.Setegid(egid); err != nil {
		c.log.WithError(err).Error("Failed to restore effective gid.")
		return trace.Wrap(&SwitchError{Op: "setegid", Err: err})
	}
	if err := syscall.Seteuid(euid); err != nil {
		c.log.WithError(err).Error("Failed to restore effective uid.")
		return trace.Wrap(&SwitchError{Op: "seteuid", Err: err})
	}
	return trace.Wrap(fnErr)
}

// processIdentity is a snapshot of the process-wide effective identity taken
// before a switch, used to put everything back exactly as found.
type processIdentity struct {
	euid   int
	egid   int
	groups []int
}

func saveProcessIdentity() (*processIdentity, error) {
	groups, err := unix.Getgroups()
	if err != nil {
		return nil, trace.Wrap(&SwitchError{Op: "getgroups", Err: err})
	}
	return &processIdentity{
		euid:   unix.Geteuid(),
		egid:   unix.Getegid(),
		groups: groups,
	}, nil
}

// becomeUser installs the target identity: raise to root, install the target
// supplementary groups, then drop the gid and finally the uid. The uid is
// dropped last because once it is non-root further privileged syscalls are
// refused.
func becomeUser(id *Identity) error {
	if err := syscall.Setegid(0); err != nil {
		return &SwitchError{Op: "setegid", Err: err}
	}
	if err := syscall.Seteuid(0); err != nil {
		return &SwitchError{Op: "seteuid", Err: err}
	}
	if err := unix.Setgroups(id.Groups); err != nil {
		return &SwitchError{Op: "setgroups", Err: err}
	}
	if err := syscall.Setegid(id.GID); err != nil {
		return &SwitchError{Op: "setegid", Err: err}
	}
	if err := syscall.Seteuid(id.UID); err != nil {
		return &SwitchError{Op: "seteuid", Err: err}
	}
	return nil
}

// restore mirrors becomeUser: back to root, original groups, then the
// original effective gid and uid, in that exact order.
func (p *processIdentity) restore() error {
	if err := syscall.Setegid(0); err != nil {
		return &SwitchError{Op: "setegid", Err: err}
	}
	if err := syscall.Seteuid(0); err != nil {
		return &SwitchError{Op: "seteuid", Err: err}
	}
	if err := unix.Setgroups(p.groups); err != nil {
		return &SwitchError{Op: "setgroups", Err: err}
	}
	if err := syscall.Setegid(p.egid); err != nil {
		return &SwitchError{Op: "setegid", Err: err}
	}
	if err := syscall.Seteuid(p.euid); err != nil {
		return &SwitchError{Op: "seteuid", Err: err}
	}
	return nil
}

// IsSwitchError reports whether err was caused by a failed identity-switch
// syscall.
func IsSwitchError(err error) bool {
	var se *SwitchError
	return errors.As(err, &se)
}
