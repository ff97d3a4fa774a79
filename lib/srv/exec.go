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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/quayside/moorage"
	"github.com/quayside/moorage/lib/privs"
)

// ExecResult is the outcome of an executed command or shell.
type ExecResult struct {
	// Command is the path of the executed program.
	Command string
	// Code is the exit code.
	Code int
}

// buildLoginShellCmd constructs the login shell invocation for an identity:
// argv[0] is the shell's basename prefixed with "-" per login-shell
// convention, the working directory is the user's home, and the child runs
// with the target credentials in its own session.
func buildLoginShellCmd(id *privs.Identity, env []string) (*exec.Cmd, error) {
	sh := id.Shell
	if sh == "" {
		sh = moorage.DefaultShell
	}
	cmd := exec.Command(sh)
	cmd.Args = []string{"-" + filepath.Base(sh)}
	cmd.Dir = id.HomeDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: credentialFor(id),
	}
	return cmd, nil
}

// buildExecCmd constructs a "shell -c command" invocation under the target
// credentials.
func buildExecCmd(id *privs.Identity, command string, env []string) (*exec.Cmd, error) {
	if command == "" {
		return nil, trace.BadParameter("missing command")
	}
	sh := id.Shell
	if sh == "" {
		sh = moorage.DefaultShell
	}
	cmd := exec.Command(sh, "-c", command)
	cmd.Dir = id.HomeDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: credentialFor(id),
	}
	return cmd, nil
}

// credentialFor translates an identity into the credential the child
// process is started with. Spawning with a credential drops the real ids in
// the child at fork time, which stands in for switching the parent's
// effective identity around the spawn.
func credentialFor(id *privs.Identity) *syscall.Credential {
	groups := make([]uint32, 0, len(id.Groups))
	for _, gid := range id.Groups {
		groups = append(groups, uint32(gid))
	}
	return &syscall.Credential{
		Uid:    uint32(id.UID),
		Gid:    uint32(id.GID),
		Groups: groups,
	}
}

// collectStatus folds a Wait error into an ExecResult. A non-zero exit is a
// result, not an error.
func collectStatus(cmd *exec.Cmd, err error) (*ExecResult, error) {
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status := exitErr.Sys().(syscall.WaitStatus)
			return &ExecResult{Code: status.ExitStatus(), Command: cmd.Path}, nil
		}
		return nil, trace.Wrap(err)
	}
	status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return nil, trace.Errorf("unknown exit status: %T(%v)", cmd.ProcessState.Sys(), cmd.ProcessState.Sys())
	}
	return &ExecResult{Code: status.ExitStatus(), Command: cmd.Path}, nil
}

// terminateStatus is the outcome of delivering the hang-up signal to a
// session's child process.
type terminateStatus int

const (
	// terminateSignaled means the hang-up signal was delivered.
	terminateSignaled terminateStatus = iota
	// terminateAlreadyExited means the child was already gone, which is a
	// normal outcome during session teardown.
	terminateAlreadyExited
)

// terminate sends SIGHUP to the child. "Process already exited" is reported
// as a status, not an error.
func terminate(process *os.Process) (terminateStatus, error) {
	err := process.Signal(syscall.SIGHUP)
	if err == nil {
		return terminateSignaled, nil
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return terminateAlreadyExited, nil
	}
	return terminateSignaled, trace.Wrap(err)
}

// buildEnv flattens an environment map into the sorted KEY=value form the
// process API expects.
func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
