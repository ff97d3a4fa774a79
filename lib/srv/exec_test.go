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
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/moorage/lib/privs"
)

func testIdentity() *privs.Identity {
	return &privs.Identity{
		Username: "testuser",
		UID:      1000,
		GID:      1000,
		Groups:   []int{1000, 20},
		HomeDir:  "/home/testuser",
		Shell:    "/bin/bash",
	}
}

func TestBuildLoginShellCmd(t *testing.T) {
	id := testIdentity()
	cmd, err := buildLoginShellCmd(id, []string{"HOME=/home/testuser"})
	require.NoError(t, err)

	require.Equal(t, "/bin/bash", cmd.Path)
	// login-shell convention: argv[0] is the basename prefixed with "-"
	require.Equal(t, []string{"-bash"}, cmd.Args)
	require.Equal(t, "/home/testuser", cmd.Dir)
	require.NotNil(t, cmd.SysProcAttr.Credential)
	require.EqualValues(t, 1000, cmd.SysProcAttr.Credential.Uid)
	require.EqualValues(t, 1000, cmd.SysProcAttr.Credential.Gid)
	require.EqualValues(t, []uint32{1000, 20}, cmd.SysProcAttr.Credential.Groups)
}

func TestBuildLoginShellCmdDefaultShell(t *testing.T) {
	id := testIdentity()
	id.Shell = ""
	cmd, err := buildLoginShellCmd(id, nil)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", cmd.Path)
	require.Equal(t, []string{"-sh"}, cmd.Args)
}

func TestBuildExecCmd(t *testing.T) {
	cmd, err := buildExecCmd(testIdentity(), "ls -l /tmp", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"/bin/bash", "-c", "ls -l /tmp"}, cmd.Args)

	_, err = buildExecCmd(testIdentity(), "", nil)
	require.Error(t, err)
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv(map[string]string{
		"USER": "alice",
		"PATH": "/bin",
		"TERM": "xterm",
	})
	require.Equal(t, []string{"PATH=/bin", "TERM=xterm", "USER=alice"}, env)
}

func TestCollectStatus(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 3")
	res, err := collectStatus(cmd, cmd.Run())
	require.NoError(t, err)
	require.Equal(t, 3, res.Code)

	cmd = exec.Command("true")
	res, err = collectStatus(cmd, cmd.Run())
	require.NoError(t, err)
	require.Equal(t, 0, res.Code)
}

func TestTerminateTriState(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())

	status, err := terminate(cmd.Process)
	require.NoError(t, err)
	require.Equal(t, terminateSignaled, status)

	_, waitErr := cmd.Process.Wait()
	require.NoError(t, waitErr)

	// after the reap, another hang-up reports already-exited, not an error
	require.Eventually(t, func() bool {
		status, err := terminate(cmd.Process)
		return err == nil && status == terminateAlreadyExited
	}, 2*time.Second, 10*time.Millisecond)
}
