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
	"bytes"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quayside/moorage/lib/privs"
	"github.com/quayside/moorage/lib/sshutils"
)

// syncBuffer is a sink safe for the session's output pump goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func selfIdentity(t *testing.T) *privs.Identity {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	id, err := privs.LookupIdentity(u.Username)
	require.NoError(t, err)
	if id.Shell == "" {
		id.Shell = "/bin/sh"
	}
	return id
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{Identity: selfIdentity(t)})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("test requires root")
	}
}

func TestNewSessionDefaults(t *testing.T) {
	s := newTestSession(t)
	require.Equal(t, StateCreated, s.State())
	require.NotEqual(t, "", s.ID().String())
	require.Nil(t, s.InputWriter())
}

func TestSessionConfigValidation(t *testing.T) {
	_, err := NewSession(SessionConfig{})
	require.Error(t, err)
}

func TestOpenShellWithoutPTYFails(t *testing.T) {
	s := newTestSession(t)
	err := s.OpenShell(io.Discard)
	require.Error(t, err)
	require.True(t, IsNoTTYError(err))
	// the failure leaves the session in its prior state
	require.Equal(t, StateCreated, s.State())
}

func TestRequestPTYTransitions(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.RequestPTY("xterm", sshutils.WindowParams{W: 80, H: 24}, nil))
	require.Equal(t, StatePTYRequested, s.State())

	// a second allocation is rejected
	err := s.RequestPTY("xterm", sshutils.WindowParams{W: 80, H: 24}, nil)
	require.Error(t, err)
	require.Equal(t, StatePTYRequested, s.State())
}

func TestWindowChangedRequiresRunning(t *testing.T) {
	s := newTestSession(t)
	require.Error(t, s.WindowChanged(sshutils.WindowParams{W: 100, H: 30}))

	require.NoError(t, s.RequestPTY("xterm", sshutils.WindowParams{W: 80, H: 24}, nil))
	require.Error(t, s.WindowChanged(sshutils.WindowParams{W: 100, H: 30}))
}

func TestCloseIdempotent(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.RequestPTY("xterm", sshutils.WindowParams{W: 80, H: 24}, nil))

	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
}

func TestCloseFromCreated(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())

	// a closed session accepts no further requests
	require.Error(t, s.RequestPTY("xterm", sshutils.WindowParams{W: 80, H: 24}, nil))
	require.Error(t, s.ExecCommand("true", io.Discard))
}

func TestExecCommandPiped(t *testing.T) {
	requireRoot(t)

	s := newTestSession(t)
	var out syncBuffer
	require.NoError(t, s.ExecCommand("echo hello", &out))
	require.Equal(t, StateRunning, s.State())

	res, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, res.Code)
	require.Equal(t, "hello\n", out.String())
}

func TestExecCommandExitCode(t *testing.T) {
	requireRoot(t)

	s := newTestSession(t)
	require.NoError(t, s.ExecCommand("exit 42", io.Discard))
	res, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, res.Code)
}

func TestEOFReceivedClosesPipedStdin(t *testing.T) {
	requireRoot(t)

	s := newTestSession(t)
	var out syncBuffer
	require.NoError(t, s.ExecCommand("cat", &out))

	in := s.InputWriter()
	require.NotNil(t, in)
	_, err := in.Write([]byte("roundtrip\n"))
	require.NoError(t, err)

	require.NoError(t, s.EOFReceived())
	res, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, res.Code)
	require.Equal(t, "roundtrip\n", out.String())
}

func TestOpenShellInteractive(t *testing.T) {
	requireRoot(t)

	s := newTestSession(t)
	require.NoError(t, s.RequestPTY("xterm", sshutils.WindowParams{W: 80, H: 24}, nil))

	var out syncBuffer
	require.NoError(t, s.OpenShell(&out))
	require.Equal(t, StateRunning, s.State())

	// resizing must not change the session state but must update the size
	require.NoError(t, s.WindowChanged(sshutils.WindowParams{W: 100, H: 30}))
	require.Equal(t, StateRunning, s.State())
	params, err := s.term.GetWinSize()
	require.NoError(t, err)
	require.EqualValues(t, 100, params.W)
	require.EqualValues(t, 30, params.H)

	in := s.InputWriter()
	require.NotNil(t, in)
	_, err = in.Write([]byte("printf '%s\\n' shell-alive; exit\n"))
	require.NoError(t, err)

	res, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, res.Code)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "shell-alive")
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Close())
}

func TestExecCommandWithPTY(t *testing.T) {
	requireRoot(t)

	s := newTestSession(t)
	require.NoError(t, s.RequestPTY("xterm", sshutils.WindowParams{W: 80, H: 24}, nil))

	var out syncBuffer
	require.NoError(t, s.ExecCommand("tty", &out))
	require.Equal(t, StateRunning, s.State())

	res, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, 0, res.Code)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "/dev/pts/")
	}, 5*time.Second, 50*time.Millisecond)
}
