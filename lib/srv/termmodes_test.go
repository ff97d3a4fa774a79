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
	"testing"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/quayside/moorage/lib/sshutils"
)

func openTestPTY(t *testing.T) *os.File {
	t.Helper()
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return master
}

func getTermios(t *testing.T, fd int) *unix.Termios {
	t.Helper()
	tios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	require.NoError(t, err)
	return tios
}

func TestApplyTerminalModesEmptyIsNoop(t *testing.T) {
	master := openTestPTY(t)
	fd := int(master.Fd())

	before := getTermios(t, fd)
	require.NoError(t, applyTerminalModes(fd, nil))
	require.Equal(t, before, getTermios(t, fd))
}

func TestApplyTerminalModesIdempotent(t *testing.T) {
	master := openTestPTY(t)
	fd := int(master.Fd())

	modes := []sshutils.TerminalMode{
		{Opcode: ssh.ECHO, Value: 0},
		{Opcode: ssh.ICANON, Value: 1},
		{Opcode: ssh.VINTR, Value: 3},
		{Opcode: ssh.TTY_OP_ISPEED, Value: 9600},
		{Opcode: ssh.TTY_OP_OSPEED, Value: 9600},
	}

	require.NoError(t, applyTerminalModes(fd, modes))
	first := getTermios(t, fd)
	require.Zero(t, first.Lflag&unix.ECHO)
	require.NotZero(t, first.Lflag&unix.ICANON)
	require.EqualValues(t, 3, first.Cc[unix.VINTR])

	require.NoError(t, applyTerminalModes(fd, modes))
	require.Equal(t, first, getTermios(t, fd))
}

func TestApplyTerminalModesSkipsUnknown(t *testing.T) {
	master := openTestPTY(t)
	fd := int(master.Fd())

	before := getTermios(t, fd)
	// opcode 17 (VSTATUS) has no Linux slot, 155 is undefined entirely
	modes := []sshutils.TerminalMode{
		{Opcode: ssh.VSTATUS, Value: 1},
		{Opcode: 155, Value: 42},
	}
	require.NoError(t, applyTerminalModes(fd, modes))
	require.Equal(t, before, getTermios(t, fd))
}

func TestApplyTerminalModesFlagToggle(t *testing.T) {
	master := openTestPTY(t)
	fd := int(master.Fd())

	require.NoError(t, applyTerminalModes(fd, []sshutils.TerminalMode{{Opcode: ssh.ICRNL, Value: 0}}))
	require.Zero(t, getTermios(t, fd).Iflag&unix.ICRNL)

	require.NoError(t, applyTerminalModes(fd, []sshutils.TerminalMode{{Opcode: ssh.ICRNL, Value: 1}}))
	require.NotZero(t, getTermios(t, fd).Iflag&unix.ICRNL)
}
