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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/quayside/moorage/lib/sshutils"
)

type recordingIgnoreSender struct {
	sizes []int
}

func (r *recordingIgnoreSender) SendIgnore(n int) error {
	r.sizes = append(r.sizes, n)
	return nil
}

func TestEchoGuardWriter(t *testing.T) {
	master := openTestPTY(t)
	fd := int(master.Fd())

	sender := &recordingIgnoreSender{}
	var out bytes.Buffer
	w := newEchoGuardWriter(&out, master, sender)

	// echo on: no ignore traffic
	require.NoError(t, applyTerminalModes(fd, []sshutils.TerminalMode{
		{Opcode: ssh.ECHO, Value: 1},
		{Opcode: ssh.ICANON, Value: 1},
	}))
	_, err := w.Write([]byte("prompt"))
	require.NoError(t, err)
	require.Empty(t, sender.sizes)
	require.Equal(t, "prompt", out.String())

	// echo off with canonical input: the password-prompt pattern
	require.NoError(t, applyTerminalModes(fd, []sshutils.TerminalMode{{Opcode: ssh.ECHO, Value: 0}}))
	_, err = w.Write([]byte("secret-ack"))
	require.NoError(t, err)
	require.Equal(t, []int{8 + len("secret-ack")}, sender.sizes)

	// raw mode (no canonical input) does not trigger the guard
	require.NoError(t, applyTerminalModes(fd, []sshutils.TerminalMode{{Opcode: ssh.ICANON, Value: 0}}))
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.Len(t, sender.sizes, 1)
}

func TestEchoGuardWriterNilSender(t *testing.T) {
	master := openTestPTY(t)
	var out bytes.Buffer
	w := newEchoGuardWriter(&out, master, nil)
	// without a sender the sink is used directly
	require.Equal(t, &out, w)
}
