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
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// IgnoreSender lets the session emit transport-level ignore messages. The
// transport layer implements it with an SSH_MSG_IGNORE send.
type IgnoreSender interface {
	// SendIgnore emits an ignore message padded to n bytes.
	SendIgnore(n int) error
}

// echoGuardWriter precedes each outbound write with an ignore message while
// the terminal is in the password-prompt pattern: echo off, canonical input
// on. The padding is sized to the payload so an observer cannot correlate
// response sizes with non-echoed input. Terminal attributes are re-read on
// every write since the state changes mid-session.
type echoGuardWriter struct {
	w      io.Writer
	pty    *os.File
	sender IgnoreSender
}

func newEchoGuardWriter(w io.Writer, pty *os.File, sender IgnoreSender) io.Writer {
	if sender == nil {
		return w
	}
	return &echoGuardWriter{w: w, pty: pty, sender: sender}
}

func (e *echoGuardWriter) Write(p []byte) (int, error) {
	if tios, err := unix.IoctlGetTermios(int(e.pty.Fd()), unix.TCGETS); err == nil {
		if tios.Lflag&unix.ECHO == 0 && tios.Lflag&unix.ICANON != 0 {
			// best effort: a failed ignore must not block the payload
			_ = e.sender.SendIgnore(8 + len(p))
		}
	}
	return e.w.Write(p)
}
