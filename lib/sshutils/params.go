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

// Package sshutils parses the request payloads the transport layer hands to
// the session backend: pty-req, window-change and exec parameters, plus the
// RFC 4254 encoded terminal mode stream.
package sshutils

import (
	"encoding/binary"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
)

const (
	// minTermSize is the smallest sane terminal dimension.
	minTermSize = 1
	// maxTermSize is the largest sane terminal dimension.
	maxTermSize = 4096
	// defaultTermW is substituted for absurd requested widths, e.g.
	// ansible asks for a 0x0 terminal.
	defaultTermW = 80
	// defaultTermH is substituted for absurd requested heights.
	defaultTermH = 25
)

// ttyOpEnd terminates the encoded terminal mode stream.
const ttyOpEnd = 0

// WindowParams is a terminal window size: rows, columns and pixel
// dimensions, in the 4-tuple order the TIOCSWINSZ ioctl expects.
type WindowParams struct {
	// W is the width in characters.
	W uint16
	// H is the height in characters.
	H uint16
	// Wpx is the width in pixels.
	Wpx uint16
	// Hpx is the height in pixels.
	Hpx uint16
}

// TerminalMode is one (opcode, value) pair from a pty-req mode stream.
type TerminalMode struct {
	// Opcode is the RFC 4254 terminal mode opcode.
	Opcode uint8
	// Value is the opcode argument.
	Value uint32
}

// PTYReqParams specifies the pty-req request parameters, RFC 4254 6.2.
type PTYReqParams struct {
	// Env is the TERM environment value, e.g. "xterm".
	Env string
	// W is the requested width in characters.
	W uint32
	// H is the requested height in characters.
	H uint32
	// Wpx is the requested width in pixels.
	Wpx uint32
	// Hpx is the requested height in pixels.
	Hpx uint32
	// Modes is the encoded terminal mode stream.
	Modes []byte
}

// TerminalModes decodes the encoded terminal mode stream carried by the
// request.
func (p *PTYReqParams) TerminalModes() ([]TerminalMode, error) {
	return ParseTerminalModes(p.Modes)
}

// Window returns the requested window size.
func (p *PTYReqParams) Window() WindowParams {
	return WindowParams{
		W:   uint16(p.W),
		H:   uint16(p.H),
		Wpx: uint16(p.Wpx),
		Hpx: uint16(p.Hpx),
	}
}

// CheckAndSetDefaults replaces out-of-range terminal dimensions with sane
// defaults. Some clients request a 0x0 size and expect the server to cope.
func (p *PTYReqParams) CheckAndSetDefaults() error {
	if p.W > maxTermSize || p.W < minTermSize {
		p.W = defaultTermW
	}
	if p.H > maxTermSize || p.H < minTermSize {
		p.H = defaultTermH
	}
	return nil
}

// WinChangeReqParams specifies the window-change request parameters,
// RFC 4254 6.7.
type WinChangeReqParams struct {
	W   uint32
	H   uint32
	Wpx uint32
	Hpx uint32
}

// Window returns the new window size.
func (p *WinChangeReqParams) Window() WindowParams {
	return WindowParams{
		W:   uint16(p.W),
		H:   uint16(p.H),
		Wpx: uint16(p.Wpx),
		Hpx: uint16(p.Hpx),
	}
}

// ExecReq specifies the exec request parameters, RFC 4254 6.5.
type ExecReq struct {
	Command string
}

// ParsePTYReq parses a raw pty-req payload and applies dimension defaults.
func ParsePTYReq(payload []byte) (*PTYReqParams, error) {
	var r PTYReqParams
	if err := ssh.Unmarshal(payload, &r); err != nil {
		return nil, trace.BadParameter("failed to parse pty-req: %v", err)
	}
	if err := r.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &r, nil
}

// ParseWinChangeReq parses a raw window-change payload.
func ParseWinChangeReq(payload []byte) (*WinChangeReqParams, error) {
	var r WinChangeReqParams
	if err := ssh.Unmarshal(payload, &r); err != nil {
		return nil, trace.BadParameter("failed to parse window-change: %v", err)
	}
	return &r, nil
}

// ParseExecReq parses a raw exec payload.
func ParseExecReq(payload []byte) (*ExecReq, error) {
	var r ExecReq
	if err := ssh.Unmarshal(payload, &r); err != nil {
		return nil, trace.BadParameter("failed to parse exec request: %v", err)
	}
	return &r, nil
}

// ParseTerminalModes decodes an RFC 4254 8 terminal mode stream: a sequence
// of (opcode byte, uint32 argument) pairs terminated by TTY_OP_END. Opcodes
// 160 and above have no defined layout, so decoding stops there as the
// protocol prescribes.
func ParseTerminalModes(in []byte) ([]TerminalMode, error) {
	var modes []TerminalMode
	for len(in) > 0 {
		opcode := in[0]
		if opcode == ttyOpEnd || opcode >= 160 {
			break
		}
		if len(in) < 5 {
			return nil, trace.BadParameter("truncated terminal mode stream")
		}
		modes = append(modes, TerminalMode{
			Opcode: opcode,
			Value:  binary.BigEndian.Uint32(in[1:5]),
		})
		in = in[5:]
	}
	return modes, nil
}
