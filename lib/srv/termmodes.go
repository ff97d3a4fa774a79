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
	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"

	"github.com/quayside/moorage/lib/sshutils"
)

// termiosField selects which termios flag word a mode bit lives in.
type termiosField int

const (
	inputField termiosField = iota
	outputField
	controlField
	localField
)

// flagMode maps one wire opcode to a single bit within one termios flag
// word, toggled on or off by the mode value's truthiness.
type flagMode struct {
	field termiosField
	mask  uint32
}

// flagModes is the static opcode table for boolean terminal modes. Opcodes
// the platform has no bit for are simply absent: the protocol allows mode
// codes an implementation does not recognize, and those are skipped.
var flagModes = map[uint8]flagMode{
	ssh.IGNPAR:  {inputField, unix.IGNPAR},
	ssh.PARMRK:  {inputField, unix.PARMRK},
	ssh.INPCK:   {inputField, unix.INPCK},
	ssh.ISTRIP:  {inputField, unix.ISTRIP},
	ssh.INLCR:   {inputField, unix.INLCR},
	ssh.IGNCR:   {inputField, unix.IGNCR},
	ssh.ICRNL:   {inputField, unix.ICRNL},
	ssh.IUCLC:   {inputField, unix.IUCLC},
	ssh.IXON:    {inputField, unix.IXON},
	ssh.IXANY:   {inputField, unix.IXANY},
	ssh.IXOFF:   {inputField, unix.IXOFF},
	ssh.IMAXBEL: {inputField, unix.IMAXBEL},
	ssh.IUTF8:   {inputField, unix.IUTF8},

	ssh.ISIG:    {localField, unix.ISIG},
	ssh.ICANON:  {localField, unix.ICANON},
	ssh.XCASE:   {localField, unix.XCASE},
	ssh.ECHO:    {localField, unix.ECHO},
	ssh.ECHOE:   {localField, unix.ECHOE},
	ssh.ECHOK:   {localField, unix.ECHOK},
	ssh.ECHONL:  {localField, unix.ECHONL},
	ssh.NOFLSH:  {localField, unix.NOFLSH},
	ssh.TOSTOP:  {localField, unix.TOSTOP},
	ssh.IEXTEN:  {localField, unix.IEXTEN},
	ssh.ECHOCTL: {localField, unix.ECHOCTL},
	ssh.ECHOKE:  {localField, unix.ECHOKE},
	ssh.PENDIN:  {localField, unix.PENDIN},

	ssh.OPOST:  {outputField, unix.OPOST},
	ssh.OLCUC:  {outputField, unix.OLCUC},
	ssh.ONLCR:  {outputField, unix.ONLCR},
	ssh.OCRNL:  {outputField, unix.OCRNL},
	ssh.ONOCR:  {outputField, unix.ONOCR},
	ssh.ONLRET: {outputField, unix.ONLRET},

	ssh.CS7:    {controlField, unix.CS7},
	ssh.CS8:    {controlField, unix.CS8},
	ssh.PARENB: {controlField, unix.PARENB},
	ssh.PARODD: {controlField, unix.PARODD},
}

// ccModes maps wire opcodes for control characters to the slot in the
// termios control-character array. VDSUSP, VSTATUS and VFLUSH have no Linux
// slot and are skipped.
var ccModes = map[uint8]int{
	ssh.VINTR:    unix.VINTR,
	ssh.VQUIT:    unix.VQUIT,
	ssh.VERASE:   unix.VERASE,
	ssh.VKILL:    unix.VKILL,
	ssh.VEOF:     unix.VEOF,
	ssh.VEOL:     unix.VEOL,
	ssh.VEOL2:    unix.VEOL2,
	ssh.VSTART:   unix.VSTART,
	ssh.VSTOP:    unix.VSTOP,
	ssh.VSUSP:    unix.VSUSP,
	ssh.VREPRINT: unix.VREPRINT,
	ssh.VWERASE:  unix.VWERASE,
	ssh.VLNEXT:   unix.VLNEXT,
	ssh.VSWTCH:   unix.VSWTC,
	ssh.VDISCARD: unix.VDISCARD,
}

// baudRates maps the numeric rate carried by the ISPEED/OSPEED pseudo-modes
// to the symbolic termios speed constant.
var baudRates = map[uint32]uint32{
	0:       unix.B0,
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// applyTerminalModes translates wire-protocol terminal modes into termios
// attribute mutations on the device behind fd, committing the full attribute
// set immediately. Unknown opcodes are skipped. Applying an empty mode list
// is a round trip that changes nothing.
func applyTerminalModes(fd int, modes []sshutils.TerminalMode) error {
	tios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, mode := range modes {
		applyTerminalMode(tios, mode)
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tios); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func applyTerminalMode(tios *unix.Termios, mode sshutils.TerminalMode) {
	switch mode.Opcode {
	case ssh.TTY_OP_ISPEED:
		if rate, ok := baudRates[mode.Value]; ok {
			tios.Ispeed = rate
		}
	case ssh.TTY_OP_OSPEED:
		if rate, ok := baudRates[mode.Value]; ok {
			tios.Ospeed = rate
		}
	default:
		if slot, ok := ccModes[mode.Opcode]; ok {
			tios.Cc[slot] = uint8(mode.Value)
			return
		}
		fm, ok := flagModes[mode.Opcode]
		if !ok {
			return
		}
		field := termiosFlag(tios, fm.field)
		if mode.Value != 0 {
			*field |= fm.mask
		} else {
			*field &^= fm.mask
		}
	}
}

func termiosFlag(tios *unix.Termios, field termiosField) *uint32 {
	switch field {
	case inputField:
		return &tios.Iflag
	case outputField:
		return &tios.Oflag
	case controlField:
		return &tios.Cflag
	default:
		return &tios.Lflag
	}
}
