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

// Package shell resolves a local account's login shell from the system
// user database.
package shell

import (
	"bufio"
	"os"
	"os/user"
	"strings"

	"github.com/gravitational/trace"
)

const passwdFile = "/etc/passwd"

// GetLoginShell determines the login shell for the given username. It
// returns a trace.NotFound error when the user exists but carries no shell,
// so callers can substitute a default.
func GetLoginShell(username string) (string, error) {
	// See if the username is valid before scanning the database.
	if _, err := user.Lookup(username); err != nil {
		return "", trace.Wrap(err)
	}

	sh, err := readShellFrom(passwdFile, username)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if sh == "" {
		return "", trace.NotFound("no shell specified for %v", username)
	}
	return sh, nil
}

// readShellFrom scans a passwd-format file for username and returns the
// shell field (the 7th column). os/user does not expose it.
func readShellFrom(path, username string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, username+":") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			return "", trace.BadParameter("malformed passwd entry for %v", username)
		}
		return strings.TrimSpace(fields[6]), nil
	}
	if err := scanner.Err(); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return "", trace.NotFound("user %v not present in %v", username, path)
}
