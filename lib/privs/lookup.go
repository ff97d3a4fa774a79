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

package privs

import (
	"os/user"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/quayside/moorage/lib/shell"
)

// LookupIdentity resolves a local account into an Identity: numeric ids,
// supplementary groups from the system group database (primary group first),
// home directory and login shell. It returns a trace.NotFound error for an
// unknown user.
func LookupIdentity(username string) (*Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		if _, ok := err.(user.UnknownUserError); ok {
			return nil, trace.NotFound("unknown user: %v", username)
		}
		return nil, trace.Wrap(err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, trace.BadParameter("invalid uid %q for user %v", u.Uid, username)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, trace.BadParameter("invalid gid %q for user %v", u.Gid, username)
	}

	groups, err := supplementaryGroups(u, gid)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	id := &Identity{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		Groups:   groups,
		HomeDir:  u.HomeDir,
	}

	id.Shell, err = shell.GetLoginShell(username)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	return id, nil
}

// supplementaryGroups returns every group the user belongs to, with the
// primary group first and without duplicates. The order is preserved as
// reported by the group database.
func supplementaryGroups(u *user.User, primary int) ([]int, error) {
	ids, err := u.GroupIds()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	groups := []int{primary}
	seen := map[int]bool{primary: true}
	for _, s := range ids {
		gid, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		if !seen[gid] {
			seen[gid] = true
			groups = append(groups, gid)
		}
	}
	return groups, nil
}
