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

package shell

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func writePasswd(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestReadShellFrom(t *testing.T) {
	path := writePasswd(t, `# comment line
root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin
noshell:x:1001:1001::/home/noshell:
`)

	sh, err := readShellFrom(path, "root")
	require.NoError(t, err)
	require.Equal(t, "/bin/bash", sh)

	sh, err = readShellFrom(path, "daemon")
	require.NoError(t, err)
	require.Equal(t, "/usr/sbin/nologin", sh)

	// An empty shell field is not an error at this layer.
	sh, err = readShellFrom(path, "noshell")
	require.NoError(t, err)
	require.Empty(t, sh)

	_, err = readShellFrom(path, "missing")
	require.True(t, trace.IsNotFound(err))
}

func TestReadShellFromMalformed(t *testing.T) {
	path := writePasswd(t, "broken:x:0\n")
	_, err := readShellFrom(path, "broken")
	require.True(t, trace.IsBadParameter(err))
}

func TestReadShellFromPrefixCollision(t *testing.T) {
	// "ro" must not match the "root" entry.
	path := writePasswd(t, "root:x:0:0:root:/root:/bin/bash\n")
	_, err := readShellFrom(path, "ro")
	require.True(t, trace.IsNotFound(err))
}
