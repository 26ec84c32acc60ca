// Copyright 2022-2026 CSC - IT Center for Science Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
)

func TestAsyncThreshold(t *testing.T) {
	m := &Manager{cfg: config.Upload{AsyncThresholdBytes: 100}}

	assert.False(t, m.Async(99))
	assert.False(t, m.Async(100))
	assert.True(t, m.Async(101))
}

func TestCheckTargetAllowsFreshPath(t *testing.T) {
	m := &Manager{}
	abs := filepath.Join(t.TempDir(), "fresh.txt")

	assert.NoError(t, m.checkTarget(abs, "/fresh.txt", TypeFile))
}

func TestCheckTargetConflictsOnExistingFile(t *testing.T) {
	m := &Manager{}
	dir := t.TempDir()
	abs := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0o664))

	err := m.checkTarget(abs, "/a.txt", TypeFile)
	var conflict errtypes.Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "File '/a.txt' already exists", conflict.Message)
	assert.Equal(t, []string{"/a.txt"}, conflict.Files)
}

func TestCheckTargetConflictsOnExistingDirectory(t *testing.T) {
	m := &Manager{}
	dir := t.TempDir()
	abs := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(abs, 0o775))

	err := m.checkTarget(abs, "/sub", TypeFile)
	var conflict errtypes.Conflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "Directory '/sub' already exists", conflict.Message)
}

func TestCheckTargetArchiveMayExtractIntoDirectory(t *testing.T) {
	m := &Manager{}
	dir := t.TempDir()
	abs := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(abs, 0o775))

	assert.NoError(t, m.checkTarget(abs, "/sub", TypeArchive))

	// a file at the target still conflicts for archives
	fileAbs := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(fileAbs, []byte("x"), 0o664))
	err := m.checkTarget(fileAbs, "/a.txt", TypeArchive)
	var conflict errtypes.Conflict
	assert.ErrorAs(t, err, &conflict)
}

func TestMoveFileCreatesParents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))
	target := filepath.Join(dir, "deep", "nested", "dst.txt")

	require.NoError(t, moveFile(src, target))

	body, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o664), info.Mode().Perm())

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestMoveFileFailsOnMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := moveFile(filepath.Join(dir, "absent"), filepath.Join(dir, "dst"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(errors.Cause(err)))
}
