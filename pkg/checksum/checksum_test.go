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

package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestComputeSinglePass(t *testing.T) {
	p := writeTemp(t, "foo")

	sums, err := Compute(p, MD5, SHA1, SHA256)
	require.NoError(t, err)

	assert.Equal(t, "acbd18db4cc2f85cedef654fccc4a4d8", sums[MD5])
	assert.Equal(t, "0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33", sums[SHA1])
	assert.Equal(t, "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae", sums[SHA256])
}

func TestComputeDefaultsToMD5(t *testing.T) {
	p := writeTemp(t, "foo")

	sums, err := Compute(p)
	require.NoError(t, err)
	assert.Len(t, sums, 1)
	assert.Equal(t, "acbd18db4cc2f85cedef654fccc4a4d8", sums[MD5])
}

func TestParse(t *testing.T) {
	d, err := Parse("md5:ACBD18DB4CC2F85CEDEF654FCCC4A4D8")
	require.NoError(t, err)
	assert.Equal(t, MD5, d.Algorithm)
	assert.Equal(t, "acbd18db4cc2f85cedef654fccc4a4d8", d.Hex)

	d, err = Parse("sha2:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae")
	require.NoError(t, err)
	assert.Equal(t, SHA256, d.Algorithm)
}

func TestParseRejectsUnknownAlgorithm(t *testing.T) {
	_, err := Parse("crc32:abcdef")
	require.Error(t, err)

	_, err = Parse("no-separator")
	require.Error(t, err)
}
