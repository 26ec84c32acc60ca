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

package pathsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	root := "/srv/projects/demo"

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "a/b.txt", "/srv/projects/demo/a/b.txt"},
		{"leading slash", "/a/b.txt", "/srv/projects/demo/a/b.txt"},
		{"dot segments collapse", "a/./b/../c.txt", "/srv/projects/demo/a/c.txt"},
		{"root empty", "", "/srv/projects/demo"},
		{"root slash", "/", "/srv/projects/demo"},
		{"dotdot inside stays bounded", "a/../b.txt", "/srv/projects/demo/b.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(root, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	root := "/srv/projects/demo"
	for _, in := range []string{"..", "../x", "a/../../x", "/../x"} {
		_, err := Resolve(root, in)
		require.Error(t, err, in)
	}
}

func TestIsDescendant(t *testing.T) {
	assert.True(t, IsDescendant("/srv/p", "/srv/p"))
	assert.True(t, IsDescendant("/srv/p", "/srv/p/a/b"))
	assert.False(t, IsDescendant("/srv/p", "/srv/pq"))
	assert.False(t, IsDescendant("/srv/p", "/srv"))
}

func TestRelative(t *testing.T) {
	assert.Equal(t, "/a/b.txt", Relative("/srv/p", "/srv/p/a/b.txt"))
	assert.Equal(t, "/", Relative("/srv/p", "/srv/p"))
}

func TestValidSegment(t *testing.T) {
	assert.True(t, ValidSegment("project-2026"))
	assert.False(t, ValidSegment(""))
	assert.False(t, ValidSegment(".."))
	assert.False(t, ValidSegment("a/b"))
	assert.False(t, ValidSegment(`a\b`))
}
