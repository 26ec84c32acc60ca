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

// Package pathsafe resolves user supplied relative paths to absolute paths
// under a root directory and rejects anything that would escape it.
package pathsafe

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/dpres/pifs/pkg/errtypes"
)

// Resolve joins userPath onto root and returns the canonical absolute
// result. The input is treated as relative to root regardless of leading
// slashes. The root itself is a valid target (empty path or "/").
func Resolve(root, userPath string) (string, error) {
	// lexical normalisation, always relative to the root
	rel := strings.TrimLeft(strings.ReplaceAll(userPath, "\\", "/"), "/")
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == "/" {
		return filepath.Clean(root), nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errtypes.InvalidPath(userPath)
	}

	resolved := filepath.Join(root, filepath.FromSlash(cleaned))
	if !IsDescendant(root, resolved) {
		return "", errtypes.InvalidPath(userPath)
	}
	return resolved, nil
}

// Relative returns the project relative form of an absolute path under
// root, always starting with a slash.
func Relative(root, abs string) string {
	rel := strings.TrimPrefix(abs, filepath.Clean(root))
	if rel == "" {
		return "/"
	}
	return filepath.ToSlash(rel)
}

// IsDescendant reports whether p equals root or lives under it. The
// comparison is segment aware so sibling directories with a shared name
// prefix do not match.
func IsDescendant(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// ValidSegment reports whether id is usable as a single path segment, such
// as a project identifier.
func ValidSegment(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "/\\") {
		return false
	}
	return true
}
