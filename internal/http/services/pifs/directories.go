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

package pifs

import (
	"net/http"
	"os"

	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/pathsafe"
)

// postDirectory creates an empty directory inside the project tree.
func (s *Service) postDirectory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, err := s.authorizeProject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	root := s.projects.Directory(projectID)
	abs, err := pathsafe.Resolve(root, wildcardPath(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rel := pathsafe.Relative(root, abs)
	if rel == "/" {
		writeError(w, r, errtypes.InvalidPath(rel))
		return
	}

	err = s.locks.WithLock(ctx, projectID, abs, s.cfg.Upload.LockTimeout, func() error {
		if _, serr := os.Lstat(abs); serr == nil {
			return errtypes.Conflict{Message: "Directory '" + rel + "' already exists", Files: []string{rel}}
		}
		return errors.Wrap(os.MkdirAll(abs, 0o775), "error creating directory")
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"dir_path": rel,
		"status":   "created",
	})
}
