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

	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/pathsafe"
)

// getDatasets lists the datasets referencing files at or below the path and
// flags whether any of them blocks deletion.
func (s *Service) getDatasets(w http.ResponseWriter, r *http.Request) {
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

	if _, err := os.Lstat(abs); err != nil {
		if os.IsNotExist(err) {
			writeError(w, r, errtypes.NotFound("No files found in path "+rel))
			return
		}
		writeError(w, r, errors.Wrap(err, "error checking path"))
		return
	}

	report, err := s.guard.Check(ctx, abs)
	if err != nil {
		writeError(w, r, err)
		return
	}

	datasets := report.Datasets
	if datasets == nil {
		datasets = []catalogue.Dataset{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_path":           rel,
		"datasets":            datasets,
		"has_pending_dataset": report.HasPending,
	})
}
