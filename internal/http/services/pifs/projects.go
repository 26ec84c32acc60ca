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
	"encoding/json"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/project"
	"github.com/dpres/pifs/pkg/tasks"
)

type createProjectRequest struct {
	Identifier string `json:"identifier"`
	Quota      int64  `json:"quota"`
}

// postProject creates a project and its directory.
func (s *Service) postProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errtypes.BadRequest("invalid JSON body"))
		return
	}
	p, err := s.projects.Create(r.Context(), req.Identifier, req.Quota)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// listProjects lists every project.
func (s *Service) listProjects(w http.ResponseWriter, r *http.Request) {
	out, err := s.projects.List(r.Context(), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []*project.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": out})
}

// getProject returns one project.
func (s *Service) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.Get(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// deleteProject removes the project record and directory. Deletion is
// refused while any dataset under the project is pending preservation;
// catalogue metadata cleanup runs as a background job.
func (s *Service) deleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID := chi.URLParam(r, "project")

	if _, err := s.projects.Get(ctx, projectID); err != nil {
		writeError(w, r, err)
		return
	}
	root := s.projects.Directory(projectID)
	if _, err := s.guard.CheckDeletable(ctx, root); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.projects.Delete(ctx, projectID); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.registry.DeleteUnder(ctx, root); err != nil {
		writeError(w, r, err)
		return
	}
	if err := os.RemoveAll(root); err != nil {
		writeError(w, r, errors.Wrap(err, "error removing project directory"))
		return
	}

	t, err := s.tasks.Create(ctx, projectID, tasks.QueueMetadata, "Deleting metadata: "+projectID)
	if err == nil {
		err = s.tasks.Enqueue(ctx, t, tasks.TypeMetadataDelete, tasks.MetadataDeletePayload{ProjectID: projectID})
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":     "Deleting project",
		"polling_url": pollingURL(t.ID),
		"status":      string(tasks.StatusPending),
	})
}

// rescanProject reconciles used_quota to the bytes on disk.
func (s *Service) rescanProject(w http.ResponseWriter, r *http.Request) {
	used, err := s.projects.RecalculateUsedQuota(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"used_quota": used})
}
