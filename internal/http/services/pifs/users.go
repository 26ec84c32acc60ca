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

	"github.com/go-chi/chi/v5"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/project"
)

// getUserProjects lists the projects the current principal may access,
// with their quota state. Admin principals see every project.
func (s *Service) getUserProjects(w http.ResponseWriter, r *http.Request) {
	p, ok := appctx.GetPrincipal(r.Context())
	if !ok {
		writeError(w, r, errtypes.InvalidCredentials("no principal"))
		return
	}

	var ids []string
	if !p.Admin {
		ids = p.Projects
		if ids == nil {
			ids = []string{}
		}
	}
	out, err := s.projects.List(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []*project.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"projects": out})
}

type createUserRequest struct {
	Username string   `json:"username"`
	Projects []string `json:"projects"`
}

// postUser provisions a basic auth account. The generated password appears
// only in this response.
func (s *Service) postUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errtypes.BadRequest("invalid JSON body"))
		return
	}
	if req.Username == "" {
		writeError(w, r, errtypes.BadRequest("username is required"))
		return
	}

	password, u, err := s.users.Create(r.Context(), req.Username, req.Projects)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": u.Username,
		"projects": u.Projects,
		"password": password,
	})
}

// deleteUser removes an account. Tokens minted for the user stay valid
// until they expire or are revoked.
func (s *Service) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.users.Delete(r.Context(), chi.URLParam(r, "username")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

type setUserProjectsRequest struct {
	Projects []string `json:"projects"`
}

// setUserProjects replaces the project grants of an account.
func (s *Service) setUserProjects(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	var req setUserProjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errtypes.BadRequest("invalid JSON body"))
		return
	}
	if err := s.users.SetProjects(r.Context(), username, req.Projects); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"projects": req.Projects,
	})
}
