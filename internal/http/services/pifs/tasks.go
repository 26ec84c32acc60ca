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

	"github.com/go-chi/chi/v5"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/tasks"
)

// getTask polls a task. A terminal task is deleted on the way out, so the
// caller observes the result exactly once and a repeat poll returns 404.
func (s *Service) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	// authorization runs inside Pop, before the destructive read, so a
	// stranger cannot consume someone else's terminal result
	t, err := s.tasks.Pop(ctx, id, func(t *tasks.Task) error {
		return authorizeTask(r, t)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskBody(t))
}

// deleteTask removes a task without reading it.
func (s *Service) deleteTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := authorizeTask(r, t); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

func authorizeTask(r *http.Request, t *tasks.Task) error {
	p, ok := appctx.GetPrincipal(r.Context())
	if !ok {
		return errtypes.InvalidCredentials("no principal")
	}
	if !p.AllowsProject(t.ProjectID) {
		return errtypes.PermissionDenied("task " + t.ID)
	}
	return nil
}

func taskBody(t *tasks.Task) map[string]interface{} {
	body := map[string]interface{}{
		"status":  t.Status,
		"message": t.Message,
	}
	if len(t.Errors) > 0 {
		body["errors"] = t.Errors
	}
	return body
}
