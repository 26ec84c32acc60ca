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

// Package pifs exposes the file storage HTTP API under /v1.
package pifs

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	tusd "github.com/tus/tusd/v2/pkg/handler"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/auth"
	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/datasets"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/fileregistry"
	"github.com/dpres/pifs/pkg/lock"
	"github.com/dpres/pifs/pkg/project"
	"github.com/dpres/pifs/pkg/tasks"
	"github.com/dpres/pifs/pkg/trash"
	"github.com/dpres/pifs/pkg/upload"
)

// Service bundles the application components behind the HTTP surface.
type Service struct {
	cfg       *config.Config
	projects  *project.Store
	registry  *fileregistry.Registry
	uploads   *upload.Manager
	tusStore  *upload.TusStore
	trash     *trash.Manager
	guard     *datasets.Guard
	tasks     *tasks.Service
	locks     *lock.Manager
	catalogue *catalogue.Client
	tokens    *auth.TokenStore
	users     *auth.UserStore

	tusHandler *tusd.UnroutedHandler
}

// New wires the service.
func New(cfg *config.Config, projects *project.Store, registry *fileregistry.Registry,
	uploads *upload.Manager, tusStore *upload.TusStore, trashMgr *trash.Manager,
	guard *datasets.Guard, taskSvc *tasks.Service, locks *lock.Manager,
	cat *catalogue.Client, tokens *auth.TokenStore, users *auth.UserStore) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		projects:  projects,
		registry:  registry,
		uploads:   uploads,
		tusStore:  tusStore,
		trash:     trashMgr,
		guard:     guard,
		tasks:     taskSvc,
		locks:     locks,
		catalogue: cat,
		tokens:    tokens,
		users:     users,
	}
	tusStore.TranslateError = tusError

	h, err := s.newTusHandler()
	if err != nil {
		return nil, err
	}
	s.tusHandler = h
	return s, nil
}

// Routes mounts every endpoint of the service.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	// unmatched methods answer in the standard error shape, not chi's
	// plain-text default
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Code:  http.StatusMethodNotAllowed,
			Error: "Method not allowed",
		})
	})

	r.Post("/files/{project}/*", s.postFile)
	r.Get("/files/{project}/*", s.getFile)
	r.Delete("/files/{project}/*", s.deleteFile)
	r.Post("/files/{project}", s.postFile)
	r.Get("/files/{project}", s.getFile)
	r.Delete("/files/{project}", s.deleteFile)

	r.Post("/archives/{project}", s.postArchive)

	s.mountTus(r)

	r.Get("/tasks/{id}", s.getTask)
	r.Delete("/tasks/{id}", s.deleteTask)

	r.Post("/directories/{project}/*", s.postDirectory)

	r.Get("/datasets/{project}/*", s.getDatasets)
	r.Get("/datasets/{project}", s.getDatasets)

	r.Route("/tokens", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/", s.postToken)
		r.Get("/", s.listTokens)
		r.Delete("/{id}", s.deleteToken)
	})

	r.Get("/users/projects", s.getUserProjects)
	r.With(s.requireAdmin).Post("/users", s.postUser)
	r.With(s.requireAdmin).Delete("/users/{username}", s.deleteUser)
	r.With(s.requireAdmin).Post("/users/{username}/projects", s.setUserProjects)

	r.Route("/projects", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/", s.postProject)
		r.Get("/", s.listProjects)
		r.Get("/{project}", s.getProject)
		r.Delete("/{project}", s.deleteProject)
		r.Post("/{project}/rescan", s.rescanProject)
	})

	return r
}

// requireAdmin guards admin-only subtrees.
func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := appctx.GetPrincipal(r.Context())
		if !ok || !p.Admin {
			writeError(w, r, errtypes.PermissionDenied("admin required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizeProject resolves the project route parameter and checks the
// principal against it.
func (s *Service) authorizeProject(r *http.Request) (string, error) {
	projectID := chi.URLParam(r, "project")
	p, ok := appctx.GetPrincipal(r.Context())
	if !ok {
		return "", errtypes.InvalidCredentials("no principal")
	}
	if !p.AllowsProject(projectID) {
		return "", errtypes.PermissionDenied("project " + projectID)
	}
	return projectID, nil
}

// wildcardPath returns the user supplied path behind the project segment.
func wildcardPath(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// pollingURL is where the client polls the task spawned by a 202 response.
func pollingURL(taskID string) string {
	return "/v1/tasks/" + taskID
}
