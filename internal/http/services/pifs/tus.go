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
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	tusd "github.com/tus/tusd/v2/pkg/handler"

	"github.com/dpres/pifs/pkg/metrics"
	"github.com/dpres/pifs/pkg/tasks"
)

const tusBasePath = "/v1/files_tus/"

// newTusHandler builds the tus protocol handler on top of the upload
// manager's data store.
func (s *Service) newTusHandler() (*tusd.UnroutedHandler, error) {
	composer := tusd.NewStoreComposer()
	s.tusStore.UseIn(composer)

	return tusd.NewUnroutedHandler(tusd.Config{
		BasePath:                  tusBasePath,
		StoreComposer:             composer,
		MaxSize:                   s.cfg.Upload.MaxContentLength,
		PreFinishResponseCallback: s.tusPreFinish,
	})
}

// mountTus wires the tus endpoints. The creation request carries the
// project, target path and optional checksum in Upload-Metadata; admission
// runs inside the store's NewUpload.
func (s *Service) mountTus(r chi.Router) {
	h := s.tusHandler
	tusCors := cors.New(cors.Options{
		AllowedMethods: []string{"POST", "HEAD", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "Tus-Resumable", "Upload-Length",
			"Upload-Metadata", "Upload-Offset", "X-HTTP-Method-Override",
		},
		ExposedHeaders: []string{
			"Location", "Tus-Resumable", "Tus-Version", "Tus-Extension",
			"Tus-Max-Size", "Upload-Offset", "Upload-Length", "X-Polling-Url",
		},
	})

	r.Route("/files_tus", func(r chi.Router) {
		r.Use(tusCors.Handler)
		r.Use(h.Middleware)
		r.Post("/", h.PostFile)
		r.Head("/{id}", h.HeadFile)
		r.Patch("/{id}", h.PatchFile)
		r.Delete("/{id}", h.DelFile)
	})
}

// tusPreFinish runs when the final chunk lands. Small uploads publish
// before the protocol response; large ones are queued and the polling URL
// is exposed in a response header.
func (s *Service) tusPreFinish(hook tusd.HookEvent) (tusd.HTTPResponse, error) {
	ctx := hook.Context

	u, err := s.uploads.Get(ctx, hook.Upload.ID)
	if err != nil {
		return tusd.HTTPResponse{}, tusError(err)
	}

	if s.uploads.Async(u.Size) {
		t, err := s.tasks.Create(ctx, u.ProjectID, tasks.QueueUpload, "processing upload "+u.Path)
		if err == nil {
			err = s.tasks.Enqueue(ctx, t, tasks.TypeUploadProcess, tasks.UploadProcessPayload{UploadID: u.ID})
		}
		if err != nil {
			s.uploads.Cleanup(u)
			s.tusStore.RemoveInfo(u.ID)
			return tusd.HTTPResponse{}, tusError(err)
		}
		return tusd.HTTPResponse{
			Header: tusd.HTTPHeader{"X-Polling-Url": pollingURL(t.ID)},
		}, nil
	}

	err = s.uploads.Process(ctx, u)
	s.uploads.Cleanup(u)
	s.tusStore.RemoveInfo(u.ID)
	if err != nil {
		return tusd.HTTPResponse{}, tusError(err)
	}
	metrics.UploadsPublished.WithLabelValues(u.Type).Inc()
	return tusd.HTTPResponse{}, nil
}

// tusError converts an error kind into a tus protocol error so the client
// sees the same status code as the JSON API.
func tusError(err error) error {
	body := classify(err)
	return tusd.NewError("ERR_PIFS_UPLOAD", body.Error, body.Code)
}
