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
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/checksum"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/metrics"
	"github.com/dpres/pifs/pkg/pathsafe"
	"github.com/dpres/pifs/pkg/tasks"
	"github.com/dpres/pifs/pkg/upload"
)

// postFile handles the single-shot file upload. Small uploads publish
// inline; uploads over the async threshold return 202 with a polling URL.
func (s *Service) postFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID, err := s.authorizeProject(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		writeError(w, r, errtypes.UnsupportedMediaType(ct))
		return
	}
	if r.ContentLength < 0 {
		writeError(w, r, errtypes.MissingContentLength(r.URL.Path))
		return
	}

	declared := ""
	if md5 := r.URL.Query().Get("md5"); md5 != "" {
		declared = checksum.MD5 + ":" + md5
	}

	u, err := s.uploads.Create(ctx, upload.CreateRequest{
		ProjectID: projectID,
		Path:      wildcardPath(r),
		Type:      upload.TypeFile,
		Size:      r.ContentLength,
		Checksum:  declared,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.uploads.Receive(ctx, u, r.Body); err != nil {
		s.uploads.Cleanup(u)
		writeError(w, r, err)
		return
	}
	metrics.UploadBytes.Add(float64(u.Offset))

	if s.uploads.Async(u.Size) {
		s.respondQueued(w, r, u)
		return
	}

	err = s.uploads.Process(ctx, u)
	s.uploads.Cleanup(u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.UploadsPublished.WithLabelValues(upload.TypeFile).Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"file_path": u.Path,
		"status":    "created",
	})
}

// respondQueued enqueues background processing for the staged upload and
// answers 202 with the polling URL. The upload is cleaned up on enqueue
// failure so its lock and reservation do not leak.
func (s *Service) respondQueued(w http.ResponseWriter, r *http.Request, u *upload.Upload) {
	ctx := r.Context()
	t, err := s.tasks.Create(ctx, u.ProjectID, tasks.QueueUpload, "processing upload "+u.Path)
	if err != nil {
		s.uploads.Cleanup(u)
		writeError(w, r, err)
		return
	}
	err = s.tasks.Enqueue(ctx, t, tasks.TypeUploadProcess, tasks.UploadProcessPayload{UploadID: u.ID})
	if err != nil {
		_ = s.tasks.Delete(ctx, t.ID)
		s.uploads.Cleanup(u)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"file_path":   u.Path,
		"message":     "Uploading files. Poll the task to see the status.",
		"polling_url": pollingURL(t.ID),
		"status":      string(tasks.StatusPending),
	})
}

// getFile returns the stored metadata of a file or the listing of a
// directory.
func (s *Service) getFile(w http.ResponseWriter, r *http.Request) {
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

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, r, errtypes.NotFound("No files found in path "+rel))
			return
		}
		writeError(w, r, errors.Wrap(err, "error checking path"))
		return
	}

	if !info.IsDir() {
		entry, err := s.registry.Get(ctx, abs)
		if err != nil {
			// stored bytes without a registry record; do not leak the
			// storage path
			if isKind[errtypes.IsNotFound](err) {
				err = errtypes.NotFound("No files found in path " + rel)
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"file_path":  rel,
			"md5":        strings.TrimPrefix(entry.Checksum, checksum.MD5+":"),
			"identifier": entry.Identifier,
			"timestamp":  entry.Timestamp.UTC().Format(time.RFC3339),
		})
		return
	}

	listing, err := os.ReadDir(abs)
	if err != nil {
		writeError(w, r, errors.Wrap(err, "error listing directory"))
		return
	}
	files := []string{}
	directories := []string{}
	for _, e := range listing {
		if e.IsDir() {
			directories = append(directories, e.Name())
		} else {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(directories)

	// fresh directories have no catalogue record yet; identifier stays null
	var identifier interface{}
	if dir, err := s.catalogue.GetProjectDirectory(ctx, projectID, rel); err == nil {
		identifier = dir.Identifier
	} else if !isKind[errtypes.IsNotAvailable](err) {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identifier":  identifier,
		"directories": directories,
		"files":       files,
	})
}

// deleteFile deletes a file synchronously, or stages a directory into trash
// and finishes the deletion in a background job. The project lock taken for
// a directory delete is released by the job, not the request.
func (s *Service) deleteFile(w http.ResponseWriter, r *http.Request) {
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

	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, r, errtypes.NotFound("No files found in path "+rel))
			return
		}
		writeError(w, r, errors.Wrap(err, "error checking path"))
		return
	}

	if !info.IsDir() {
		err := s.locks.WithLock(ctx, projectID, abs, s.cfg.Upload.LockTimeout, func() error {
			_, derr := s.trash.Delete(ctx, projectID, rel)
			return derr
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"file_path": rel,
			"message":   "deleted",
		})
		return
	}

	if err := s.locks.Acquire(ctx, projectID, abs, s.cfg.Upload.LockTimeout); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.trash.Stage(ctx, projectID, rel)
	if err != nil {
		_ = s.locks.Release(ctx, projectID, abs)
		writeError(w, r, err)
		return
	}

	t, err := s.tasks.Create(ctx, projectID, tasks.QueueFiles, "Deleting files and metadata: "+rel)
	if err == nil {
		err = s.tasks.Enqueue(ctx, t, tasks.TypeFilesPurge, tasks.FilesPurgePayload{
			Token:     st.Token,
			ProjectID: st.ProjectID,
			Path:      st.Path,
			IsDir:     st.IsDir,
		})
	}
	if err != nil {
		_ = s.locks.Release(ctx, projectID, abs)
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"file_path":   rel,
		"message":     "Deleting files and metadata",
		"polling_url": pollingURL(t.ID),
		"status":      string(tasks.StatusPending),
	})
}
