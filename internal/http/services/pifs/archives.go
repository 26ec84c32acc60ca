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

	"github.com/dpres/pifs/pkg/checksum"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/metrics"
	"github.com/dpres/pifs/pkg/upload"
)

// postArchive accepts an archive upload for server-side extraction. The
// body is staged inline; validation, extraction and publication always run
// in the background because extracted sizes are unbounded.
func (s *Service) postArchive(w http.ResponseWriter, r *http.Request) {
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
		Path:      r.URL.Query().Get("dir"),
		Type:      upload.TypeArchive,
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

	s.respondQueued(w, r, u)
}
