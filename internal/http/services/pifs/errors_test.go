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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpres/pifs/pkg/errtypes"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{
			name: "invalid path",
			err:  errtypes.InvalidPath("../escape"),
			code: http.StatusBadRequest,
			msg:  "Invalid path",
		},
		{
			name: "bad request carries its message",
			err:  errtypes.BadRequest("upload is not a supported archive"),
			code: http.StatusBadRequest,
			msg:  "upload is not a supported archive",
		},
		{
			name: "checksum mismatch",
			err:  errtypes.ChecksumMismatch("Checksum of uploaded file does not match provided checksum"),
			code: http.StatusBadRequest,
			msg:  "Checksum of uploaded file does not match provided checksum",
		},
		{
			name: "pending dataset",
			err:  errtypes.HasPendingDataset("File or files belong to a dataset pending preservation"),
			code: http.StatusBadRequest,
			msg:  "File or files belong to a dataset pending preservation",
		},
		{
			name: "invalid credentials",
			err:  errtypes.InvalidCredentials("bad token"),
			code: http.StatusUnauthorized,
			msg:  "Unauthorized",
		},
		{
			name: "permission denied",
			err:  errtypes.PermissionDenied("project demo"),
			code: http.StatusForbidden,
			msg:  "Forbidden",
		},
		{
			name: "not found",
			err:  errtypes.NotFound("No files found in path /a.txt"),
			code: http.StatusNotFound,
			msg:  "No files found in path /a.txt",
		},
		{
			name: "wrapped kinds survive",
			err:  errors.Wrap(errtypes.NotFound("Task not found"), "handler"),
			code: http.StatusNotFound,
			msg:  "Task not found",
		},
		{
			name: "missing content length",
			err:  errtypes.MissingContentLength("/v1/files/demo/a"),
			code: http.StatusLengthRequired,
			msg:  "Missing Content-Length",
		},
		{
			name: "locked",
			err:  errtypes.Locked("/srv/projects/demo/a"),
			code: http.StatusConflict,
			msg:  "The file or folder is currently locked by another task",
		},
		{
			name: "quota exceeded",
			err:  errtypes.QuotaExceeded("/big.bin"),
			code: http.StatusRequestEntityTooLarge,
			msg:  "Quota exceeded",
		},
		{
			name: "max size exceeded",
			err:  errtypes.MaxSizeExceeded("/big.bin"),
			code: http.StatusRequestEntityTooLarge,
			msg:  "Max single file size exceeded",
		},
		{
			name: "unsupported media type",
			err:  errtypes.UnsupportedMediaType("text/html"),
			code: http.StatusUnsupportedMediaType,
			msg:  "Unsupported Media Type",
		},
		{
			name: "unknown errors are scrubbed",
			err:  io.ErrUnexpectedEOF,
			code: http.StatusInternalServerError,
			msg:  "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := classify(tt.err)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, tt.msg, body.Error)
		})
	}
}

func TestClassifyConflictCarriesFiles(t *testing.T) {
	body := classify(errtypes.Conflict{
		Message: "File '/a/b.txt' already exists",
		Files:   []string{"/a/b.txt"},
	})
	assert.Equal(t, http.StatusConflict, body.Code)
	assert.Equal(t, "File '/a/b.txt' already exists", body.Error)
	assert.Equal(t, []string{"/a/b.txt"}, body.Files)
}

func TestWriteErrorShape(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/files/demo/a.txt", nil)

	writeError(w, r, errtypes.Conflict{
		Message: "Some files already exist",
		Files:   []string{"/x.txt", "/y.txt"},
	})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Code  int      `json:"code"`
		Error string   `json:"error"`
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusConflict, body.Code)
	assert.Equal(t, "Some files already exist", body.Error)
	assert.Equal(t, []string{"/x.txt", "/y.txt"}, body.Files)
}

func TestUnmatchedMethodAnswersInErrorShape(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "/files/demo/a.txt", nil)

	s := &Service{}
	s.Routes().ServeHTTP(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Code  int    `json:"code"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusMethodNotAllowed, body.Code)
	assert.Equal(t, "Method not allowed", body.Error)
}

func TestWriteErrorSetsChallengeOn401(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/files/demo", nil)

	writeError(w, r, errtypes.InvalidCredentials("expired token"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}
