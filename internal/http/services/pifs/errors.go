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

	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/errtypes"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code  int      `json:"code"`
	Error string   `json:"error"`
	Files []string `json:"files,omitempty"`
}

// lockedMessage is the user visible serialisation of a held lock.
const lockedMessage = "The file or folder is currently locked by another task"

// classify maps an error kind to its wire representation. Unknown errors
// come back as a scrubbed 500; the caller logs the original.
func classify(err error) errorBody {
	switch {
	case isKind[errtypes.IsInvalidPath](err):
		return errorBody{Code: http.StatusBadRequest, Error: "Invalid path"}
	case isKind[errtypes.IsChecksumMismatch](err),
		isKind[errtypes.IsBadRequest](err),
		isKind[errtypes.IsHasPendingDataset](err):
		return errorBody{Code: http.StatusBadRequest, Error: kindMessage(err)}
	case isKind[errtypes.IsInvalidCredentials](err):
		return errorBody{Code: http.StatusUnauthorized, Error: "Unauthorized"}
	case isKind[errtypes.IsPermissionDenied](err):
		return errorBody{Code: http.StatusForbidden, Error: "Forbidden"}
	case isKind[errtypes.IsNotFound](err):
		return errorBody{Code: http.StatusNotFound, Error: kindMessage(err)}
	case isKind[errtypes.IsMissingContentLength](err):
		return errorBody{Code: http.StatusLengthRequired, Error: "Missing Content-Length"}
	case isKind[errtypes.IsConflict](err):
		body := errorBody{Code: http.StatusConflict, Error: kindMessage(err)}
		var conflict errtypes.Conflict
		if errors.As(err, &conflict) {
			body.Error = conflict.Message
			body.Files = conflict.Files
		}
		return body
	case isKind[errtypes.IsLocked](err):
		return errorBody{Code: http.StatusConflict, Error: lockedMessage}
	case isKind[errtypes.IsQuotaExceeded](err):
		return errorBody{Code: http.StatusRequestEntityTooLarge, Error: "Quota exceeded"}
	case isKind[errtypes.IsMaxSizeExceeded](err):
		return errorBody{Code: http.StatusRequestEntityTooLarge, Error: "Max single file size exceeded"}
	case isKind[errtypes.IsUnsupportedMediaType](err):
		return errorBody{Code: http.StatusUnsupportedMediaType, Error: "Unsupported Media Type"}
	default:
		return errorBody{Code: http.StatusInternalServerError, Error: "Internal server error"}
	}
}

// writeError translates an error into its HTTP response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := classify(err)
	if body.Code == http.StatusInternalServerError {
		log := appctx.GetLogger(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("internal error")
	}
	if body.Code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pifs"`)
	}
	writeJSON(w, body.Code, body)
}

// isKind reports whether any error in the chain implements the kind
// interface.
func isKind[T any](err error) bool {
	var kind T
	return errors.As(err, &kind)
}

// kindMessage unwraps to the innermost cause so wire messages do not carry
// wrapper prefixes.
func kindMessage(err error) string {
	return errors.Cause(err).Error()
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
