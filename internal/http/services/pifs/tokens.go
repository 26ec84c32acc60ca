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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dpres/pifs/pkg/auth"
	"github.com/dpres/pifs/pkg/errtypes"
)

type createTokenRequest struct {
	Name     string   `json:"name"`
	Username string   `json:"username"`
	Projects []string `json:"projects"`
	Admin    bool     `json:"admin"`
	Session  bool     `json:"session"`
	// ExpiresAt is RFC 3339; empty means the token never expires.
	ExpiresAt string `json:"expiration_date"`
}

// postToken mints a token. The plaintext appears only in this response.
func (s *Service) postToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errtypes.BadRequest("invalid JSON body"))
		return
	}
	if req.Name == "" || req.Username == "" {
		writeError(w, r, errtypes.BadRequest("name and username are required"))
		return
	}

	var expires *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, r, errtypes.BadRequest("invalid expiration_date"))
			return
		}
		expires = &t
	}

	plain, t, err := s.tokens.Create(r.Context(), auth.Token{
		Name:       req.Name,
		Username:   req.Username,
		ProjectIDs: req.Projects,
		Admin:      req.Admin,
		Session:    req.Session,
		ExpiresAt:  expires,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identifier": t.ID,
		"token":      plain,
	})
}

// listTokens lists the tokens of a user.
func (s *Service) listTokens(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, r, errtypes.BadRequest("username query parameter is required"))
		return
	}
	out, err := s.tokens.List(r.Context(), username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if out == nil {
		out = []*auth.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

// deleteToken revokes a token.
func (s *Service) deleteToken(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}
