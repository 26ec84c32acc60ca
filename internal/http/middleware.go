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

package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/auth"
	"github.com/dpres/pifs/pkg/metrics"
)

// requestLogger injects a request scoped logger and writes one access log
// line per request.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := base.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ctx := appctx.WithLogger(r.Context(), &log)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Info().
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("handled request")
		})
	}
}

// instrument records request counts and latencies per chi route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the Authorization header to a principal and stores
// it in the request context. Requests without valid credentials end here.
func authenticate(a *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *appctx.Principal
			var err error

			header := r.Header.Get("Authorization")
			switch {
			case strings.HasPrefix(header, "Bearer "):
				principal, err = a.AuthenticateBearer(r.Context(), strings.TrimPrefix(header, "Bearer "))
			case strings.HasPrefix(header, "Basic "):
				user, pass, ok := r.BasicAuth()
				if !ok {
					unauthorized(w)
					return
				}
				principal, err = a.AuthenticateBasic(r.Context(), user, pass)
			default:
				unauthorized(w)
				return
			}
			if err != nil {
				log := appctx.GetLogger(r.Context())
				log.Debug().Err(err).Msg("authentication failed")
				unauthorized(w)
				return
			}

			ctx := appctx.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="pifs"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":  http.StatusUnauthorized,
		"error": "Unauthorized",
	})
}
