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

// Package appctx carries request and job scoped values: the logger and the
// authenticated principal.
package appctx

import (
	"context"

	"github.com/rs/zerolog"
)

type key int

const (
	logKey key = iota
	principalKey
)

// WithLogger returns a context with an associated logger.
func WithLogger(ctx context.Context, l *zerolog.Logger) context.Context {
	return context.WithValue(ctx, logKey, l)
}

// GetLogger returns the logger associated with the context or a disabled
// logger if none was set.
func GetLogger(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(logKey).(*zerolog.Logger); ok {
		return l
	}
	nop := zerolog.Nop()
	return &nop
}

// Principal is the authenticated identity a request resolves to.
// Projects nil means the principal may access all of its user's projects.
type Principal struct {
	Username string
	Projects []string
	Admin    bool
}

// AllowsProject reports whether the principal may operate on the project.
func (p *Principal) AllowsProject(projectID string) bool {
	if p.Admin || p.Projects == nil {
		return true
	}
	for _, id := range p.Projects {
		if id == projectID {
			return true
		}
	}
	return false
}

// WithPrincipal returns a context with an associated principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal returns the principal associated with the context, if any.
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}
