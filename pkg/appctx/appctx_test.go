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

package appctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowsProject(t *testing.T) {
	admin := &Principal{Username: "admin", Admin: true}
	assert.True(t, admin.AllowsProject("any"))

	scoped := &Principal{Username: "u", Projects: []string{"one", "two"}}
	assert.True(t, scoped.AllowsProject("one"))
	assert.False(t, scoped.AllowsProject("three"))

	// nil grants cover every project of the user
	open := &Principal{Username: "u"}
	assert.True(t, open.AllowsProject("anything"))

	empty := &Principal{Username: "u", Projects: []string{}}
	assert.False(t, empty.AllowsProject("anything"))
}

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, ok := GetPrincipal(ctx)
	assert.False(t, ok)

	p := &Principal{Username: "u"}
	got, ok := GetPrincipal(WithPrincipal(ctx, p))
	assert.True(t, ok)
	assert.Same(t, p, got)
}

func TestGetLoggerNeverNil(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
}
