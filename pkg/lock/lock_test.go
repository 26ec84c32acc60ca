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

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpres/pifs/pkg/errtypes"
)

func newManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, ttl)
}

func TestTryAcquireBlocksAncestorsAndDescendants(t *testing.T) {
	m := newManager(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a/b"))

	// same path, descendant and ancestor all conflict
	for _, p := range []string{
		"/srv/projects/demo/a/b",
		"/srv/projects/demo/a/b/c.txt",
		"/srv/projects/demo/a",
		"/srv/projects/demo",
	} {
		err := m.TryAcquire(ctx, "demo", p)
		var locked errtypes.IsLocked
		assert.ErrorAs(t, err, &locked, p)
	}

	// siblings do not, including ones sharing a name prefix
	assert.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a/bc"))
	assert.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/x"))
}

func TestLocksAreScopedPerProject(t *testing.T) {
	m := newManager(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.TryAcquire(ctx, "one", "/srv/projects/one/a"))
	assert.NoError(t, m.TryAcquire(ctx, "two", "/srv/projects/one/a"))
}

func TestExpiredLocksAreSweptLazily(t *testing.T) {
	m := newManager(t, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a"))
	time.Sleep(20 * time.Millisecond)

	assert.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newManager(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a"))
	require.NoError(t, m.Release(ctx, "demo", "/srv/projects/demo/a"))
	require.NoError(t, m.Release(ctx, "demo", "/srv/projects/demo/a"))

	assert.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a"))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	m := newManager(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a"))

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, "demo", "/srv/projects/demo/a", 5*time.Second)
	}()

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, m.Release(ctx, "demo", "/srv/projects/demo/a"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not complete after release")
	}
}

func TestAcquireTimesOutLocked(t *testing.T) {
	m := newManager(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a"))

	err := m.Acquire(ctx, "demo", "/srv/projects/demo/a", 300*time.Millisecond)
	var locked errtypes.IsLocked
	assert.ErrorAs(t, err, &locked)
}

func TestWithLockReleasesOnError(t *testing.T) {
	m := newManager(t, time.Hour)
	ctx := context.Background()

	err := m.WithLock(ctx, "demo", "/srv/projects/demo/a", time.Second, func() error {
		return errtypes.BadRequest("boom")
	})
	require.Error(t, err)

	assert.NoError(t, m.TryAcquire(ctx, "demo", "/srv/projects/demo/a"))
}
