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

// Package lock implements per project hierarchical path locks on Redis.
//
// Each project owns one hash mapping locked paths to expiry deadlines in
// epoch milliseconds. Acquire runs as a Lua script so the expiry sweep, the
// prefix check and the insert are atomic. Two paths conflict when one is a
// segment-wise prefix of the other; siblings never interact.
package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/errtypes"
)

const keyPrefix = "pifs:lock:"

// retryInterval is how often a timed acquire re-attempts a contended lock.
const retryInterval = 200 * time.Millisecond

// acquireScript deletes expired entries lazily, refuses when any live entry
// covers or is covered by the requested path and inserts otherwise.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local path = ARGV[1]
local now = tonumber(ARGV[2])
local deadline = ARGV[3]

local function covers(a, b)
	if a == b then
		return true
	end
	return string.sub(b, 1, #a + 1) == a .. "/"
end

local fields = redis.call('HGETALL', key)
for i = 1, #fields, 2 do
	local held = fields[i]
	local dl = tonumber(fields[i + 1])
	if dl ~= nil and dl <= now then
		redis.call('HDEL', key, held)
	elseif covers(held, path) or covers(path, held) then
		return 0
	end
end
redis.call('HSET', key, path, deadline)
return 1
`)

// Manager serialises operations on overlapping paths within a project.
type Manager struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a manager using the given Redis client and default TTL.
func New(client *redis.Client, ttl time.Duration) *Manager {
	return &Manager{client: client, ttl: ttl}
}

func lockKey(projectID string) string {
	return keyPrefix + projectID
}

// TryAcquire attempts a single atomic acquire of path for the project.
// It returns errtypes.Locked when a conflicting lock is held.
func (m *Manager) TryAcquire(ctx context.Context, projectID, path string) error {
	now := time.Now()
	deadline := now.Add(m.ttl).UnixMilli()

	res, err := acquireScript.Run(ctx, m.client, []string{lockKey(projectID)},
		path, strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(deadline, 10)).Int()
	if err != nil {
		return errors.Wrap(err, "lock: error running acquire script")
	}
	if res != 1 {
		return errtypes.Locked(path)
	}
	return nil
}

// Acquire retries TryAcquire with a constant backoff until timeout elapses,
// then fails with errtypes.Locked.
func (m *Manager) Acquire(ctx context.Context, projectID, path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	op := func() error {
		err := m.TryAcquire(ctx, projectID, path)
		if err == nil {
			return nil
		}
		lastErr = err
		var locked errtypes.IsLocked
		if errors.As(err, &locked) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(retryInterval), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// Release drops the lock on path. Releasing an expired or already released
// lock is not an error.
func (m *Manager) Release(ctx context.Context, projectID, path string) error {
	if err := m.client.HDel(ctx, lockKey(projectID), path).Err(); err != nil {
		return errors.Wrap(err, "lock: error releasing")
	}
	return nil
}

// WithLock runs fn while holding the lock on path and releases it on the
// way out regardless of the outcome.
func (m *Manager) WithLock(ctx context.Context, projectID, path string, timeout time.Duration, fn func() error) error {
	if err := m.Acquire(ctx, projectID, path, timeout); err != nil {
		return err
	}
	defer func() {
		// use a fresh context so release still happens when ctx is done
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Release(rctx, projectID, path)
	}()
	return fn()
}
