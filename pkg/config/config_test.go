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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":5000", c.HTTP.Address)
	assert.Equal(t, int64(50<<30), c.Upload.MaxContentLength)
	assert.Equal(t, int64(64<<20), c.Upload.AsyncThresholdBytes)
	assert.Equal(t, 4*time.Hour, c.Upload.LockTTL)
	assert.Equal(t, "pifs", c.Mongo.Database)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, 4, c.Worker.Concurrency)
	assert.Equal(t, time.Hour, c.Auth.SessionSweepInterval)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pifs.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
[http]
address = ":8080"

[upload]
max_content_length = 1024
lock_ttl = "30m"

[log]
level = "debug"
mode = "console"
`), 0o644))

	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTP.Address)
	assert.Equal(t, int64(1024), c.Upload.MaxContentLength)
	assert.Equal(t, 30*time.Minute, c.Upload.LockTTL)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "console", c.Log.Mode)
	// untouched sections keep their defaults
	assert.Equal(t, "localhost:6379", c.Redis.Address)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pifs.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
[http]
adress = ":8080"
`), 0o644))

	_, err := Load(p)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pifs.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
[redis]
address = "file:6379"
`), 0o644))

	t.Setenv("REDIS_ADDRESS", "env:6379")
	t.Setenv("MAX_CONTENT_LENGTH", "2048")
	t.Setenv("UPLOAD_LOCK_TTL", "1h")

	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "env:6379", c.Redis.Address)
	assert.Equal(t, int64(2048), c.Upload.MaxContentLength)
	assert.Equal(t, time.Hour, c.Upload.LockTTL)
}

func TestEnvRejectsMalformedNumbers(t *testing.T) {
	t.Setenv("MAX_CONTENT_LENGTH", "lots")

	_, err := Load("")
	assert.Error(t, err)
}
