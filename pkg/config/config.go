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

// Package config loads the immutable service configuration from a TOML file
// with environment variable overrides for deployment specific values.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Config is the complete service configuration. It is built once at startup
// and passed explicitly to every constructor.
type Config struct {
	HTTP      HTTP      `mapstructure:"http"`
	Storage   Storage   `mapstructure:"storage"`
	Upload    Upload    `mapstructure:"upload"`
	Mongo     Mongo     `mapstructure:"mongo"`
	Redis     Redis     `mapstructure:"redis"`
	Catalogue Catalogue `mapstructure:"catalogue"`
	Auth      Auth      `mapstructure:"auth"`
	Log       Log       `mapstructure:"log"`
	Worker    Worker    `mapstructure:"worker"`
}

// HTTP configures the listener.
type HTTP struct {
	Address string `mapstructure:"address"`
}

// Storage configures the on-disk layout.
type Storage struct {
	ProjectsPath string `mapstructure:"projects_path"`
	TmpPath      string `mapstructure:"tmp_path"`
	TrashPath    string `mapstructure:"trash_path"`
	TusPath      string `mapstructure:"tus_path"`
	// StorageID is the literal value written into every outgoing catalogue
	// record.
	StorageID string `mapstructure:"storage_id"`
}

// Upload configures admission and processing limits.
type Upload struct {
	MaxContentLength    int64         `mapstructure:"max_content_length"`
	AsyncThresholdBytes int64         `mapstructure:"async_threshold_bytes"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	LockTimeout         time.Duration `mapstructure:"lock_timeout"`
}

// Mongo configures the document store connection.
type Mongo struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// Redis configures the lock and queue backend.
type Redis struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Catalogue configures the downstream metadata catalogue client.
type Catalogue struct {
	BaseURL  string        `mapstructure:"base_url"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Auth configures authentication.
type Auth struct {
	// AdminToken bypasses the token store.
	AdminToken string        `mapstructure:"admin_token"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	// SessionSweepInterval is how often expired session tokens are removed
	// from the store.
	SessionSweepInterval time.Duration `mapstructure:"session_sweep_interval"`
}

// Log configures the root logger.
type Log struct {
	Level string `mapstructure:"level"`
	Mode  string `mapstructure:"mode"`
}

// Worker configures the background job server.
type Worker struct {
	Concurrency int           `mapstructure:"concurrency"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
	FailedTTL   time.Duration `mapstructure:"failed_ttl"`
}

// Load reads the TOML file at path, applies defaults and environment
// overrides and returns the resulting configuration. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	raw := map[string]interface{}{}
	if path != "" {
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, errors.Wrap(err, "config: error decoding toml")
		}
	}

	c := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      c,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "config: error decoding conf")
	}

	c.init()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) init() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":5000"
	}
	if c.Storage.ProjectsPath == "" {
		c.Storage.ProjectsPath = "/var/lib/pifs/projects"
	}
	if c.Storage.TmpPath == "" {
		c.Storage.TmpPath = "/var/lib/pifs/tmp"
	}
	if c.Storage.TrashPath == "" {
		c.Storage.TrashPath = "/var/lib/pifs/trash"
	}
	if c.Storage.TusPath == "" {
		c.Storage.TusPath = "/var/lib/pifs/tus"
	}
	if c.Storage.StorageID == "" {
		c.Storage.StorageID = "urn:nbn:fi:pre-ingest"
	}
	if c.Upload.MaxContentLength == 0 {
		c.Upload.MaxContentLength = 50 << 30
	}
	if c.Upload.AsyncThresholdBytes == 0 {
		c.Upload.AsyncThresholdBytes = 64 << 20
	}
	if c.Upload.LockTTL == 0 {
		c.Upload.LockTTL = 4 * time.Hour
	}
	if c.Upload.LockTimeout == 0 {
		c.Upload.LockTimeout = 3 * time.Second
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "pifs"
	}
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Catalogue.Timeout == 0 {
		c.Catalogue.Timeout = 30 * time.Second
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = 30 * time.Second
	}
	if c.Auth.SessionSweepInterval == 0 {
		c.Auth.SessionSweepInterval = time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "json"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.JobTimeout == 0 {
		c.Worker.JobTimeout = 12 * time.Hour
	}
	if c.Worker.FailedTTL == 0 {
		c.Worker.FailedTTL = 7 * 24 * time.Hour
	}
}

// applyEnv overrides file values with the documented environment keys.
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("UPLOAD_PROJECTS_PATH", &c.Storage.ProjectsPath)
	setString("UPLOAD_TMP_PATH", &c.Storage.TmpPath)
	setString("UPLOAD_TRASH_PATH", &c.Storage.TrashPath)
	setString("STORAGE_ID", &c.Storage.StorageID)
	setString("CATALOGUE_BASE_URL", &c.Catalogue.BaseURL)
	setString("CATALOGUE_USER", &c.Catalogue.User)
	setString("CATALOGUE_PASSWORD", &c.Catalogue.Password)
	setString("REDIS_ADDRESS", &c.Redis.Address)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("MONGO_URI", &c.Mongo.URI)
	setString("MONGO_DATABASE", &c.Mongo.Database)
	setString("ADMIN_TOKEN", &c.Auth.AdminToken)

	if v, ok := os.LookupEnv("MAX_CONTENT_LENGTH"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "config: invalid MAX_CONTENT_LENGTH")
		}
		c.Upload.MaxContentLength = n
	}
	if v, ok := os.LookupEnv("UPLOAD_ASYNC_THRESHOLD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "config: invalid UPLOAD_ASYNC_THRESHOLD_BYTES")
		}
		c.Upload.AsyncThresholdBytes = n
	}
	if v, ok := os.LookupEnv("UPLOAD_LOCK_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "config: invalid UPLOAD_LOCK_TTL")
		}
		c.Upload.LockTTL = d
	}
	if v, ok := os.LookupEnv("UPLOAD_LOCK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "config: invalid UPLOAD_LOCK_TIMEOUT")
		}
		c.Upload.LockTimeout = d
	}
	return nil
}
