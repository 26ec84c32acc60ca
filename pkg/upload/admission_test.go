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

package upload

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/lock"
	"github.com/dpres/pifs/pkg/project"
)

func newAdmissionFixture(mt *mtest.T) (*Manager, *lock.Manager, string) {
	mr := miniredis.RunT(mt.T)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mt.Cleanup(func() { _ = client.Close() })
	locks := lock.New(client, time.Minute)

	base := mt.TempDir()
	cfg := &config.Config{
		Storage: config.Storage{
			ProjectsPath: filepath.Join(base, "projects"),
			TmpPath:      filepath.Join(base, "tmp"),
		},
		Upload: config.Upload{
			MaxContentLength:    1 << 30,
			AsyncThresholdBytes: 1 << 20,
			LockTTL:             time.Minute,
			LockTimeout:         2 * time.Second,
		},
	}
	projects := project.NewStore(mt.DB, cfg.Storage.ProjectsPath)
	m := NewManager(cfg, NewStore(mt.DB), projects, nil, nil, locks)
	return m, locks, cfg.Storage.ProjectsPath
}

func projectDoc(id string, quota, used int64) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "quota", Value: quota},
		{Key: "used_quota", Value: used},
	}
}

func emptyAggregate() bson.D {
	return mtest.CreateCursorResponse(0, "pifs.uploads", mtest.FirstBatch)
}

func reservedAggregate(total int64) bson.D {
	return mtest.CreateCursorResponse(0, "pifs.uploads", mtest.FirstBatch,
		bson.D{{Key: "total", Value: total}})
}

func TestCreateAdmitsWhenRecheckFits(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("single admission under quota", func(mt *mtest.T) {
		m, _, _ := newAdmissionFixture(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "pifs.projects", mtest.FirstBatch, projectDoc("alpha", 15, 0)),
			emptyAggregate(),              // reservations before the record exists
			mtest.CreateSuccessResponse(), // record insert
			reservedAggregate(10),         // recheck sees only this upload
		)

		u, err := m.Create(context.Background(), CreateRequest{
			ProjectID: "alpha",
			Path:      "/a.txt",
			Type:      TypeFile,
			Size:      10,
		})
		require.NoError(mt.T, err)
		assert.Equal(mt.T, "/a.txt", u.Path)
		assert.DirExists(mt.T, m.StagingDir(u.ID))
	})
}

func TestCreateBacksOutWhenConcurrentReservationWins(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("the later of two admissions loses the remaining quota", func(mt *mtest.T) {
		m, locks, projectsDir := newAdmissionFixture(mt)
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "pifs.projects", mtest.FirstBatch, projectDoc("alpha", 15, 0)),
			emptyAggregate(),              // the rival record is not visible yet
			mtest.CreateSuccessResponse(), // record insert
			reservedAggregate(20),         // recheck now counts both 10-byte uploads
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}), // record rollback
		)

		_, err := m.Create(context.Background(), CreateRequest{
			ProjectID: "alpha",
			Path:      "/a.txt",
			Type:      TypeFile,
			Size:      10,
		})

		var quota errtypes.IsQuotaExceeded
		assert.ErrorAs(mt.T, err, &quota)

		// the back-out released the path lock
		abs := filepath.Join(projectsDir, "alpha", "a.txt")
		assert.NoError(mt.T, locks.TryAcquire(context.Background(), "alpha", abs))

		// and left no staging directory behind
		entries, rerr := os.ReadDir(m.tmpRoot)
		if rerr == nil {
			assert.Empty(mt.T, entries)
		}
	})
}
