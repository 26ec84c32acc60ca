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

package trash

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/datasets"
	"github.com/dpres/pifs/pkg/fileregistry"
	"github.com/dpres/pifs/pkg/project"
)

func entryDoc(path, identifier string) bson.D {
	return bson.D{
		{Key: "_id", Value: path},
		{Key: "checksum", Value: "md5:d41d8cd98f00b204e9800998ecf8427e"},
		{Key: "identifier", Value: identifier},
		{Key: "timestamp", Value: time.Now().UTC()},
	}
}

// newCatalogueStub serves the three catalogue calls a purge makes and
// records which file identifiers were deleted downstream.
func newCatalogueStub(t *testing.T, deleted *[]string) *catalogue.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/datasets":
			_ = json.NewEncoder(w).Encode(map[string][]string{
				"id-a": {"ds-1"},
				"id-b": {},
			})
		case "/datasets/ds-1":
			_ = json.NewEncoder(w).Encode(catalogue.Dataset{
				Identifier:        "ds-1",
				PreservationState: catalogue.PreservationStateAccepted,
			})
		case "/files/delete-many":
			var body struct {
				IDs []string `json:"storage_identifiers"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			*deleted = append(*deleted, body.IDs...)
			_ = json.NewEncoder(w).Encode(map[string]int{"deleted_count": len(body.IDs)})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return catalogue.New(config.Catalogue{BaseURL: srv.URL, Timeout: 5 * time.Second}, "test-storage")
}

func TestPurgeKeepsPreservedCatalogueRecords(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("registry rows go, preserved catalogue rows stay", func(mt *mtest.T) {
		base := mt.TempDir()
		projectsDir := filepath.Join(base, "projects")
		trashRoot := filepath.Join(base, "trash")

		var deletedDownstream []string
		cat := newCatalogueStub(mt.T, &deletedDownstream)
		registry := fileregistry.NewRegistry(mt.DB)
		projects := project.NewStore(mt.DB, projectsDir)
		guard := datasets.NewGuard(registry, cat)
		m := NewManager(trashRoot, projects, registry, cat, guard)

		// staged bytes awaiting purge
		st := &Staged{Token: "tok-1", ProjectID: "alpha", Path: "/data", IsDir: true}
		staged := filepath.Join(trashRoot, st.Token, "alpha", "data")
		require.NoError(mt.T, os.MkdirAll(staged, 0o775))
		require.NoError(mt.T, os.WriteFile(filepath.Join(staged, "a.txt"), []byte("gone"), 0o664))

		origAbs := filepath.Join(projectsDir, "alpha", "data")
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "pifs.files", mtest.FirstBatch,
				entryDoc(filepath.Join(origAbs, "a.txt"), "id-a"),
				entryDoc(filepath.Join(origAbs, "b.txt"), "id-b"),
			),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}), // registry rows by identifier
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)

		deleted, err := m.Purge(context.Background(), st)
		require.NoError(mt.T, err)

		// both registry rows went
		assert.Equal(mt.T, int64(2), deleted)
		// only the unpreserved file left the catalogue
		assert.Equal(mt.T, []string{"id-b"}, deletedDownstream)
		// the trash token directory is gone
		assert.NoDirExists(mt.T, filepath.Join(trashRoot, st.Token))
	})
}
