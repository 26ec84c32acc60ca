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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
)

func tusUploadDoc(id, projectID string, isTus bool) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "project", Value: projectID},
		{Key: "path", Value: "/a.txt"},
		{Key: "type", Value: TypeFile},
		{Key: "size", Value: int64(4)},
		{Key: "is_tus", Value: isTus},
	}
}

func TestGetUploadAuthorizesProject(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("a foreign principal cannot resume by id", func(mt *mtest.T) {
		m := NewManager(&config.Config{}, NewStore(mt.DB), nil, nil, nil, nil)
		s := NewTusStore(m, mt.TempDir())
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "pifs.uploads", mtest.FirstBatch, tusUploadDoc("u1", "alpha", true)),
		)

		ctx := appctx.WithPrincipal(context.Background(),
			&appctx.Principal{Username: "eve", Projects: []string{"beta"}})
		_, err := s.GetUpload(ctx, "u1")

		var denied errtypes.IsPermissionDenied
		assert.ErrorAs(mt.T, err, &denied)
	})

	mt.Run("the owning principal resumes", func(mt *mtest.T) {
		m := NewManager(&config.Config{}, NewStore(mt.DB), nil, nil, nil, nil)
		s := NewTusStore(m, mt.TempDir())
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "pifs.uploads", mtest.FirstBatch, tusUploadDoc("u1", "alpha", true)),
		)

		ctx := appctx.WithPrincipal(context.Background(),
			&appctx.Principal{Username: "owner", Projects: []string{"alpha"}})
		got, err := s.GetUpload(ctx, "u1")
		require.NoError(mt.T, err)
		assert.Equal(mt.T, "alpha", Record(got).ProjectID)
	})

	mt.Run("single shot uploads are invisible to the protocol", func(mt *mtest.T) {
		m := NewManager(&config.Config{}, NewStore(mt.DB), nil, nil, nil, nil)
		s := NewTusStore(m, mt.TempDir())
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "pifs.uploads", mtest.FirstBatch, tusUploadDoc("u1", "alpha", false)),
		)

		ctx := appctx.WithPrincipal(context.Background(),
			&appctx.Principal{Username: "owner", Projects: []string{"alpha"}})
		_, err := s.GetUpload(ctx, "u1")

		var nf errtypes.IsNotFound
		assert.ErrorAs(mt.T, err, &nf)
	})
}
