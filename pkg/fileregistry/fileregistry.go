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

// Package fileregistry persists the mapping from absolute storage paths to
// checksums and catalogue identifiers. A registry entry exists exactly when
// the published file exists on disk.
package fileregistry

import (
	"context"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dpres/pifs/pkg/errtypes"
)

// Entry is one stored file.
type Entry struct {
	Path       string    `bson:"_id"`
	Checksum   string    `bson:"checksum"`
	Identifier string    `bson:"identifier"`
	Timestamp  time.Time `bson:"timestamp"`
}

// Registry is the MongoDB files collection.
type Registry struct {
	coll *mongo.Collection
}

// NewRegistry returns the registry backed by the given database.
func NewRegistry(db *mongo.Database) *Registry {
	return &Registry{coll: db.Collection("files")}
}

// EnsureIndexes creates the unique index on the catalogue identifier.
func (r *Registry) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identifier", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Wrap(err, "fileregistry: error creating indexes")
}

// InsertMany stores entries for newly published files in one call.
func (r *Registry) InsertMany(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(entries))
	for i, e := range entries {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		docs[i] = e
	}
	if _, err := r.coll.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errtypes.Conflict{Message: "file already registered"}
		}
		return errors.Wrap(err, "fileregistry: error inserting")
	}
	return nil
}

// Get returns the entry for an absolute path.
func (r *Registry) Get(ctx context.Context, path string) (*Entry, error) {
	e := &Entry{}
	err := r.coll.FindOne(ctx, bson.M{"_id": path}).Decode(e)
	if err == mongo.ErrNoDocuments {
		return nil, errtypes.NotFound(path)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fileregistry: error reading")
	}
	return e, nil
}

// underFilter matches the path itself and everything below it.
func underFilter(path string) bson.M {
	quoted := regexp.QuoteMeta(path)
	return bson.M{"_id": bson.M{"$regex": "^" + quoted + "(/|$)"}}
}

// ListUnder returns every entry at or below the given absolute path.
func (r *Registry) ListUnder(ctx context.Context, path string) ([]Entry, error) {
	cur, err := r.coll.Find(ctx, underFilter(path))
	if err != nil {
		return nil, errors.Wrap(err, "fileregistry: error listing")
	}
	var out []Entry
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "fileregistry: error decoding listing")
	}
	return out, nil
}

// DeleteUnder removes every entry at or below the given absolute path and
// returns how many were removed.
func (r *Registry) DeleteUnder(ctx context.Context, path string) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, underFilter(path))
	if err != nil {
		return 0, errors.Wrap(err, "fileregistry: error deleting")
	}
	return res.DeletedCount, nil
}

// Delete removes the entry for one absolute path.
func (r *Registry) Delete(ctx context.Context, path string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": path})
	if err != nil {
		return errors.Wrap(err, "fileregistry: error deleting")
	}
	if res.DeletedCount == 0 {
		return errtypes.NotFound(path)
	}
	return nil
}

// DeleteByIdentifiers removes entries by catalogue identifier.
func (r *Registry) DeleteByIdentifiers(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.coll.DeleteMany(ctx, bson.M{"identifier": bson.M{"$in": ids}})
	if err != nil {
		return 0, errors.Wrap(err, "fileregistry: error deleting by identifier")
	}
	return res.DeletedCount, nil
}
