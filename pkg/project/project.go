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

// Package project holds the persistent project records and their on-disk
// directory trees. The directory is the sole source of truth for stored
// bytes; used_quota is the persisted snapshot of that number.
package project

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/pathsafe"
)

// Project is a tenant scope: a directory, a quota and a set of files.
type Project struct {
	ID        string `bson:"_id" json:"identifier"`
	Quota     int64  `bson:"quota" json:"quota"`
	UsedQuota int64  `bson:"used_quota" json:"used_quota"`
}

// Store persists projects in MongoDB and materialises their directories
// under root.
type Store struct {
	coll *mongo.Collection
	root string
}

// NewStore returns a project store backed by the given database writing
// directories under root.
func NewStore(db *mongo.Database, root string) *Store {
	return &Store{coll: db.Collection("projects"), root: root}
}

// Directory returns the absolute project directory path.
func (s *Store) Directory(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// Create persists a new project and materialises its directory. The
// identifier must be a single path segment.
func (s *Store) Create(ctx context.Context, id string, quota int64) (*Project, error) {
	if !pathsafe.ValidSegment(id) {
		return nil, errtypes.InvalidPath("invalid project identifier: " + id)
	}
	if quota < 0 {
		return nil, errtypes.BadRequest("quota must be non-negative")
	}

	p := &Project{ID: id, Quota: quota}
	if _, err := s.coll.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errtypes.Conflict{Message: "project '" + id + "' already exists"}
		}
		return nil, errors.Wrap(err, "project: error inserting")
	}

	if err := os.MkdirAll(s.Directory(id), 0o775); err != nil {
		return nil, errors.Wrap(err, "project: error creating directory")
	}
	return p, nil
}

// Get returns one project.
func (s *Store) Get(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(p)
	if err == mongo.ErrNoDocuments {
		return nil, errtypes.NotFound("Project not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "project: error reading")
	}
	return p, nil
}

// List returns the projects with the given identifiers. A nil slice lists
// every project.
func (s *Store) List(ctx context.Context, ids []string) ([]*Project, error) {
	filter := bson.M{}
	if ids != nil {
		filter["_id"] = bson.M{"$in": ids}
	}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "project: error listing")
	}
	var out []*Project
	if err := cur.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "project: error decoding listing")
	}
	return out, nil
}

// Delete removes the project record. The caller is responsible for the
// directory tree and catalogue metadata.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "project: error deleting")
	}
	if res.DeletedCount == 0 {
		return errtypes.NotFound("Project not found")
	}
	return nil
}

// SetUsedQuota stores a new used_quota snapshot.
func (s *Store) SetUsedQuota(ctx context.Context, id string, used int64) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"used_quota": used}})
	if err != nil {
		return errors.Wrap(err, "project: error updating used quota")
	}
	if res.MatchedCount == 0 {
		return errtypes.NotFound("Project not found")
	}
	return nil
}

// AddUsedQuota adjusts used_quota by delta. Used for the pre-commit
// reservation of archive extraction so parallel admissions see the new
// floor before the bytes land.
func (s *Store) AddUsedQuota(ctx context.Context, id string, delta int64) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$inc": bson.M{"used_quota": delta}})
	if err != nil {
		return errors.Wrap(err, "project: error adjusting used quota")
	}
	if res.MatchedCount == 0 {
		return errtypes.NotFound("Project not found")
	}
	return nil
}

// StoredBytes walks the project directory and sums the sizes of all regular
// files. This is the authoritative number used_quota reconciles to.
func (s *Store) StoredBytes(projectID string) (int64, error) {
	var total int64
	err := filepath.WalkDir(s.Directory(projectID), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "project: error scanning directory")
	}
	return total, nil
}

// RecalculateUsedQuota reconciles used_quota to the bytes on disk and
// returns the new value.
func (s *Store) RecalculateUsedQuota(ctx context.Context, projectID string) (int64, error) {
	stored, err := s.StoredBytes(projectID)
	if err != nil {
		return 0, err
	}
	if err := s.SetUsedQuota(ctx, projectID, stored); err != nil {
		return 0, err
	}
	return stored, nil
}

// EnsureDirectory recreates the project directory, used after the project
// root was renamed into trash so new uploads are not blocked.
func (s *Store) EnsureDirectory(projectID string) error {
	return os.MkdirAll(s.Directory(projectID), 0o775)
}
