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

// Package trash implements delete-to-trash staging. Deletion is a rename
// into a tokenised trash directory, which makes the user visible part of a
// delete instant and crash safe; metadata removal and the final purge run
// afterwards, usually in a background job.
package trash

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/datasets"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/fileregistry"
	"github.com/dpres/pifs/pkg/pathsafe"
	"github.com/dpres/pifs/pkg/project"
)

// Staged identifies files moved to trash and awaiting purge.
type Staged struct {
	Token     string `json:"token"`
	ProjectID string `json:"project"`
	// Path is the original project relative path with a leading slash.
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// Manager stages deletions into the trash tree and purges them.
type Manager struct {
	root      string
	projects  *project.Store
	registry  *fileregistry.Registry
	catalogue *catalogue.Client
	guard     *datasets.Guard
}

// NewManager returns a trash manager rooted at root.
func NewManager(root string, projects *project.Store, registry *fileregistry.Registry,
	cat *catalogue.Client, guard *datasets.Guard) *Manager {
	return &Manager{
		root:      root,
		projects:  projects,
		registry:  registry,
		catalogue: cat,
		guard:     guard,
	}
}

// trashPath is where the staged files of one token live.
func (m *Manager) trashPath(token, projectID, rel string) string {
	return filepath.Join(m.root, token, projectID, filepath.FromSlash(rel))
}

// Stage moves the target out of the project tree into a fresh trash token
// directory. Deleting the project root itself recreates an empty root so
// new uploads are not blocked. Pending datasets refuse the deletion.
func (m *Manager) Stage(ctx context.Context, projectID, userPath string) (*Staged, error) {
	root := m.projects.Directory(projectID)
	abs, err := pathsafe.Resolve(root, userPath)
	if err != nil {
		return nil, err
	}
	rel := pathsafe.Relative(root, abs)

	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound("No files found in path " + rel)
		}
		return nil, errors.Wrap(err, "trash: error checking target")
	}

	if _, err := m.guard.CheckDeletable(ctx, abs); err != nil {
		return nil, err
	}

	st := &Staged{
		Token:     uuid.New().String(),
		ProjectID: projectID,
		Path:      rel,
		IsDir:     info.IsDir(),
	}
	dest := m.trashPath(st.Token, projectID, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o775); err != nil {
		return nil, errors.Wrap(err, "trash: error creating trash directory")
	}
	if err := os.Rename(abs, dest); err != nil {
		return nil, errors.Wrap(err, "trash: error staging target")
	}
	if rel == "/" {
		if err := m.projects.EnsureDirectory(projectID); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Purge removes the metadata of staged files and drops the trash token
// directory. Catalogue records referenced by a preserved dataset are kept
// so preserved datasets stay citable. It returns how many files were
// removed from the registry.
func (m *Manager) Purge(ctx context.Context, st *Staged) (int64, error) {
	origAbs := filepath.Join(m.projects.Directory(st.ProjectID), filepath.FromSlash(st.Path))

	report, err := m.guard.Check(ctx, origAbs)
	if err != nil {
		return 0, err
	}

	preserved := make(map[string]bool, len(report.PreservedFileIDs))
	for _, id := range report.PreservedFileIDs {
		preserved[id] = true
	}
	var deletable []string
	for _, id := range report.FileIDs {
		if !preserved[id] {
			deletable = append(deletable, id)
		}
	}
	if _, err := m.catalogue.DeleteFiles(ctx, deletable); err != nil {
		return 0, err
	}

	// registry rows go for preserved files too; only their catalogue
	// records stay behind
	deleted, err := m.registry.DeleteByIdentifiers(ctx, report.FileIDs)
	if err != nil {
		return deleted, err
	}

	if err := os.RemoveAll(filepath.Join(m.root, st.Token)); err != nil {
		return deleted, errors.Wrap(err, "trash: error removing staged files")
	}

	if _, err := m.projects.RecalculateUsedQuota(ctx, st.ProjectID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Delete stages and purges in one call. Used for single files, where the
// work is small enough to run inside the request.
func (m *Manager) Delete(ctx context.Context, projectID, userPath string) (int64, error) {
	st, err := m.Stage(ctx, projectID, userPath)
	if err != nil {
		return 0, err
	}
	return m.Purge(ctx, st)
}
