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
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/checksum"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/fileregistry"
)

// checksumWorkers bounds the concurrent MD5 passes over an extracted tree.
const checksumWorkers = 4

// staged is one verified file awaiting publication.
type staged struct {
	// src is the absolute staging path of the bytes.
	src string
	// rel is the project relative target pathname with a leading slash.
	rel string
	// md5hex is the lowercase hex MD5 of the bytes.
	md5hex string
	size   int64
}

// publishFile publishes a single staged upload to its target path.
func (m *Manager) publishFile(ctx context.Context, u *Upload, md5hex string) error {
	src := m.SourcePath(u.ID)
	info, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(err, "upload: error checking staged file")
	}
	return m.publish(ctx, u, []staged{{
		src:    src,
		rel:    u.Path,
		md5hex: md5hex,
		size:   info.Size(),
	}}, nil)
}

// publishTree publishes the extracted archive tree. Empty directories are
// materialised too so the stored layout matches the archive.
func (m *Manager) publishTree(ctx context.Context, u *Upload) error {
	dest := m.extractDir(u.ID)

	var files []staged
	var dirs []string
	err := filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(dest, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		target := path.Join(u.Path, filepath.ToSlash(rel))
		if d.IsDir() {
			dirs = append(dirs, target)
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		files = append(files, staged{
			src:  p,
			rel:  target,
			size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "upload: error enumerating extracted tree")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checksumWorkers)
	for i := range files {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			sums, cerr := checksum.Compute(files[i].src, checksum.MD5)
			if cerr != nil {
				return cerr
			}
			files[i].md5hex = sums[checksum.MD5]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return m.publish(ctx, u, files, dirs)
}

// publish runs the publication sequence: catalogue conflict check, catalogue
// record creation, registry insertion and finally the renames into the
// project tree. Metadata is written before bytes move so a crash leaves
// orphaned records, never unregistered files; a failed registry insert
// compensates by deleting the just-created catalogue records.
func (m *Manager) publish(ctx context.Context, u *Upload, files []staged, dirs []string) error {
	if err := m.checkMetadataConflicts(ctx, u, files); err != nil {
		return err
	}

	records := make([]catalogue.File, len(files))
	entries := make([]fileregistry.Entry, len(files))
	root := m.projects.Directory(u.ProjectID)
	now := time.Now().UTC()
	for i, f := range files {
		id := uuid.New().String()
		sum := checksum.MD5 + ":" + f.md5hex
		records[i] = catalogue.File{
			Identifier:     id,
			Pathname:       f.rel,
			Project:        u.ProjectID,
			Checksum:       sum,
			Size:           f.size,
			StorageService: m.catalogue.StorageService,
		}
		entries[i] = fileregistry.Entry{
			Path:       filepath.Join(root, filepath.FromSlash(f.rel)),
			Checksum:   sum,
			Identifier: id,
			Timestamp:  now,
		}
	}

	if err := m.catalogue.PostFiles(ctx, records); err != nil {
		return err
	}
	if err := m.registry.InsertMany(ctx, entries); err != nil {
		m.compensateCatalogue(ctx, records)
		return err
	}

	for _, dir := range dirs {
		target := filepath.Join(root, filepath.FromSlash(dir))
		if err := os.MkdirAll(target, dirMode); err != nil {
			return errors.Wrap(err, "upload: error creating published directory")
		}
	}
	for i, f := range files {
		if err := moveFile(f.src, entries[i].Path); err != nil {
			return err
		}
	}

	if _, err := m.projects.RecalculateUsedQuota(ctx, u.ProjectID); err != nil {
		return err
	}
	return nil
}

// checkMetadataConflicts refuses publication when the catalogue already has
// records at any of the target pathnames. A single file is checked with a
// point lookup; trees fetch the project listing once.
func (m *Manager) checkMetadataConflicts(ctx context.Context, u *Upload, files []staged) error {
	if len(files) == 1 {
		_, err := m.catalogue.GetProjectFile(ctx, u.ProjectID, files[0].rel)
		if err == nil {
			return errtypes.Conflict{
				Message: "Metadata already exists",
				Files:   []string{files[0].rel},
			}
		}
		var na errtypes.IsNotAvailable
		if errors.As(err, &na) {
			return nil
		}
		return err
	}

	existing, err := m.catalogue.ListProjectFiles(ctx, u.ProjectID)
	if err != nil {
		return err
	}
	var conflicts []string
	for _, f := range files {
		if _, ok := existing[f.rel]; ok {
			conflicts = append(conflicts, f.rel)
		}
	}
	if len(conflicts) > 0 {
		return errtypes.Conflict{Message: "Metadata already exists", Files: conflicts}
	}
	return nil
}

// compensateCatalogue deletes catalogue records created by a publication
// that could not complete.
func (m *Manager) compensateCatalogue(ctx context.Context, records []catalogue.File) {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.Identifier
	}
	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := m.catalogue.DeleteFiles(cctx, ids); err != nil {
		log := appctx.GetLogger(ctx)
		log.Error().Err(err).Int("records", len(ids)).
			Msg("failed to compensate catalogue records")
	}
}

// moveFile renames src to target, creating missing parents on demand, and
// forces the published file mode.
func moveFile(src, target string) error {
	err := os.Rename(src, target)
	if os.IsNotExist(err) {
		if merr := os.MkdirAll(filepath.Dir(target), dirMode); merr != nil {
			return errors.Wrap(merr, "upload: error creating parent directory")
		}
		err = os.Rename(src, target)
	}
	if err != nil {
		return errors.Wrap(err, "upload: error moving file into place")
	}
	return errors.Wrap(os.Chmod(target, fileMode), "upload: error setting file mode")
}
