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

// Package datasets decides whether stored files may be deleted based on the
// preservation state of the datasets that reference them.
//
// A preserved dataset keeps its catalogue metadata citable: the file bytes
// may go but the records stay. A pending dataset blocks deletion outright.
package datasets

import (
	"context"
	"sort"

	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/fileregistry"
)

// Catalogue is the slice of the catalogue client the guard consumes.
type Catalogue interface {
	FilesToDatasets(ctx context.Context, fileIDs []string) (map[string][]string, error)
	Dataset(ctx context.Context, id string) (catalogue.Dataset, error)
}

// Registry resolves stored files under a path.
type Registry interface {
	ListUnder(ctx context.Context, path string) ([]fileregistry.Entry, error)
}

// Report summarises the datasets referencing files under a path.
type Report struct {
	Datasets []catalogue.Dataset
	FileIDs  []string
	// PreservedFileIDs are the files referenced by at least one preserved
	// dataset. Their catalogue records must outlive the stored bytes.
	PreservedFileIDs []string
	HasPending       bool
	HasPreserved     bool
}

// Guard queries the catalogue for dataset references.
type Guard struct {
	registry  Registry
	catalogue Catalogue
}

// NewGuard returns a guard over the given registry and catalogue.
func NewGuard(registry Registry, cat Catalogue) *Guard {
	return &Guard{registry: registry, catalogue: cat}
}

// Check resolves every stored file at or below absPath and reports the
// referencing datasets and their preservation classes.
func (g *Guard) Check(ctx context.Context, absPath string) (*Report, error) {
	entries, err := g.registry.ListUnder(ctx, absPath)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Identifier)
	}

	report := &Report{FileIDs: ids}
	if len(ids) == 0 {
		return report, nil
	}

	refs, err := g.catalogue.FilesToDatasets(ctx, ids)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	datasetIDs := []string{}
	for _, dsIDs := range refs {
		for _, id := range dsIDs {
			if !seen[id] {
				seen[id] = true
				datasetIDs = append(datasetIDs, id)
			}
		}
	}
	sort.Strings(datasetIDs)

	preservedDatasets := map[string]bool{}
	for _, id := range datasetIDs {
		ds, err := g.catalogue.Dataset(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Datasets = append(report.Datasets, ds)
		if ds.Pending() {
			report.HasPending = true
		}
		if ds.Preserved() {
			report.HasPreserved = true
			preservedDatasets[id] = true
		}
	}

	if report.HasPreserved {
		for _, fileID := range ids {
			for _, dsID := range refs[fileID] {
				if preservedDatasets[dsID] {
					report.PreservedFileIDs = append(report.PreservedFileIDs, fileID)
					break
				}
			}
		}
		sort.Strings(report.PreservedFileIDs)
	}
	return report, nil
}

// CheckDeletable returns the report, or errtypes.HasPendingDataset when any
// referencing dataset is still pending preservation.
func (g *Guard) CheckDeletable(ctx context.Context, absPath string) (*Report, error) {
	report, err := g.Check(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if report.HasPending {
		return nil, errtypes.HasPendingDataset(
			"File or files belong to a dataset pending preservation")
	}
	return report, nil
}
