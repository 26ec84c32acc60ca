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

package datasets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/fileregistry"
)

type fakeRegistry struct {
	entries []fileregistry.Entry
}

func (f *fakeRegistry) ListUnder(ctx context.Context, path string) ([]fileregistry.Entry, error) {
	return f.entries, nil
}

type fakeCatalogue struct {
	refs     map[string][]string
	datasets map[string]catalogue.Dataset
}

func (f *fakeCatalogue) FilesToDatasets(ctx context.Context, ids []string) (map[string][]string, error) {
	return f.refs, nil
}

func (f *fakeCatalogue) Dataset(ctx context.Context, id string) (catalogue.Dataset, error) {
	return f.datasets[id], nil
}

func TestCheckNoDatasets(t *testing.T) {
	g := NewGuard(
		&fakeRegistry{entries: []fileregistry.Entry{{Path: "/p/a", Identifier: "f1"}}},
		&fakeCatalogue{refs: map[string][]string{}},
	)

	report, err := g.CheckDeletable(context.Background(), "/p/a")
	require.NoError(t, err)
	assert.False(t, report.HasPending)
	assert.False(t, report.HasPreserved)
	assert.Equal(t, []string{"f1"}, report.FileIDs)
}

func TestCheckPendingBlocksDeletion(t *testing.T) {
	g := NewGuard(
		&fakeRegistry{entries: []fileregistry.Entry{{Path: "/p/a", Identifier: "f1"}}},
		&fakeCatalogue{
			refs:     map[string][]string{"f1": {"ds1"}},
			datasets: map[string]catalogue.Dataset{"ds1": {Identifier: "ds1", PreservationState: 10}},
		},
	)

	_, err := g.CheckDeletable(context.Background(), "/p/a")
	var pending errtypes.IsHasPendingDataset
	assert.ErrorAs(t, err, &pending)
}

func TestCheckPreservedAllowsDeletionButFlags(t *testing.T) {
	g := NewGuard(
		&fakeRegistry{entries: []fileregistry.Entry{{Path: "/p/a", Identifier: "f1"}}},
		&fakeCatalogue{
			refs: map[string][]string{"f1": {"ds1"}},
			datasets: map[string]catalogue.Dataset{
				"ds1": {Identifier: "ds1", PreservationState: catalogue.PreservationStateAccepted},
			},
		},
	)

	report, err := g.CheckDeletable(context.Background(), "/p/a")
	require.NoError(t, err)
	assert.True(t, report.HasPreserved)
	assert.Equal(t, []string{"f1"}, report.PreservedFileIDs)
}

func TestCheckRejectedOnlyIsDeletable(t *testing.T) {
	g := NewGuard(
		&fakeRegistry{entries: []fileregistry.Entry{{Path: "/p/a", Identifier: "f1"}}},
		&fakeCatalogue{
			refs: map[string][]string{"f1": {"ds1"}},
			datasets: map[string]catalogue.Dataset{
				"ds1": {Identifier: "ds1", PreservationState: catalogue.PreservationStateRejected},
			},
		},
	)

	report, err := g.CheckDeletable(context.Background(), "/p/a")
	require.NoError(t, err)
	assert.False(t, report.HasPending)
	assert.False(t, report.HasPreserved)
}
