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

package worker

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/tasks"
)

func TestTaskFailureConflictCarriesFiles(t *testing.T) {
	msg, items, internal := taskFailure(errtypes.Conflict{
		Message: "Some files already exist",
		Files:   []string{"/a.txt", "/b.txt"},
	})

	assert.False(t, internal)
	assert.Equal(t, "Task failed", msg)
	assert.Equal(t, []tasks.TaskError{{
		Message: "Some files already exist",
		Files:   []string{"/a.txt", "/b.txt"},
	}}, items)
}

func TestTaskFailureRecoverableKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		item string
	}{
		{
			name: "quota",
			err:  errtypes.QuotaExceeded("/big.bin"),
			item: "Quota exceeded",
		},
		{
			name: "max size",
			err:  errtypes.MaxSizeExceeded("/big.bin"),
			item: "Max single file size exceeded",
		},
		{
			name: "locked path is not leaked",
			err:  errtypes.Locked("/srv/projects/demo/a"),
			item: "The file or folder is currently locked by another task",
		},
		{
			name: "invalid path",
			err:  errtypes.InvalidPath("../escape"),
			item: "Invalid path",
		},
		{
			name: "bad archive",
			err:  errtypes.BadRequest("upload is not a supported archive"),
			item: "upload is not a supported archive",
		},
		{
			name: "checksum mismatch",
			err:  errtypes.ChecksumMismatch("Checksum of uploaded file does not match provided checksum"),
			item: "Checksum of uploaded file does not match provided checksum",
		},
		{
			name: "wrapped kinds survive",
			err:  errors.Wrap(errtypes.BadRequest("File 'evil' has unsupported type"), "worker"),
			item: "File 'evil' has unsupported type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, items, internal := taskFailure(tt.err)
			assert.False(t, internal)
			assert.Equal(t, "Task failed", msg)
			assert.Equal(t, []tasks.TaskError{{Message: tt.item}}, items)
		})
	}
}

func TestTaskFailureScrubsUnknownErrors(t *testing.T) {
	msg, items, internal := taskFailure(io.ErrUnexpectedEOF)

	assert.True(t, internal)
	assert.Equal(t, "Internal server error", msg)
	assert.Equal(t, []tasks.TaskError{{Message: "Internal server error"}}, items)
}
