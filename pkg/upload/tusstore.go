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
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	tusd "github.com/tus/tusd/v2/pkg/handler"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/errtypes"
)

// Metadata keys the resumable upload protocol carries for admission.
const (
	MetaProjectID  = "project_id"
	MetaUploadPath = "upload_path"
	MetaType       = "type"
	MetaChecksum   = "checksum"
)

// TusStore adapts the upload manager to the tus resumable upload protocol.
// The manager owns admission, quota and locking; the store only maps the
// tus lifecycle onto it. A JSON snapshot of each session is kept under
// infoDir so operators can inspect in-flight resumable uploads.
type TusStore struct {
	manager *Manager
	infoDir string

	// TranslateError, when set, converts domain errors into protocol
	// errors so tus clients see the same status codes as the JSON API.
	TranslateError func(error) error
}

// NewTusStore returns a tus data store backed by the upload manager.
func NewTusStore(m *Manager, infoDir string) *TusStore {
	return &TusStore{manager: m, infoDir: infoDir}
}

func (s *TusStore) translate(err error) error {
	if err == nil || s.TranslateError == nil {
		return err
	}
	return s.TranslateError(err)
}

// UseIn registers the store and its extensions with the composer.
func (s *TusStore) UseIn(composer *tusd.StoreComposer) {
	composer.UseCore(s)
	composer.UseTerminater(s)
}

// NewUpload admits a resumable upload. The declared size and target come
// from the creation request; quota and lock admission are identical to
// single-shot uploads.
func (s *TusStore) NewUpload(ctx context.Context, info tusd.FileInfo) (tusd.Upload, error) {
	if info.SizeIsDeferred {
		return nil, errtypes.BadRequest("deferred upload length is not supported")
	}
	typ := info.MetaData[MetaType]
	if typ == "" {
		typ = TypeFile
	}
	u, err := s.manager.Create(ctx, CreateRequest{
		ProjectID: info.MetaData[MetaProjectID],
		Path:      info.MetaData[MetaUploadPath],
		Type:      typ,
		Size:      info.Size,
		Checksum:  info.MetaData[MetaChecksum],
		IsTus:     true,
		MetaData:  info.MetaData,
	})
	if err != nil {
		return nil, s.translate(err)
	}

	t := &tusUpload{store: s, upload: u}
	if err := t.writeInfo(); err != nil {
		s.manager.Cleanup(u)
		return nil, err
	}
	return t, nil
}

// GetUpload resumes an existing session. The protocol routes carry only the
// upload id, so project authorization happens here: knowing an id must not
// grant access to another project's in-flight upload.
func (s *TusStore) GetUpload(ctx context.Context, id string) (tusd.Upload, error) {
	u, err := s.manager.Get(ctx, id)
	if err != nil {
		return nil, s.translate(err)
	}
	if !u.IsTus {
		return nil, s.translate(errtypes.NotFound("Upload not found"))
	}
	if p, ok := appctx.GetPrincipal(ctx); ok && !p.AllowsProject(u.ProjectID) {
		return nil, s.translate(errtypes.PermissionDenied("upload " + id))
	}
	return &tusUpload{store: s, upload: u}, nil
}

// RemoveInfo drops the session snapshot of an upload.
func (s *TusStore) RemoveInfo(id string) {
	_ = os.Remove(s.infoPath(id))
}

// AsTerminatableUpload implements the tus termination extension.
func (s *TusStore) AsTerminatableUpload(upload tusd.Upload) tusd.TerminatableUpload {
	return upload.(*tusUpload)
}

func (s *TusStore) infoPath(id string) string {
	return filepath.Join(s.infoDir, id+".info")
}

// Record returns the manager record behind a tus upload. Used by the edge
// after the final chunk to decide between inline and queued processing.
func Record(u tusd.Upload) *Upload {
	return u.(*tusUpload).upload
}

type tusUpload struct {
	store  *TusStore
	upload *Upload
}

func (t *tusUpload) GetInfo(ctx context.Context) (tusd.FileInfo, error) {
	u := t.upload
	offset := u.Offset
	// disk is the truth for received bytes
	if info, err := os.Stat(t.store.manager.SourcePath(u.ID)); err == nil {
		offset = info.Size()
	}
	return tusd.FileInfo{
		ID:       u.ID,
		Size:     u.Size,
		Offset:   offset,
		MetaData: u.MetaData,
		Storage: map[string]string{
			"Type": "pifs",
			"Path": t.store.manager.SourcePath(u.ID),
		},
	}, nil
}

func (t *tusUpload) WriteChunk(ctx context.Context, offset int64, src io.Reader) (int64, error) {
	n, err := t.store.manager.WriteChunk(ctx, t.upload, offset, src)
	if err != nil {
		return n, err
	}
	return n, t.writeInfo()
}

func (t *tusUpload) GetReader(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(t.store.manager.SourcePath(t.upload.ID))
	return f, errors.Wrap(err, "upload: error opening staged source")
}

// FinishUpload is a no-op: processing is driven by the edge so it can pick
// between inline execution and the background queue based on size.
func (t *tusUpload) FinishUpload(ctx context.Context) error {
	return nil
}

// Terminate aborts the session, releasing staging, record and lock.
func (t *tusUpload) Terminate(ctx context.Context) error {
	t.store.manager.Cleanup(t.upload)
	if err := os.Remove(t.store.infoPath(t.upload.ID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "upload: error removing session info")
	}
	return nil
}

// writeInfo atomically persists the session snapshot.
func (t *tusUpload) writeInfo() error {
	u := t.upload
	snapshot := map[string]string{
		"id":      u.ID,
		"project": u.ProjectID,
		"path":    u.Path,
		"type":    u.Type,
		"size":    strconv.FormatInt(u.Size, 10),
		"offset":  strconv.FormatInt(u.Offset, 10),
	}
	buf, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "upload: error encoding session info")
	}
	if err := os.MkdirAll(t.store.infoDir, dirMode); err != nil {
		return errors.Wrap(err, "upload: error creating session info directory")
	}
	return errors.Wrap(renameio.WriteFile(t.store.infoPath(u.ID), buf, fileMode),
		"upload: error writing session info")
}
