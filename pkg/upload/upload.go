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

// Package upload drives the upload lifecycle: admission, staging, checksum
// verification, archive extraction and atomic publication into the project
// directory.
//
// An upload is admitted only while its project lock is held and its declared
// size fits the remaining quota. Bytes always land in a private staging
// directory first; nothing becomes visible under the project tree before
// verification and metadata registration succeed.
package upload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/archive"
	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/checksum"
	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/fileregistry"
	"github.com/dpres/pifs/pkg/lock"
	"github.com/dpres/pifs/pkg/pathsafe"
	"github.com/dpres/pifs/pkg/project"
)

// Upload kinds.
const (
	TypeFile    = "file"
	TypeArchive = "archive"
)

const (
	sourceName  = "source"
	extractName = "tmp_storage"
	fileMode    = os.FileMode(0o664)
	dirMode     = os.FileMode(0o775)
	copyBufSize = 1 << 20
)

// Upload is the durable record of an in-flight upload. Its declared size is
// counted as reserved quota until the upload finishes or is cleaned up.
type Upload struct {
	ID        string `bson:"_id"`
	ProjectID string `bson:"project"`
	// Path is the sanitised target path relative to the project directory,
	// always starting with a slash.
	Path      string            `bson:"path"`
	Type      string            `bson:"type"`
	Size      int64             `bson:"size"`
	Checksum  string            `bson:"checksum,omitempty"`
	IsTus     bool              `bson:"is_tus"`
	Offset    int64             `bson:"offset"`
	MetaData  map[string]string `bson:"meta,omitempty"`
	StartedAt time.Time         `bson:"started_at"`
}

// Store persists upload records in MongoDB.
type Store struct {
	coll *mongo.Collection
}

// NewStore returns the upload record store.
func NewStore(db *mongo.Database) *Store {
	return &Store{coll: db.Collection("uploads")}
}

// Insert persists a new record.
func (s *Store) Insert(ctx context.Context, u *Upload) error {
	if _, err := s.coll.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errtypes.Conflict{Message: "upload '" + u.ID + "' already exists"}
		}
		return errors.Wrap(err, "upload: error inserting record")
	}
	return nil
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id string) (*Upload, error) {
	u := &Upload{}
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(u)
	if err == mongo.ErrNoDocuments {
		return nil, errtypes.NotFound("Upload not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "upload: error reading record")
	}
	return u, nil
}

// SetOffset persists the number of bytes received so far.
func (s *Store) SetOffset(ctx context.Context, id string, offset int64) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"offset": offset}})
	if err != nil {
		return errors.Wrap(err, "upload: error updating offset")
	}
	if res.MatchedCount == 0 {
		return errtypes.NotFound("Upload not found")
	}
	return nil
}

// Delete removes the record, releasing its quota reservation.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return errors.Wrap(err, "upload: error deleting record")
	}
	return nil
}

// ReservedBytes sums the declared sizes of all live uploads of the project.
func (s *Store) ReservedBytes(ctx context.Context, projectID string) (int64, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"project": projectID}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$size"}}}},
	})
	if err != nil {
		return 0, errors.Wrap(err, "upload: error aggregating reservations")
	}
	var out []struct {
		Total int64 `bson:"total"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return 0, errors.Wrap(err, "upload: error decoding reservations")
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].Total, nil
}

// ReservedBytesUpTo sums the declared sizes of live uploads admitted no
// later than u, ordering by start time with the record id as tiebreak.
// Concurrent admissions therefore agree on a winner: the earliest record
// never counts the later ones against its quota check.
func (s *Store) ReservedBytesUpTo(ctx context.Context, u *Upload) (int64, error) {
	cur, err := s.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"project": u.ProjectID,
			"$or": bson.A{
				bson.M{"started_at": bson.M{"$lt": u.StartedAt}},
				bson.M{"started_at": u.StartedAt, "_id": bson.M{"$lte": u.ID}},
			},
		}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$size"}}}},
	})
	if err != nil {
		return 0, errors.Wrap(err, "upload: error aggregating reservations")
	}
	var out []struct {
		Total int64 `bson:"total"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return 0, errors.Wrap(err, "upload: error decoding reservations")
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].Total, nil
}

// Manager owns the upload lifecycle.
type Manager struct {
	cfg       config.Upload
	store     *Store
	projects  *project.Store
	registry  *fileregistry.Registry
	catalogue *catalogue.Client
	locks     *lock.Manager
	tmpRoot   string
}

// NewManager wires the upload manager.
func NewManager(cfg *config.Config, store *Store, projects *project.Store,
	registry *fileregistry.Registry, cat *catalogue.Client, locks *lock.Manager) *Manager {
	return &Manager{
		cfg:       cfg.Upload,
		store:     store,
		projects:  projects,
		registry:  registry,
		catalogue: cat,
		locks:     locks,
		tmpRoot:   cfg.Storage.TmpPath,
	}
}

// Async reports whether an upload of the given declared size is processed in
// the background instead of inline.
func (m *Manager) Async(size int64) bool {
	return size > m.cfg.AsyncThresholdBytes
}

// Get returns one upload record.
func (m *Manager) Get(ctx context.Context, id string) (*Upload, error) {
	return m.store.Get(ctx, id)
}

// StagingDir is the private working directory of the upload.
func (m *Manager) StagingDir(id string) string {
	return filepath.Join(m.tmpRoot, id)
}

// SourcePath is where the raw uploaded bytes are staged.
func (m *Manager) SourcePath(id string) string {
	return filepath.Join(m.StagingDir(id), sourceName)
}

// extractDir is where archive members are extracted before publication.
func (m *Manager) extractDir(id string) string {
	return filepath.Join(m.StagingDir(id), extractName)
}

// TargetPath resolves the absolute publication target of the upload.
func (m *Manager) TargetPath(u *Upload) (string, error) {
	return pathsafe.Resolve(m.projects.Directory(u.ProjectID), u.Path)
}

// CreateRequest carries the parameters of a new upload.
type CreateRequest struct {
	ProjectID string
	Path      string
	Type      string
	Size      int64
	// Checksum is the optional user declared checksum in <alg>:<hex> syntax.
	Checksum string
	IsTus    bool
	MetaData map[string]string
}

// Create admits a new upload. It validates the principal, the declared size,
// the target path and the remaining quota, then takes the project lock and
// persists the record with its staging directory. The lock stays held until
// the upload is published or cleaned up.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Upload, error) {
	if p, ok := appctx.GetPrincipal(ctx); ok && !p.AllowsProject(req.ProjectID) {
		return nil, errtypes.PermissionDenied("project " + req.ProjectID)
	}
	if req.Type != TypeFile && req.Type != TypeArchive {
		return nil, errtypes.BadRequest("unknown upload type: " + req.Type)
	}
	if req.Size < 0 {
		return nil, errtypes.BadRequest("negative upload size")
	}
	if req.Size > m.cfg.MaxContentLength {
		return nil, errtypes.MaxSizeExceeded(req.Path)
	}

	p, err := m.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	root := m.projects.Directory(req.ProjectID)
	abs, err := pathsafe.Resolve(root, req.Path)
	if err != nil {
		return nil, err
	}
	rel := pathsafe.Relative(root, abs)
	if req.Type == TypeFile && rel == "/" {
		return nil, errtypes.InvalidPath(req.Path)
	}

	declared := ""
	if req.Checksum != "" {
		d, err := checksum.Parse(req.Checksum)
		if err != nil {
			return nil, err
		}
		declared = d.Algorithm + ":" + d.Hex
	}

	if err := m.checkTarget(abs, rel, req.Type); err != nil {
		return nil, err
	}

	reserved, err := m.store.ReservedBytes(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if req.Size > p.Quota-p.UsedQuota-reserved {
		return nil, errtypes.QuotaExceeded(rel)
	}

	if err := m.locks.Acquire(ctx, req.ProjectID, abs, m.cfg.LockTimeout); err != nil {
		return nil, err
	}

	u := &Upload{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		Path:      rel,
		Type:      req.Type,
		Size:      req.Size,
		Checksum:  declared,
		IsTus:     req.IsTus,
		MetaData:  req.MetaData,
		// millisecond precision survives the BSON round trip, keeping the
		// stored record comparable to the in-memory one
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := m.store.Insert(ctx, u); err != nil {
		m.releaseLock(u)
		return nil, err
	}

	// recheck with the record in place: two concurrent admissions can both
	// pass the first check, but once both records exist the later one counts
	// the earlier and backs out, so only one wins the remaining quota
	reserved, err = m.store.ReservedBytesUpTo(ctx, u)
	if err != nil {
		m.cleanupRecord(u)
		return nil, err
	}
	if reserved > p.Quota-p.UsedQuota {
		m.cleanupRecord(u)
		return nil, errtypes.QuotaExceeded(rel)
	}

	if err := os.MkdirAll(m.StagingDir(u.ID), dirMode); err != nil {
		m.cleanupRecord(u)
		return nil, errors.Wrap(err, "upload: error creating staging directory")
	}
	return u, nil
}

// checkTarget rejects targets already occupied on disk. An archive may
// extract into an existing directory; everything else is a conflict.
func (m *Manager) checkTarget(abs, rel, typ string) error {
	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "upload: error checking target")
	}
	if typ == TypeArchive && info.IsDir() {
		return nil
	}
	if info.IsDir() {
		return errtypes.Conflict{Message: "Directory '" + rel + "' already exists", Files: []string{rel}}
	}
	return errtypes.Conflict{Message: "File '" + rel + "' already exists", Files: []string{rel}}
}

// Receive streams the request body into the staging source file, refusing to
// accept more bytes than declared.
func (m *Manager) Receive(ctx context.Context, u *Upload, src io.Reader) error {
	f, err := os.OpenFile(m.SourcePath(u.ID), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return errors.Wrap(err, "upload: error creating source file")
	}

	buf := make([]byte, copyBufSize)
	n, err := io.CopyBuffer(f, io.LimitReader(src, u.Size+1), buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "upload: error receiving body")
	}
	if n > u.Size {
		return errtypes.BadRequest("request body larger than declared size")
	}
	u.Offset = n
	return m.store.SetOffset(ctx, u.ID, n)
}

// WriteChunk appends bytes at the given offset of the staging source file.
// Used by the resumable upload protocol; offsets must be contiguous.
func (m *Manager) WriteChunk(ctx context.Context, u *Upload, offset int64, src io.Reader) (int64, error) {
	f, err := os.OpenFile(m.SourcePath(u.ID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, fileMode)
	if err != nil {
		return 0, errors.Wrap(err, "upload: error opening source file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, errors.Wrap(err, "upload: error checking source file")
	}
	if info.Size() != offset {
		f.Close()
		return 0, errtypes.Conflict{Message: "upload offset mismatch"}
	}

	buf := make([]byte, copyBufSize)
	n, err := io.CopyBuffer(f, src, buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrap(err, "upload: error writing chunk")
	}
	u.Offset = offset + n
	return n, m.store.SetOffset(ctx, u.ID, u.Offset)
}

// Verify computes the MD5 of the staged source, plus the declared algorithm
// when one was given, and fails with errtypes.ChecksumMismatch when the
// declared digest disagrees.
func (m *Manager) Verify(ctx context.Context, u *Upload) (map[string]string, error) {
	algs := []string{checksum.MD5}
	declaredAlg, declaredHex := "", ""
	if u.Checksum != "" {
		d, err := checksum.Parse(u.Checksum)
		if err != nil {
			return nil, err
		}
		declaredAlg, declaredHex = d.Algorithm, d.Hex
		algs = append(algs, declaredAlg)
	}

	sums, err := checksum.Compute(m.SourcePath(u.ID), algs...)
	if err != nil {
		return nil, err
	}
	if declaredAlg != "" && sums[declaredAlg] != declaredHex {
		return nil, errtypes.ChecksumMismatch("Checksum of uploaded file does not match provided checksum")
	}
	return sums, nil
}

// Process runs the post-receive pipeline: verification, archive extraction
// when applicable and publication. The caller runs Cleanup afterwards
// regardless of the outcome.
func (m *Manager) Process(ctx context.Context, u *Upload) error {
	sums, err := m.Verify(ctx, u)
	if err != nil {
		return err
	}
	switch u.Type {
	case TypeArchive:
		return m.processArchive(ctx, u)
	default:
		return m.publishFile(ctx, u, sums[checksum.MD5])
	}
}

// processArchive validates and extracts the staged archive, then publishes
// the extracted tree. The extracted size is reserved against used_quota
// before any byte is unpacked so concurrent admissions see the new floor.
func (m *Manager) processArchive(ctx context.Context, u *Upload) error {
	src := m.SourcePath(u.ID)
	format, err := archive.Sniff(src)
	if err != nil {
		return err
	}
	members, extracted, err := archive.Scan(src, format)
	if err != nil {
		return err
	}

	targetDir, err := m.TargetPath(u)
	if err != nil {
		return err
	}
	if conflicts := archive.Conflicts(targetDir, members); len(conflicts) > 0 {
		return errtypes.Conflict{Message: "Some files already exist", Files: conflicts}
	}

	p, err := m.projects.Get(ctx, u.ProjectID)
	if err != nil {
		return err
	}
	reserved, err := m.store.ReservedBytes(ctx, u.ProjectID)
	if err != nil {
		return err
	}
	if extracted > p.Quota-p.UsedQuota-reserved {
		return errtypes.QuotaExceeded(u.Path)
	}
	if err := m.projects.AddUsedQuota(ctx, u.ProjectID, extracted); err != nil {
		return err
	}

	err = func() error {
		dest := m.extractDir(u.ID)
		if err := os.MkdirAll(dest, dirMode); err != nil {
			return errors.Wrap(err, "upload: error creating extraction directory")
		}
		if err := archive.Extract(src, format, dest); err != nil {
			return err
		}
		if err := archive.NormalizeTree(dest); err != nil {
			return errors.Wrap(err, "upload: error normalising extracted tree")
		}
		return m.publishTree(ctx, u)
	}()
	if err != nil {
		// roll the reservation back to what is actually on disk
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, rerr := m.projects.RecalculateUsedQuota(rctx, u.ProjectID); rerr != nil {
			log := appctx.GetLogger(ctx)
			log.Error().Err(rerr).Str("project", u.ProjectID).
				Msg("failed to roll back quota reservation")
		}
	}
	return err
}

// Cleanup removes the staging directory and the upload record and releases
// the project lock. Safe to call multiple times and after partial failures;
// it uses a fresh context so it still runs when the request context is done.
func (m *Manager) Cleanup(u *Upload) {
	if err := os.RemoveAll(m.StagingDir(u.ID)); err != nil {
		// leave it to a later sweep; the record and lock still go
		_ = err
	}
	m.cleanupRecord(u)
}

func (m *Manager) cleanupRecord(u *Upload) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = m.store.Delete(ctx, u.ID)
	m.releaseLock(u)
}

func (m *Manager) releaseLock(u *Upload) {
	abs, err := m.TargetPath(u)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = m.locks.Release(ctx, u.ProjectID, abs)
}
