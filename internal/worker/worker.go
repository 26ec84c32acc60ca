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

// Package worker runs the background job server. Every handler is wrapped
// so the durable task record always reaches a terminal state: success and
// domain failures are written by the wrapper, and a crashed worker is
// reconciled from the queue on the next poll.
package worker

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dpres/pifs/pkg/appctx"
	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/dpres/pifs/pkg/lock"
	"github.com/dpres/pifs/pkg/metrics"
	"github.com/dpres/pifs/pkg/pathsafe"
	"github.com/dpres/pifs/pkg/project"
	"github.com/dpres/pifs/pkg/tasks"
	"github.com/dpres/pifs/pkg/trash"
	"github.com/dpres/pifs/pkg/upload"
)

// Worker consumes the three job queues.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
	log zerolog.Logger
}

// handlers owns the job implementations.
type handlers struct {
	log       zerolog.Logger
	tasks     *tasks.Service
	uploads   *upload.Manager
	tusStore  *upload.TusStore
	trash     *trash.Manager
	projects  *project.Store
	locks     *lock.Manager
	catalogue *catalogue.Client
}

// New builds the worker over the configured Redis queues.
func New(cfg *config.Config, log zerolog.Logger, taskSvc *tasks.Service,
	uploads *upload.Manager, tusStore *upload.TusStore, trashMgr *trash.Manager,
	projects *project.Store, locks *lock.Manager, cat *catalogue.Client) *Worker {
	srv := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			tasks.QueueUpload:   2,
			tasks.QueueFiles:    1,
			tasks.QueueMetadata: 1,
		},
	})

	h := &handlers{
		log:       log,
		tasks:     taskSvc,
		uploads:   uploads,
		tusStore:  tusStore,
		trash:     trashMgr,
		projects:  projects,
		locks:     locks,
		catalogue: cat,
	}

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeUploadProcess, h.runJob(h.uploadProcess))
	mux.Handle(tasks.TypeFilesPurge, h.runJob(h.filesPurge))
	mux.Handle(tasks.TypeMetadataDelete, h.runJob(h.metadataDelete))

	return &Worker{srv: srv, mux: mux, log: log}
}

// Run blocks processing jobs until Shutdown.
func (w *Worker) Run() error {
	w.log.Info().Msg("worker starting")
	return w.srv.Run(w.mux)
}

// Shutdown waits for in-flight jobs to finish.
func (w *Worker) Shutdown() {
	w.log.Info().Msg("worker shutting down")
	w.srv.Shutdown()
}

// jobFunc is one job implementation. It returns the success message of the
// task record.
type jobFunc func(ctx context.Context, t *asynq.Task) (string, error)

// runJob wraps a job with the terminal write of the task record. Domain
// failures are recorded as machine readable error items; unexpected ones
// are scrubbed and logged. The queue never retries, so the wrapper always
// returns nil and the record is the one source of outcome.
func (h *handlers) runJob(fn jobFunc) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		taskID, _ := asynq.GetTaskID(ctx)
		log := h.log.With().Str("task", taskID).Str("type", t.Type()).Logger()
		ctx = appctx.WithLogger(ctx, &log)

		msg, err := fn(ctx, t)
		if err != nil {
			message, items, internal := taskFailure(err)
			if internal {
				log.Error().Err(err).Msg("job failed")
			} else {
				log.Info().Err(err).Msg("job failed")
			}
			if merr := h.tasks.MarkError(ctx, taskID, message, items); merr != nil {
				log.Error().Err(merr).Msg("failed to record job failure")
			}
			metrics.TasksProcessed.WithLabelValues(t.Type(), string(tasks.StatusError)).Inc()
			return nil
		}

		if merr := h.tasks.MarkDone(ctx, taskID, msg); merr != nil {
			log.Error().Err(merr).Msg("failed to record job success")
		}
		metrics.TasksProcessed.WithLabelValues(t.Type(), string(tasks.StatusDone)).Inc()
		return nil
	}
}

// taskFailure converts a job error into the task record's message and error
// items. Unknown errors are scrubbed; the bool reports that case.
func taskFailure(err error) (string, []tasks.TaskError, bool) {
	var conflict errtypes.Conflict
	if errors.As(err, &conflict) {
		return "Task failed", []tasks.TaskError{{Message: conflict.Message, Files: conflict.Files}}, false
	}

	switch {
	case isKind[errtypes.IsQuotaExceeded](err):
		return "Task failed", []tasks.TaskError{{Message: "Quota exceeded"}}, false
	case isKind[errtypes.IsMaxSizeExceeded](err):
		return "Task failed", []tasks.TaskError{{Message: "Max single file size exceeded"}}, false
	case isKind[errtypes.IsLocked](err):
		return "Task failed", []tasks.TaskError{{
			Message: "The file or folder is currently locked by another task",
		}}, false
	case isKind[errtypes.IsInvalidPath](err):
		return "Task failed", []tasks.TaskError{{Message: "Invalid path"}}, false
	case isKind[errtypes.IsBadRequest](err),
		isKind[errtypes.IsChecksumMismatch](err),
		isKind[errtypes.IsNotFound](err),
		isKind[errtypes.IsHasPendingDataset](err):
		return "Task failed", []tasks.TaskError{{Message: errors.Cause(err).Error()}}, false
	}
	return "Internal server error", []tasks.TaskError{{Message: "Internal server error"}}, true
}

// isKind reports whether any error in the chain implements the kind
// interface.
func isKind[T any](err error) bool {
	var kind T
	return errors.As(err, &kind)
}

// uploadProcess verifies, extracts and publishes a staged upload.
func (h *handlers) uploadProcess(ctx context.Context, t *asynq.Task) (string, error) {
	var p tasks.UploadProcessPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return "", errors.Wrap(err, "worker: error decoding payload")
	}

	u, err := h.uploads.Get(ctx, p.UploadID)
	if err != nil {
		return "", err
	}

	err = h.uploads.Process(ctx, u)
	h.uploads.Cleanup(u)
	if u.IsTus {
		h.tusStore.RemoveInfo(u.ID)
	}
	if err != nil {
		return "", err
	}

	metrics.UploadsPublished.WithLabelValues(u.Type).Inc()
	if u.Type == upload.TypeArchive {
		return "Uploaded archive: " + u.Path, nil
	}
	return "Uploaded file: " + u.Path, nil
}

// filesPurge finishes a staged directory deletion: metadata cleanup, trash
// removal and finally the lock release taken by the request handler.
func (h *handlers) filesPurge(ctx context.Context, t *asynq.Task) (string, error) {
	var p tasks.FilesPurgePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return "", errors.Wrap(err, "worker: error decoding payload")
	}

	st := &trash.Staged{
		Token:     p.Token,
		ProjectID: p.ProjectID,
		Path:      p.Path,
		IsDir:     p.IsDir,
	}
	_, err := h.trash.Purge(ctx, st)

	// the deletion handler holds the lock into this job
	abs, aerr := pathsafe.Resolve(h.projects.Directory(p.ProjectID), p.Path)
	if aerr != nil {
		abs = h.projects.Directory(p.ProjectID)
	}
	if rerr := h.locks.Release(ctx, p.ProjectID, abs); rerr != nil {
		log := appctx.GetLogger(ctx)
		log.Error().Err(rerr).Str("path", abs).Msg("failed to release deletion lock")
	}

	if err != nil {
		return "", err
	}
	return "Deleted files and metadata: " + p.Path, nil
}

// metadataDelete removes every catalogue record of a deleted project.
func (h *handlers) metadataDelete(ctx context.Context, t *asynq.Task) (string, error) {
	var p tasks.MetadataDeletePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return "", errors.Wrap(err, "worker: error decoding payload")
	}

	deleted, err := h.catalogue.DeleteProjectMetadata(ctx, p.ProjectID)
	if err != nil {
		return "", err
	}
	log := appctx.GetLogger(ctx)
	log.Info().Int("records", deleted).Str("project", p.ProjectID).Msg("deleted project metadata")
	return "Deleted metadata: " + p.ProjectID, nil
}
