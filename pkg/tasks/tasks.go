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

// Package tasks keeps two views of a background job consistent: the durable
// task record polled by clients and the authoritative execution state of
// the worker queue.
package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/errtypes"
)

// Queue names partition the work.
const (
	QueueUpload   = "upload"
	QueueFiles    = "files"
	QueueMetadata = "metadata"
)

// Job type names routed by the worker mux.
const (
	TypeUploadProcess  = "upload:process"
	TypeFilesPurge     = "files:purge"
	TypeMetadataDelete = "metadata:delete"
)

// UploadProcessPayload drives the upload processing job.
type UploadProcessPayload struct {
	UploadID string `json:"upload_id"`
}

// FilesPurgePayload drives the staged deletion purge job.
type FilesPurgePayload struct {
	Token     string `json:"token"`
	ProjectID string `json:"project"`
	Path      string `json:"path"`
	IsDir     bool   `json:"is_dir"`
}

// MetadataDeletePayload drives the project metadata cleanup job.
type MetadataDeletePayload struct {
	ProjectID string `json:"project"`
}

// Status is the durable task state.
type Status string

// Task states observable by polling clients.
const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// TaskError is one machine readable failure item.
type TaskError struct {
	Message string   `bson:"message" json:"message"`
	Files   []string `bson:"files,omitempty" json:"files,omitempty"`
}

// Task is the durable job record.
type Task struct {
	ID        string      `bson:"_id" json:"identifier"`
	ProjectID string      `bson:"project" json:"project"`
	Queue     string      `bson:"queue" json:"-"`
	Status    Status      `bson:"status" json:"status"`
	Message   string      `bson:"message" json:"message"`
	Errors    []TaskError `bson:"errors,omitempty" json:"errors,omitempty"`
	CreatedAt time.Time   `bson:"created_at" json:"-"`
}

// Terminal reports whether the task reached done or error.
func (t *Task) Terminal() bool {
	return t.Status != StatusPending
}

// Inspector is the slice of the queue inspection API the service consumes.
type Inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// Service owns the task collection and the queue client.
type Service struct {
	coll       *mongo.Collection
	client     *asynq.Client
	inspector  Inspector
	jobTimeout time.Duration
	failedTTL  time.Duration
}

// NewService returns a task service enqueuing on Redis and persisting task
// records in MongoDB.
func NewService(db *mongo.Database, redisOpt asynq.RedisClientOpt, cfg config.Worker) *Service {
	return &Service{
		coll:       db.Collection("tasks"),
		client:     asynq.NewClient(redisOpt),
		inspector:  asynq.NewInspector(redisOpt),
		jobTimeout: cfg.JobTimeout,
		failedTTL:  cfg.FailedTTL,
	}
}

// Close releases the queue client.
func (s *Service) Close() error {
	return s.client.Close()
}

// Create persists a new pending task record. The record is written before
// the job is enqueued so pollers always find it.
func (s *Service) Create(ctx context.Context, projectID, queue, message string) (*Task, error) {
	t := &Task{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Queue:     queue,
		Status:    StatusPending,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, t); err != nil {
		return nil, errors.Wrap(err, "tasks: error inserting")
	}
	return t, nil
}

// Enqueue submits the job behind a task record. The asynq task id equals
// the record id so the two views can be joined.
func (s *Service) Enqueue(ctx context.Context, t *Task, typename string, payload interface{}) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "tasks: error encoding payload")
	}
	_, err = s.client.EnqueueContext(ctx, asynq.NewTask(typename, buf),
		asynq.TaskID(t.ID),
		asynq.Queue(t.Queue),
		asynq.Timeout(s.jobTimeout),
		asynq.Retention(s.failedTTL),
		asynq.MaxRetry(0),
	)
	return errors.Wrap(err, "tasks: error enqueuing")
}

// Get returns the task record, reconciling it against the queue first: a
// record still pending whose queue state is failed becomes an error with a
// scrubbed message. This tolerates workers that crashed between failing and
// updating the record.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(t)
	if err == mongo.ErrNoDocuments {
		return nil, errtypes.NotFound("Task not found")
	}
	if err != nil {
		return nil, errors.Wrap(err, "tasks: error reading")
	}

	if t.Status == StatusPending && s.inspector != nil {
		info, err := s.inspector.GetTaskInfo(t.Queue, t.ID)
		if err == nil && info.State == asynq.TaskStateArchived {
			t.Status = StatusError
			t.Message = "Internal server error"
			t.Errors = nil
			if err := s.update(ctx, t.ID, bson.M{
				"status":  t.Status,
				"message": t.Message,
				"errors":  nil,
			}); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Pop returns the task and deletes it when terminal, giving the caller
// exactly-once observation of the result. The authorize callback runs
// between the read and the delete so an unauthorized poller cannot consume
// someone else's result.
func (s *Service) Pop(ctx context.Context, id string, authorize func(*Task) error) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if authorize != nil {
		if err := authorize(t); err != nil {
			return nil, err
		}
	}
	if t.Terminal() {
		if err := s.Delete(ctx, id); err != nil {
			var nf errtypes.IsNotFound
			if !errors.As(err, &nf) {
				return nil, err
			}
		}
	}
	return t, nil
}

// Delete removes the task record.
func (s *Service) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errors.Wrap(err, "tasks: error deleting")
	}
	if res.DeletedCount == 0 {
		return errtypes.NotFound("Task not found")
	}
	return nil
}

// MarkDone records a successful terminal transition.
func (s *Service) MarkDone(ctx context.Context, id, message string) error {
	return s.update(ctx, id, bson.M{"status": StatusDone, "message": message, "errors": nil})
}

// MarkError records a failed terminal transition with machine readable
// error items.
func (s *Service) MarkError(ctx context.Context, id, message string, errs []TaskError) error {
	return s.update(ctx, id, bson.M{"status": StatusError, "message": message, "errors": errs})
}

func (s *Service) update(ctx context.Context, id string, set bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return errors.Wrap(err, "tasks: error updating")
	}
	if res.MatchedCount == 0 {
		return errtypes.NotFound("Task not found")
	}
	return nil
}
