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

// Command pifsd runs the pre-ingest file storage service: the HTTP API and
// the background job workers in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	pifshttp "github.com/dpres/pifs/internal/http"
	"github.com/dpres/pifs/internal/http/services/pifs"
	"github.com/dpres/pifs/internal/worker"
	"github.com/dpres/pifs/pkg/auth"
	"github.com/dpres/pifs/pkg/catalogue"
	"github.com/dpres/pifs/pkg/config"
	"github.com/dpres/pifs/pkg/datasets"
	"github.com/dpres/pifs/pkg/fileregistry"
	"github.com/dpres/pifs/pkg/lock"
	"github.com/dpres/pifs/pkg/project"
	"github.com/dpres/pifs/pkg/tasks"
	"github.com/dpres/pifs/pkg/trash"
	"github.com/dpres/pifs/pkg/upload"
)

func main() {
	confFile := flag.String("c", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*confFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading configuration:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error setting up logging:", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service failed")
	}
}

func newLogger(c config.Log) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Logger{}, errors.Wrap(err, "invalid log level")
	}
	var w io.Writer = os.Stderr
	if c.Mode == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// sweepSessions periodically drops expired session tokens so short lived
// grants do not pile up in the store.
func sweepSessions(ctx context.Context, log zerolog.Logger, tokens *auth.TokenStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := tokens.CleanSessions(ctx)
			if err != nil {
				log.Error().Err(err).Msg("error cleaning session tokens")
				continue
			}
			if n > 0 {
				log.Info().Int64("removed", n).Msg("cleaned expired session tokens")
			}
		}
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return errors.Wrap(err, "error connecting to mongodb")
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return errors.Wrap(err, "error reaching mongodb")
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "error reaching redis")
	}
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	for _, dir := range []string{
		cfg.Storage.ProjectsPath,
		cfg.Storage.TmpPath,
		cfg.Storage.TrashPath,
		cfg.Storage.TusPath,
	} {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return errors.Wrap(err, "error creating storage directory")
		}
	}

	projects := project.NewStore(db, cfg.Storage.ProjectsPath)
	registry := fileregistry.NewRegistry(db)
	if err := registry.EnsureIndexes(ctx); err != nil {
		return err
	}
	tokens := auth.NewTokenStore(db, cfg.Auth.CacheTTL)
	if err := tokens.EnsureIndexes(ctx); err != nil {
		return err
	}
	users := auth.NewUserStore(db)
	authn := auth.NewAuthenticator(cfg.Auth, tokens, users)

	cat := catalogue.New(cfg.Catalogue, cfg.Storage.StorageID)
	locks := lock.New(redisClient, cfg.Upload.LockTTL)
	uploads := upload.NewManager(cfg, upload.NewStore(db), projects, registry, cat, locks)
	tusStore := upload.NewTusStore(uploads, cfg.Storage.TusPath)
	guard := datasets.NewGuard(registry, cat)
	trashMgr := trash.NewManager(cfg.Storage.TrashPath, projects, registry, cat, guard)
	taskSvc := tasks.NewService(db, redisOpt, cfg.Worker)

	svc, err := pifs.New(cfg, projects, registry, uploads, tusStore, trashMgr,
		guard, taskSvc, locks, cat, tokens, users)
	if err != nil {
		return err
	}
	httpSrv := pifshttp.New(cfg, log, svc, authn)
	wrk := worker.New(cfg, log, taskSvc, uploads, tusStore, trashMgr, projects, locks, cat)

	errCh := make(chan error, 2)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	go func() { errCh <- wrk.Run() }()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go sweepSessions(sweepCtx, log, tokens, cfg.Auth.SessionSweepInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("component failed, shutting down")
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("error shutting down http server")
	}
	wrk.Shutdown()
	if err := taskSvc.Close(); err != nil {
		log.Error().Err(err).Msg("error closing task queue client")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("error closing redis client")
	}
	if err := mongoClient.Disconnect(shutCtx); err != nil {
		log.Error().Err(err).Msg("error disconnecting from mongodb")
	}
	return nil
}
