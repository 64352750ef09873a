// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/efchatnet/efdm/backend/config"
	"github.com/efchatnet/efdm/backend/integration"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/notify"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/blob"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:], config.Options{})
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log := logging.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Server, log logging.Logger) error {
	// Database connection
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Redis connection
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	// Notification queue
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	queue := asynq.NewClient(redisOpt)
	defer queue.Close()

	var blobs storage.BlobStore
	if cfg.S3.Enabled() {
		s3store, err := blob.NewS3Store(ctx, blob.Options{
			Bucket:        cfg.S3.Bucket,
			Region:        cfg.S3.Region,
			Endpoint:      cfg.S3.Endpoint,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			PublicBaseURL: cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return err
		}
		blobs = s3store
	} else {
		log.Warn(ctx, "s3 bucket not configured, attachment uploads disabled")
	}

	dm, err := integration.NewDMIntegration(ctx, &integration.Config{
		DB:                 db,
		Redis:              rdb,
		Blobs:              blobs,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		Dispatcher:         notify.NewAsynqDispatcher(queue),
		JWTSecret:          cfg.JWTSecret,
		JWTIssuer:          cfg.JWTIssuer,
		Logger:             log,
	})
	if err != nil {
		return err
	}
	if err := dm.ValidateSetup(ctx); err != nil {
		return err
	}

	worker := notify.NewServer(redisOpt, cfg.WorkerConcurrency)
	if err := worker.Start(notify.NewWorker(dm.Notifier(), log.With("component", "notify")).Mux()); err != nil {
		return fmt.Errorf("start notification worker: %w", err)
	}
	defer worker.Shutdown()

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(log.With("component", "http")))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	dm.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", dm.HealthHandler()).Methods("GET")

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "DM server starting", "addr", cfg.Addr, "jwt_issuer", cfg.JWTIssuer)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	return dm.Shutdown(shutdownCtx)
}
