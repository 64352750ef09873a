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

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdm/backend/handlers"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/notify"
	"github.com/efchatnet/efdm/backend/realtime"
	"github.com/efchatnet/efdm/backend/storage"
	"github.com/efchatnet/efdm/backend/storage/postgres"
	redisstore "github.com/efchatnet/efdm/backend/storage/redis"
)

// PathPrefix is where RegisterRoutes mounts the DM API.
const PathPrefix = "/api/dm"

// DMIntegration provides encrypted direct messaging as a plugin for efchat
type DMIntegration struct {
	store    *postgres.Store
	rdb      *redis.Client
	notifier *redisstore.Notifier
	typing   *redisstore.TypingStore

	keyHandler        *handlers.KeyHandler
	dmHandler         *handlers.DMHandler
	attachmentHandler *handlers.AttachmentHandler
	stream            *realtime.StreamHandler

	jwtSecret string
	jwtIssuer string
	log       logging.Logger
}

// Config holds configuration for the DM integration
type Config struct {
	DB    *sql.DB
	Redis *redis.Client
	// Blobs enables attachment uploads when set.
	Blobs              storage.BlobStore
	MaxAttachmentBytes int64
	// Dispatcher queues push notifications. Nil disables them.
	Dispatcher notify.Dispatcher
	JWTSecret  string
	JWTIssuer  string
	Logger     logging.Logger
	// SkipMigrations is for deployments that migrate out of band.
	SkipMigrations bool
}

// NewDMIntegration creates a DM integration that can be embedded into efchat
func NewDMIntegration(ctx context.Context, config *Config) (*DMIntegration, error) {
	if config.DB == nil || config.Redis == nil {
		return nil, &ValidationError{Message: "database and redis are required"}
	}
	log := config.Logger
	if log == nil {
		log = logging.Nop()
	}

	store := postgres.NewStore(config.DB)
	if !config.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	notifier := redisstore.NewNotifier(config.Redis)
	typing := redisstore.NewTypingStore(config.Redis)

	e := &DMIntegration{
		store:      store,
		rdb:        config.Redis,
		notifier:   notifier,
		typing:     typing,
		keyHandler: handlers.NewKeyHandler(store, log),
		dmHandler:  handlers.NewDMHandler(store, notifier, typing, config.Dispatcher, log),
		stream:     realtime.NewStreamHandler(store, notifier, typing, log),
		jwtSecret:  config.JWTSecret,
		jwtIssuer:  config.JWTIssuer,
		log:        log,
	}
	if config.Blobs != nil {
		e.attachmentHandler = handlers.NewAttachmentHandler(config.Blobs, config.MaxAttachmentBytes, log)
	}
	return e, nil
}

// RegisterRoutes adds DM routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (e *DMIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix(PathPrefix).Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.jwtSecret, e.jwtIssuer))
	}

	handlers.Routes(api, e.keyHandler, e.dmHandler, e.attachmentHandler, e.stream)
}

// HealthHandler probes Postgres and Redis.
func (e *DMIntegration) HealthHandler() http.HandlerFunc {
	return handlers.Health(map[string]handlers.Check{
		"database": e.store.Ping,
		"redis":    func(ctx context.Context) error { return e.rdb.Ping(ctx).Err() },
	})
}

// GetStore returns the underlying storage implementation
func (e *DMIntegration) GetStore() *postgres.Store {
	return e.store
}

// Notifier is the Redis publisher, which the notification worker also uses.
func (e *DMIntegration) Notifier() *redisstore.Notifier {
	return e.notifier
}

// ValidateSetup checks if the DM module is properly configured
func (e *DMIntegration) ValidateSetup(ctx context.Context) error {
	if e.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	if err := e.store.Ping(ctx); err != nil {
		return &ValidationError{Message: "database unreachable", Err: err}
	}
	if err := e.rdb.Ping(ctx).Err(); err != nil {
		return &ValidationError{Message: "redis unreachable", Err: err}
	}
	return nil
}

// Shutdown waits for in-flight notification dispatches.
func (e *DMIntegration) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.dmHandler.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Handler getters for bridge integration
func (e *DMIntegration) GetKeyHandler() *handlers.KeyHandler {
	return e.keyHandler
}

func (e *DMIntegration) GetDMHandler() *handlers.DMHandler {
	return e.dmHandler
}
