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

// Package config loads server and device settings. Sources are applied in
// order: defaults, a YAML file named by --config, the environment (after
// loading .env), then command-line flags.
package config

import (
	"errors"
	"time"

	"github.com/efchatnet/efdm/backend/keystore"
	"github.com/efchatnet/efdm/backend/middleware"
)

const EnvPrefix = "EFDM_"

type S3 struct {
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Endpoint      string `yaml:"endpoint"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Enabled reports whether attachment storage is configured.
func (s S3) Enabled() bool { return s.Bucket != "" }

// Server holds settings for cmd/server.
type Server struct {
	Addr               string        `yaml:"addr"`
	DatabaseURL        string        `yaml:"database_url"`
	RedisAddr          string        `yaml:"redis_addr"`
	JWTSecret          string        `yaml:"jwt_secret"`
	JWTIssuer          string        `yaml:"jwt_issuer"`
	AllowedOrigins     []string      `yaml:"allowed_origins"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	MaxAttachmentBytes int64         `yaml:"max_attachment_bytes"`
	WorkerConcurrency  int           `yaml:"worker_concurrency"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	S3                 S3            `yaml:"s3"`
}

func DefaultServer() Server {
	return Server{
		Addr:               ":8081",
		DatabaseURL:        "postgres://localhost/efdm?sslmode=disable",
		RedisAddr:          "localhost:6379",
		JWTIssuer:          "efchat",
		AllowedOrigins:     append([]string(nil), middleware.DefaultAllowedOrigins...),
		LogLevel:           "info",
		LogFormat:          "json",
		MaxAttachmentBytes: 10 << 20,
		WorkerConcurrency:  10,
		ShutdownTimeout:    15 * time.Second,
	}
}

func (s *Server) Validate() error {
	var errs []error
	if s.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if s.DatabaseURL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if s.RedisAddr == "" {
		errs = append(errs, errors.New("redis address is required"))
	}
	if s.MaxAttachmentBytes <= 0 {
		errs = append(errs, errors.New("max attachment bytes must be positive"))
	}
	return errors.Join(errs...)
}

// Client holds settings for a device (cmd/dmctl). The vault passphrase is
// only read from the environment.
type Client struct {
	ServerURL       string `yaml:"server_url"`
	Token           string `yaml:"token"`
	UserID          string `yaml:"user_id"`
	VaultDir        string `yaml:"vault_dir"`
	VaultPassphrase string `yaml:"-"`
	VaultWorkFactor int    `yaml:"vault_work_factor"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
}

func DefaultClient() Client {
	return Client{
		ServerURL:       "http://localhost:8081/api/dm",
		VaultDir:        ".efdm",
		VaultWorkFactor: keystore.DefaultWorkFactor,
		LogLevel:        "warn",
		LogFormat:       "text",
	}
}

func (c *Client) Validate() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, errors.New("server url is required"))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if c.VaultPassphrase == "" {
		errs = append(errs, errors.New(EnvPrefix+"VAULT_PASSPHRASE is required"))
	}
	return errors.Join(errs...)
}
