// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Options control where LoadServer and LoadClient look.
type Options struct {
	// EnvFile is loaded into the process environment if it exists. Empty
	// means ".env".
	EnvFile string
	// Lookup overrides os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (o Options) lookup() func(string) (string, bool) {
	if o.Lookup != nil {
		return o.Lookup
	}
	return os.LookupEnv
}

func (o Options) loadEnvFile() error {
	name := o.EnvFile
	if name == "" {
		name = ".env"
	}
	if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

// LoadServer builds server settings from args (without the program name).
func LoadServer(args []string, opts Options) (*Server, error) {
	cfg := DefaultServer()

	path, err := configPath(args)
	if err != nil {
		return nil, err
	}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := opts.loadEnvFile(); err != nil {
		return nil, err
	}
	if err := applyServerEnv(&cfg, opts.lookup()); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("server", pflag.ContinueOnError)
	fs.String("config", path, "YAML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL DSN")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.StringVar(&cfg.JWTIssuer, "jwt-issuer", cfg.JWTIssuer, "expected JWT issuer")
	fs.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "CORS origins")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")
	fs.Int64Var(&cfg.MaxAttachmentBytes, "max-attachment-bytes", cfg.MaxAttachmentBytes, "attachment upload limit")
	fs.IntVar(&cfg.WorkerConcurrency, "worker-concurrency", cfg.WorkerConcurrency, "notification worker concurrency")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown timeout")
	fs.StringVar(&cfg.S3.Bucket, "s3-bucket", cfg.S3.Bucket, "attachment bucket; empty disables uploads")
	fs.StringVar(&cfg.S3.Region, "s3-region", cfg.S3.Region, "S3 region")
	fs.StringVar(&cfg.S3.Endpoint, "s3-endpoint", cfg.S3.Endpoint, "S3-compatible endpoint")
	fs.StringVar(&cfg.S3.PublicBaseURL, "s3-public-url", cfg.S3.PublicBaseURL, "public URL prefix for attachments")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient builds device settings. Parsing stops at the first non-flag
// argument; the remainder is returned for subcommand dispatch.
func LoadClient(args []string, opts Options) (*Client, []string, error) {
	cfg := DefaultClient()

	path, err := configPath(args)
	if err != nil {
		return nil, nil, err
	}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, nil, err
	}
	if err := opts.loadEnvFile(); err != nil {
		return nil, nil, err
	}
	if err := applyClientEnv(&cfg, opts.lookup()); err != nil {
		return nil, nil, err
	}

	fs := pflag.NewFlagSet("dmctl", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.String("config", path, "YAML config file")
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "DM API base URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	fs.StringVar(&cfg.UserID, "user", cfg.UserID, "your user id")
	fs.StringVar(&cfg.VaultDir, "vault", cfg.VaultDir, "private key vault directory")
	fs.IntVar(&cfg.VaultWorkFactor, "vault-work-factor", cfg.VaultWorkFactor, "scrypt work factor for new vault entries")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, fs.Args(), nil
}

// configPath finds --config before the full flag set exists.
func configPath(args []string) (string, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Usage = func() {}
	path := fs.String("config", "", "")
	fs.BoolP("help", "h", false, "")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *path, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

// get returns the first set variable among EFDM_<name> and the bare
// fallbacks.
func (e *envReader) get(name string, fallbacks ...string) (string, bool) {
	if v, ok := e.lookup(EnvPrefix + name); ok && v != "" {
		return v, true
	}
	for _, f := range fallbacks {
		if v, ok := e.lookup(f); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func (e *envReader) str(dst *string, name string, fallbacks ...string) {
	if v, ok := e.get(name, fallbacks...); ok {
		*dst = v
	}
}

func (e *envReader) list(dst *[]string, name string) {
	if v, ok := e.get(name); ok {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func (e *envReader) int64Var(dst *int64, name string) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) intVar(dst *int, name string) {
	n := int64(*dst)
	e.int64Var(&n, name)
	*dst = int(n)
}

func (e *envReader) duration(dst *time.Duration, name string) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func applyServerEnv(cfg *Server, lookup func(string) (string, bool)) error {
	e := &envReader{lookup: lookup}
	e.str(&cfg.Addr, "ADDR")
	if port, ok := e.get("PORT", "PORT"); ok {
		cfg.Addr = ":" + port
	}
	e.str(&cfg.DatabaseURL, "DATABASE_URL", "DATABASE_URL")
	e.str(&cfg.RedisAddr, "REDIS_ADDR", "REDIS_URL")
	e.str(&cfg.JWTSecret, "JWT_SECRET", "JWT_SECRET")
	e.str(&cfg.JWTIssuer, "JWT_ISSUER", "JWT_ISSUER")
	e.list(&cfg.AllowedOrigins, "ALLOWED_ORIGINS")
	e.str(&cfg.LogLevel, "LOG_LEVEL")
	e.str(&cfg.LogFormat, "LOG_FORMAT")
	e.int64Var(&cfg.MaxAttachmentBytes, "MAX_ATTACHMENT_BYTES")
	e.intVar(&cfg.WorkerConcurrency, "WORKER_CONCURRENCY")
	e.duration(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	e.str(&cfg.S3.Bucket, "S3_BUCKET")
	e.str(&cfg.S3.Region, "S3_REGION")
	e.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	e.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	e.str(&cfg.S3.SecretKey, "S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")
	e.str(&cfg.S3.PublicBaseURL, "S3_PUBLIC_URL")
	return errors.Join(e.errs...)
}

func applyClientEnv(cfg *Client, lookup func(string) (string, bool)) error {
	e := &envReader{lookup: lookup}
	e.str(&cfg.ServerURL, "SERVER_URL")
	e.str(&cfg.Token, "TOKEN")
	e.str(&cfg.UserID, "USER_ID")
	e.str(&cfg.VaultDir, "VAULT_DIR")
	e.str(&cfg.VaultPassphrase, "VAULT_PASSPHRASE")
	e.intVar(&cfg.VaultWorkFactor, "VAULT_WORK_FACTOR")
	e.str(&cfg.LogLevel, "LOG_LEVEL")
	e.str(&cfg.LogFormat, "LOG_FORMAT")
	return errors.Join(e.errs...)
}
