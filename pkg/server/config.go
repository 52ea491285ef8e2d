// Copyright 2025 The Authors (see AUTHORS file)
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

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abcxyz/pkg/cli"
	"github.com/sethvargo/go-envconfig"
)

// Config defines the set of environment variables required for running the
// mirror service.
type Config struct {
	Port         string `env:"PORT,default=8080"`
	DatabasePath string `env:"DATABASE_PATH,default=github-mirror.db"`
	BaseURL      string `env:"BASE_URL"`

	GitHubClientID      string `env:"GITHUB_CLIENT_ID"`
	GitHubClientSecret  string `env:"GITHUB_CLIENT_SECRET"`
	GitHubWebhookSecret string `env:"GITHUB_WEBHOOK_SECRET"`
	GitHubAppID         string `env:"GITHUB_APP_ID"`
	GitHubAppPrivateKey string `env:"GITHUB_APP_PRIVATE_KEY"`
	GitHubAppSlug       string `env:"GITHUB_APP_SLUG"`
	GitHubAPIBaseURL    string `env:"GITHUB_API_BASE_URL"`

	AllowLocalWebhookRegistration bool   `env:"ALLOW_LOCAL_WEBHOOK_REGISTRATION,default=false"`
	WebhookOpsToken               string `env:"WEBHOOK_OPS_TOKEN"`

	QueueWorkers            int           `env:"QUEUE_WORKERS,default=1"`
	QueueProcessedRetention time.Duration `env:"QUEUE_PROCESSED_RETENTION,default=24h"`
	QueueDeadRetention      time.Duration `env:"QUEUE_DEAD_RETENTION,default=168h"`
}

// NewConfigFromEnv populates a config purely from the environment.
func NewConfigFromEnv(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return &cfg, nil
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.DatabasePath == "" {
		merr = errors.Join(merr, fmt.Errorf("DATABASE_PATH is required"))
	}

	if cfg.BaseURL == "" {
		merr = errors.Join(merr, fmt.Errorf("BASE_URL is required"))
	}

	if cfg.GitHubClientID == "" {
		merr = errors.Join(merr, fmt.Errorf("GITHUB_CLIENT_ID is required"))
	}

	if cfg.GitHubClientSecret == "" {
		merr = errors.Join(merr, fmt.Errorf("GITHUB_CLIENT_SECRET is required"))
	}

	if cfg.GitHubWebhookSecret == "" {
		merr = errors.Join(merr, fmt.Errorf("GITHUB_WEBHOOK_SECRET is required"))
	}

	if cfg.QueueWorkers <= 0 {
		merr = errors.Join(merr, fmt.Errorf("QUEUE_WORKERS must be greater than 0"))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("SERVER OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the server listens to.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "database-path",
		Target:  &cfg.DatabasePath,
		EnvVar:  "DATABASE_PATH",
		Default: "github-mirror.db",
		Usage:   `Path of the SQLite database file holding the mirror.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "base-url",
		Target: &cfg.BaseURL,
		EnvVar: "BASE_URL",
		Usage:  `Public base URL of this service, used for OAuth redirects and webhook registration.`,
	})

	g := set.NewSection("GITHUB OPTIONS")

	g.StringVar(&cli.StringVar{
		Name:   "github-client-id",
		Target: &cfg.GitHubClientID,
		EnvVar: "GITHUB_CLIENT_ID",
		Usage:  `The client ID of the GitHub OAuth app.`,
	})

	g.StringVar(&cli.StringVar{
		Name:   "github-client-secret",
		Target: &cfg.GitHubClientSecret,
		EnvVar: "GITHUB_CLIENT_SECRET",
		Usage:  `The client secret of the GitHub OAuth app.`,
	})

	g.StringVar(&cli.StringVar{
		Name:   "github-webhook-secret",
		Target: &cfg.GitHubWebhookSecret,
		EnvVar: "GITHUB_WEBHOOK_SECRET",
		Usage:  `The shared secret that signs incoming webhook deliveries.`,
	})

	g.StringVar(&cli.StringVar{
		Name:   "github-app-id",
		Target: &cfg.GitHubAppID,
		EnvVar: "GITHUB_APP_ID",
		Usage:  `The provisioned GitHub App ID, when running as an App.`,
	})

	g.StringVar(&cli.StringVar{
		Name:   "github-app-private-key",
		Target: &cfg.GitHubAppPrivateKey,
		EnvVar: "GITHUB_APP_PRIVATE_KEY",
		Usage:  `The PEM-encoded private key of the GitHub App ('\n' escapes are accepted).`,
	})

	g.StringVar(&cli.StringVar{
		Name:   "github-app-slug",
		Target: &cfg.GitHubAppSlug,
		EnvVar: "GITHUB_APP_SLUG",
		Usage:  `The URL slug of the GitHub App, used for installation redirects.`,
	})

	g.StringVar(&cli.StringVar{
		Name:   "github-api-base-url",
		Target: &cfg.GitHubAPIBaseURL,
		EnvVar: "GITHUB_API_BASE_URL",
		Usage:  `Overrides the GitHub API base URL (GHES, tests).`,
	})

	g.BoolVar(&cli.BoolVar{
		Name:    "allow-local-webhook-registration",
		Target:  &cfg.AllowLocalWebhookRegistration,
		EnvVar:  "ALLOW_LOCAL_WEBHOOK_REGISTRATION",
		Default: false,
		Usage:   `Register webhooks even when BASE_URL points at a loopback or private host.`,
	})

	q := set.NewSection("QUEUE OPTIONS")

	q.StringVar(&cli.StringVar{
		Name:   "webhook-ops-token",
		Target: &cfg.WebhookOpsToken,
		EnvVar: "WEBHOOK_OPS_TOKEN",
		Usage:  `Bearer token protecting the webhook queue operator endpoints.`,
	})

	q.IntVar(&cli.IntVar{
		Name:    "queue-workers",
		Target:  &cfg.QueueWorkers,
		EnvVar:  "QUEUE_WORKERS",
		Default: 1,
		Usage:   `Number of concurrent webhook queue workers.`,
	})

	q.DurationVar(&cli.DurationVar{
		Name:    "queue-processed-retention",
		Target:  &cfg.QueueProcessedRetention,
		EnvVar:  "QUEUE_PROCESSED_RETENTION",
		Default: 24 * time.Hour,
		Usage:   `How long processed queue items are retained.`,
	})

	q.DurationVar(&cli.DurationVar{
		Name:    "queue-dead-retention",
		Target:  &cfg.QueueDeadRetention,
		EnvVar:  "QUEUE_DEAD_RETENTION",
		Default: 7 * 24 * time.Hour,
		Usage:   `How long dead-lettered queue items are retained.`,
	})

	return set
}
