// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/offsync/github-mirror/pkg/server"
	"github.com/offsync/github-mirror/pkg/version"
)

var _ cli.Command = (*ServerCommand)(nil)

// ServerCommand starts the mirror server: the HTTP API, the webhook queue
// workers and the queue cleaner.
type ServerCommand struct {
	cli.BaseCommand

	cfg *server.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option
}

func (c *ServerCommand) Desc() string {
	return `Start the github-mirror server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the github-mirror server.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &server.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	srv, handler, mirror, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}
	defer func() {
		if err := mirror.Close(); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "failed to close server", "error", err)
		}
	}()

	// Queue workers and the cleaner run until the context is canceled.
	backgroundErr := make(chan error, 1)
	go func() {
		backgroundErr <- mirror.RunBackground(ctx)
	}()

	if err := srv.StartHTTPHandler(ctx, handler); err != nil {
		return err //nolint:wrapcheck // Want passthrough
	}
	return <-backgroundErr
}

func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, *server.Server, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mirror, err := server.NewServer(ctx, c.cfg, h)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	handler := mirror.Routes(ctx)

	srv, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return srv, handler, mirror, nil
}
