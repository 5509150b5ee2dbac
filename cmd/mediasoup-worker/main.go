// Copyright 2024 The Mediasoup Worker Authors.
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

package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/mediasoup/worker/internal/channel"
	"github.com/mediasoup/worker/internal/config"
	"github.com/mediasoup/worker/internal/logger"
	"github.com/mediasoup/worker/internal/worker"
)

var flags = []cli.Flag{
	&cli.IntFlag{
		Name:  "channel-fd",
		Usage: "inherited file descriptor carrying the control channel",
	},
	&cli.StringFlag{
		Name:  "channel-socket",
		Usage: "unix domain socket path carrying the control channel",
	},
	&cli.StringFlag{
		Name:     "worker-id",
		Usage:    "identifier for this worker, echoed in logs",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to a YAML settings file",
	},
}

func main() {
	app := &cli.App{
		Name:   "mediasoup-worker",
		Usage:  "single-threaded media worker process",
		Flags:  flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(42)
	}
}

func run(c *cli.Context) error {
	log := logger.Named("worker")

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	stream, err := openChannelStream(c)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	ch := channel.New(stream, log)
	w := worker.New(ch, cfg, log)

	code := w.Run(context.Background())
	os.Exit(code)
	return nil
}

// openChannelStream resolves the control channel from either an inherited
// file descriptor or a unix domain socket path, per spec.md section 6.
func openChannelStream(c *cli.Context) (net.Conn, error) {
	if path := c.String("channel-socket"); path != "" {
		return net.Dial("unix", path)
	}
	if fd := c.Int("channel-fd"); fd != 0 {
		conn, err := net.FileConn(os.NewFile(uintptr(fd), "channel"))
		if err != nil {
			return nil, fmt.Errorf("fd %d: %w", fd, err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("one of --channel-fd or --channel-socket is required")
}
