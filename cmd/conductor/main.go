// Copyright 2025 Kadir Pekel
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

// Command conductor runs and inspects governed task graphs.
//
// Usage:
//
//	conductor run graph.yaml --config conductor.yaml
//	conductor validate graph.yaml
//	conductor replay checkpoint.json
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI defines the command-line interface.
type CLI struct {
	Run       RunCmd       `cmd:"" help:"Execute a task graph."`
	Validate  ValidateCmd  `cmd:"" help:"Validate a task graph file."`
	Replay    ReplayCmd    `cmd:"" help:"Replay a saved checkpoint."`
	Negotiate NegotiateCmd `cmd:"" help:"Run a consensus vote over a proposal file."`
	Auction   AuctionCmd   `cmd:"" help:"Run a capability-scored task auction."`

	Config    string `short:"c" help:"Path to conductor config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or custom)." default:"simple"`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Governed task orchestration for AI-agent pipelines"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
