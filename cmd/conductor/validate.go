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

package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// ValidateCmd checks a graph definition file for structural errors
// (missing dependencies, cycles) without executing it.
type ValidateCmd struct {
	Graph  string `arg:"" name:"graph" help:"Graph definition file path." placeholder:"PATH"`
	Format string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	g, err := loadGraph(c.Graph)
	if err != nil {
		return c.printLoadError(err)
	}

	if verr := g.Validate(); verr != nil {
		return c.printValidationError(verr)
	}

	c.printSuccess(g.Len())
	return nil
}

type validationResult struct {
	Valid bool   `json:"valid"`
	File  string `json:"file"`
	Tasks int    `json:"tasks,omitempty"`
	Error string `json:"error,omitempty"`
}

func (c *ValidateCmd) printLoadError(err error) error {
	switch c.Format {
	case "json":
		c.printJSON(validationResult{Valid: false, File: c.Graph, Error: err.Error()})
	case "verbose":
		fmt.Fprintf(os.Stderr, "Graph Load Error\n================\n\nFile:  %s\nError: %s\n", c.Graph, err)
	default:
		fmt.Fprintf(os.Stderr, "%s: load error: %s\n", c.Graph, err)
	}
	return fmt.Errorf("graph load failed")
}

func (c *ValidateCmd) printValidationError(verr error) error {
	switch c.Format {
	case "json":
		c.printJSON(validationResult{Valid: false, File: c.Graph, Error: verr.Error()})
	case "verbose":
		fmt.Fprintf(os.Stderr, "Graph Validation Failed\n========================\n\nFile:  %s\nError: %s\n", c.Graph, verr)
	default:
		fmt.Fprintf(os.Stderr, "%s: invalid: %s\n", c.Graph, verr)
	}
	return fmt.Errorf("graph validation failed")
}

func (c *ValidateCmd) printSuccess(tasks int) {
	switch c.Format {
	case "json":
		c.printJSON(validationResult{Valid: true, File: c.Graph, Tasks: tasks})
	case "verbose":
		fmt.Fprintf(os.Stdout, "Graph Validation Successful\n============================\n\nFile:  %s\nTasks: %d\nStatus: OK\n", c.Graph, tasks)
	default:
		fmt.Fprintf(os.Stdout, "%s: valid (%d tasks)\n", c.Graph, tasks)
	}
}

func (c *ValidateCmd) printJSON(res validationResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "encoding JSON: %v\n", err)
	}
}
