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
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/conductor/pkg/balancer"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/engine"
	"github.com/kadirpekel/conductor/pkg/graph"
	"github.com/kadirpekel/conductor/pkg/telemetry"
)

// RunCmd loads a task graph and a configuration file, wires a DAGEngine
// per the configuration, and executes the graph to completion.
type RunCmd struct {
	Graph               string        `arg:"" name:"graph" help:"Graph definition file path." placeholder:"PATH"`
	CommandTimeout      time.Duration `name:"command-timeout" help:"Per-task shell command timeout." default:"5m"`
	MetricsAddr         string        `name:"metrics-addr" help:"Address to serve Prometheus /metrics on (empty = disabled)." placeholder:"HOST:PORT"`
	Workers             string        `name:"workers" help:"Worker pool definition file (empty = run tasks locally via ShellExecutor)." placeholder:"PATH"`
	BalancerStrategy    string        `name:"balancer-strategy" help:"Worker selection strategy (ROUND_ROBIN, LEAST_LOADED, CAPABILITY_MATCH)." default:"LEAST_LOADED"`
	MaxFailoverAttempts int           `name:"max-failover-attempts" help:"Failover attempts before a distributed dispatch gives up." default:"2"`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg := &config.Config{}
	if cli.Config != "" {
		loaded, err := config.Load(cli.Config)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg.SetDefaults()
	}

	g, err := loadGraph(c.Graph)
	if err != nil {
		return fmt.Errorf("loading graph: %w", err)
	}
	if verr := g.Validate(); verr != nil && verr.HasErrors() {
		return fmt.Errorf("graph invalid: %w", verr)
	}

	var metrics telemetry.Emitter
	if c.MetricsAddr != "" {
		prom := telemetry.NewPrometheusEmitter(telemetry.PrometheusConfig{})
		metrics = prom
		go serveMetrics(c.MetricsAddr, prom)
	}

	w, err := buildEngine(cfg, slog.Default(), metrics)
	if err != nil {
		return fmt.Errorf("wiring engine: %w", err)
	}

	dispatcher, err := c.buildDispatcher()
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}

	result, err := w.engine.Execute(ctx, g, dispatcher)
	if err != nil {
		return fmt.Errorf("executing graph: %w", err)
	}

	fmt.Printf("tasks=%d completed=%d failed=%d skipped=%d retries=%d duration=%dms circuit_broken=%v timed_out=%v\n",
		result.TotalTasks, result.Completed, result.Failed, result.Skipped, result.Retries,
		result.DurationMs, result.CircuitBroken, result.TimedOut)

	printAdaptationAdvice(w, g)

	if result.Failed > 0 || result.CircuitBroken {
		return fmt.Errorf("execution completed with failures")
	}
	return nil
}

// buildDispatcher returns the ShellExecutor directly when no worker
// pool is configured, or a DistributedDispatcher racing/failing-over
// across the declared pool (still ultimately executing shell commands
// locally via shellBalancerExecutor) when --workers is set.
func (c *RunCmd) buildDispatcher() (engine.Dispatcher, error) {
	shell := ShellExecutor{Timeout: c.CommandTimeout}
	if c.Workers == "" {
		return shell, nil
	}

	reg, err := loadRegistry(c.Workers)
	if err != nil {
		return nil, err
	}
	slog.Info("worker pool loaded", "workers", reg.Names())

	lb := balancer.New(balancer.Strategy(c.BalancerStrategy))
	dispatcher := balancer.NewDistributedDispatcher(reg, lb, shellBalancerExecutor{inner: shell}, balancer.Config{
		DefaultDispatchTimeout: c.CommandTimeout,
		MaxFailoverAttempts:    c.MaxFailoverAttempts,
	})
	return distributedDispatcherAdapter{inner: dispatcher}, nil
}

// printAdaptationAdvice prints any recommendation the AdaptationEngine
// has for each distinct (agent, kind) pair that appeared in the graph,
// once its tracker has absorbed this run's outcomes.
func printAdaptationAdvice(w *wired, g *graph.Graph) {
	seen := make(map[string]bool)
	now := time.Now()
	for _, t := range g.Tasks() {
		key := t.AgentHint() + "|" + string(t.Kind())
		if seen[key] {
			continue
		}
		seen[key] = true
		for _, rec := range w.adaptation.Recommend(t.AgentHint(), t.Kind(), now) {
			fmt.Printf("advice: agent=%s kind=%s type=%s detail=%v\n", rec.Agent, rec.Kind, rec.Type, rec.Detail)
		}
	}
}

func serveMetrics(addr string, emitter *telemetry.PrometheusEmitter) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", emitter.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}
