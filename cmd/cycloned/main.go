// Copyright 2025 Tom Barlow
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

// Command cycloned wires every collaborator package into a running
// scheduler.Scheduler for one workflow and run directory, then blocks
// on its tick loop until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/cyclone/internal/broadcast"
	"github.com/tombee/cyclone/internal/config"
	"github.com/tombee/cyclone/internal/events"
	"github.com/tombee/cyclone/internal/executor"
	"github.com/tombee/cyclone/internal/graph"
	"github.com/tombee/cyclone/internal/ingress"
	"github.com/tombee/cyclone/internal/lifecycle"
	"github.com/tombee/cyclone/internal/log"
	"github.com/tombee/cyclone/internal/pool"
	"github.com/tombee/cyclone/internal/runner"
	"github.com/tombee/cyclone/internal/scheduler"
	"github.com/tombee/cyclone/internal/secrets"
	"github.com/tombee/cyclone/internal/sshtransport"
	"github.com/tombee/cyclone/internal/store"
	"github.com/tombee/cyclone/internal/tracing"
	"github.com/tombee/cyclone/pkg/cycle"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		workflow     = flag.String("workflow", "", "workflow name")
		runDirFlag   = flag.String("run-dir", "", "run directory (default: <home>/cyclone-run/<workflow>)")
		flowFileFlag = flag.String("flow-file", "", "path to flow.yaml (default: <run-dir>/flow.yaml)")
		metricsAddr  = flag.String("metrics-addr", "127.0.0.1:0", "address to serve /metrics on; empty disables it")
		tracingOn    = flag.Bool("tracing", false, "emit OpenTelemetry spans around submit/poll/finalize")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cycloned %s (commit %s, built %s)\n", version, commit, buildDate)
		return
	}
	if *workflow == "" {
		fmt.Fprintln(os.Stderr, "cycloned: -workflow is required")
		os.Exit(2)
	}

	runDir := *runDirFlag
	if runDir == "" {
		home, _ := os.UserHomeDir()
		runDir = filepath.Join(home, "cyclone-run", *workflow)
	}
	flowFile := *flowFileFlag
	if flowFile == "" {
		flowFile = filepath.Join(runDir, "flow.yaml")
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if err := run(*workflow, runDir, flowFile, *metricsAddr, *tracingOn, logger); err != nil {
		logger.Error("scheduler exited", "error", err)
		os.Exit(1)
	}
}

func run(workflow, runDir, flowFile, metricsAddr string, tracingOn bool, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Join(runDir, ".service"), 0755); err != nil {
		return fmt.Errorf("cycloned: create run directory: %w", err)
	}

	cfg, err := config.Load(flowFile)
	if err != nil {
		return fmt.Errorf("cycloned: load flow: %w", err)
	}
	resolver, err := cfg.Resolver()
	if err != nil {
		return fmt.Errorf("cycloned: resolve namespaces: %w", err)
	}

	cal := calendarFor(cfg.Scheduling.CyclingMode)
	g, err := graph.Compile(cfg.Scheduling.Graph, cal)
	if err != nil {
		return fmt.Errorf("cycloned: compile graph: %w", err)
	}

	initialPoint, err := parseInitialPoint(cfg.Scheduling.InitialCyclePoint, cal)
	if err != nil {
		return fmt.Errorf("cycloned: parse initial cycle point: %w", err)
	}

	queues := make(map[string]*pool.Queue, len(cfg.Scheduling.Queues))
	for name, q := range cfg.Scheduling.Queues {
		members := make(map[string]bool, len(q.Members))
		for _, m := range q.Members {
			members[m] = true
		}
		queues[name] = &pool.Queue{Limit: q.Limit, Members: members}
	}

	taskPool := pool.New(g, queues, cfg.Scheduling.MaxActiveCyclePoints, cfg.Scheduling.SpawnToMaxActive)

	if cfg.Scheduling.FinalCyclePoint != "" {
		finalPoint, err := parseInitialPoint(cfg.Scheduling.FinalCyclePoint, cal)
		if err != nil {
			return fmt.Errorf("cycloned: parse final cycle point: %w", err)
		}
		taskPool.SetFinalCyclePoint(finalPoint)
	}

	for _, name := range g.Names() {
		taskPool.Spawn(name, initialPoint)
	}

	// spawn_to_max_active_cycle_points forces every namespace in each
	// recurrence's graph to exist up to the runahead horizon immediately,
	// rather than waiting for propagateOutput or self-succession to
	// materialize it lazily (relevant to conditional/optional branches
	// that might otherwise never naturally spawn).
	if cfg.Scheduling.SpawnToMaxActive {
		horizonSteps := taskPool.MaxActiveCyclePoints() - 1
		for _, rec := range g.Recurrences {
			horizon := initialPoint
			for i := 0; i < horizonSteps; i++ {
				next, ok := rec.Rec.Next(horizon)
				if !ok {
					break
				}
				horizon = next
			}
			taskPool.SpawnToHorizon(recurrenceNames(rec.Edges), rec.Rec, initialPoint, horizon)
		}
	}

	dbPath := filepath.Join(runDir, ".service", "db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanShutdown, err := store.Open(ctx, store.Config{Path: dbPath, WAL: true})
	if err != nil {
		return fmt.Errorf("cycloned: open store: %w", err)
	}
	defer st.Close()
	if !cleanShutdown {
		logger.Warn("previous run did not shut down cleanly; resuming from last persisted state")
	}

	broadcasts := broadcast.New(st, nil)

	transport := sshtransport.New("", "")
	execPool := executor.New(executor.Config{Size: 8, DefaultDeadline: 5 * time.Minute, Transport: transport, Logger: logger})

	jobRunner := runner.New(execPool, runDir)
	renderer := &lifecycle.NamespaceRenderer{
		Sections: func(namespace string) lifecycle.ScriptSections {
			ns, _ := resolver.Resolve(namespace)
			return lifecycle.ScriptSections{
				Init: ns.InitScript, Env: ns.EnvScript, Pre: ns.PreScript,
				Main: ns.Script, Post: ns.PostScript, Err: ns.ErrScript, Exit: ns.ExitScript,
			}
		},
		Env: func(namespace string) map[string]string {
			ns, _ := resolver.Resolve(namespace)
			return ns.Environment
		},
	}
	policies := func(namespace string) lifecycle.RetryPolicy {
		ns, _ := resolver.Resolve(namespace)
		return lifecycle.RetryPolicy{
			ExecutionTimeLimit:      ns.Job.ExecutionTimeLimit,
			SubmissionRetryDelays:   ns.Job.SubmissionRetryDelays,
			ExecutionRetryDelays:    ns.Job.ExecutionRetryDelays,
			SubmissionPollIntervals: ns.Job.SubmissionPollIntervals,
			ExecutionPollIntervals:  ns.Job.ExecutionPollIntervals,
		}
	}
	manager := lifecycle.New(jobRunner, renderer, policies)

	mailer := events.NewMailer(events.SMTPConfig{}, cfg.Scheduler.MailBatchInterval, logger)
	defer mailer.Close()
	dispatcher := events.NewDispatcher(execPool, mailer, logger)

	ingressSrv := ingress.New(ingress.Config{
		PortRangeLo:     cfg.Scheduler.Auth.PublicPortRangeLo,
		PortRangeHi:     cfg.Scheduler.Auth.PublicPortRangeHi,
		SharedSecret:    resolveSharedSecret(workflow, cfg.Scheduler.Auth.SharedSecretFile),
		ShutdownTimeout: 10 * time.Second,
		Logger:          logger,
	})
	if _, err := ingressSrv.Start(ctx); err != nil {
		return fmt.Errorf("cycloned: start ingress: %w", err)
	}
	defer ingressSrv.Shutdown(context.Background())

	schedCfg := scheduler.Config{
		Workflow:            workflow,
		RunDir:              runDir,
		HealthCheckInterval: cfg.Scheduler.HealthCheckInterval,
		Calendar:            cal,
		Pool:                taskPool,
		Graph:               g,
		Manager:             manager,
		Store:               st,
		Broadcasts:          broadcasts,
		Ingress:             ingressSrv,
		Dispatcher:          dispatcher,
		Resolver:            resolver,
		StallMailTo:         cfg.Scheduler.Events.MailTo,
		Logger:              logger,
	}

	if tracingOn {
		provider, err := tracing.New(ctx, tracing.Config{Enabled: true, ServiceName: "cycloned"})
		if err != nil {
			return fmt.Errorf("cycloned: start tracing: %w", err)
		}
		defer provider.Shutdown(context.Background())
		schedCfg.Tracer = provider.Tracer()
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	// Auto stop-restart (spec.md §4.10) needs a condemned-host list and
	// a poll source for "am I condemned" that the flow schema does not
	// yet carry a dedicated field for; schedCfg.AutoRestart stays nil
	// until that config surface exists. internal/hostselect implements
	// the ranking and re-exec mechanics already.
	sched := scheduler.New(schedCfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, draining")
		sched.Stop()
	}()

	return sched.Run(ctx)
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}

// resolveSharedSecret checks the system keychain and the encrypted
// file backend (in priority order) for a per-workflow ingress secret
// before falling back to reading cfg.Scheduler.Auth.SharedSecretFile
// verbatim off disk, so operators who never set up secret storage
// keep working exactly as before.
func resolveSharedSecret(workflow, path string) string {
	resolver := secrets.NewResolver(secrets.NewKeychainBackend(), fileBackend())
	if v, err := resolver.Get(context.Background(), "ingress-secret/"+workflow); err == nil {
		return v
	}
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func fileBackend() secrets.SecretBackend {
	b, err := secrets.NewFileBackend("", "")
	if err != nil {
		return disabledBackend{}
	}
	return b
}

// disabledBackend satisfies secrets.SecretBackend when the encrypted
// file backend could not be constructed (e.g. no config directory),
// so resolveSharedSecret's Resolver always has a usable backend list.
type disabledBackend struct{}

func (disabledBackend) Name() string                                       { return "disabled" }
func (disabledBackend) Get(context.Context, string) (string, error)        { return "", secrets.ErrSecretNotFound }
func (disabledBackend) Set(context.Context, string, string) error          { return secrets.ErrBackendUnavailable }
func (disabledBackend) Delete(context.Context, string) error               { return secrets.ErrSecretNotFound }
func (disabledBackend) List(context.Context) ([]string, error)             { return nil, secrets.ErrBackendUnavailable }
func (disabledBackend) Available() bool                                    { return false }
func (disabledBackend) Priority() int                                      { return 0 }

// recurrenceNames collects every distinct namespace referenced as an
// endpoint of edges, for seeding SpawnToHorizon with exactly the
// namespaces one graph recurrence declares.
func recurrenceNames(edges []graph.Edge) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, e := range edges {
		add(e.UpstreamName)
		add(e.DownstreamName)
	}
	return out
}

func calendarFor(mode string) cycle.Calendar {
	switch mode {
	case "360day":
		return cycle.Day360
	case "365day":
		return cycle.Day365
	case "366day":
		return cycle.Day366
	case "integer":
		return cycle.IntegerCalendar
	default:
		return cycle.Gregorian
	}
}

func parseInitialPoint(s string, cal cycle.Calendar) (cycle.Point, error) {
	if s == "" {
		return cycle.NewDatetime(time.Now().UTC(), cal, 4), nil
	}
	if cal == cycle.IntegerCalendar {
		var n int64
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return cycle.Point{}, err
		}
		return cycle.NewInteger(n), nil
	}
	return cycle.ParseDatetime("", s, cal, time.UTC)
}
