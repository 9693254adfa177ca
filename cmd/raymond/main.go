// Package main is the entry point for the raymond workflow orchestration
// core. It is a minimal demo front end per SPEC_FULL §6: not itself in
// scope (spec.md §1 treats a CLI as an external collaborator), but present
// so the module is runnable and every operation named by the spec is
// exercised end to end.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/config"
	"github.com/raymondcli/raymond/internal/logging"
	"github.com/raymondcli/raymond/internal/tracing"
	"github.com/raymondcli/raymond/internal/workflow/agentexec"
	"github.com/raymondcli/raymond/internal/workflow/applicator"
	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/controlapi"
	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/observers"
	"github.com/raymondcli/raymond/internal/workflow/runindex"
	"github.com/raymondcli/raymond/internal/workflow/scheduler"
	"github.com/raymondcli/raymond/internal/workflow/store"
)

func main() {
	// 1. Parse the demo command-line surface (spec.md §6: start path,
	// budget, model, effort, timeout, debug/quiet, resume-by-id).
	var (
		scopeDir    = flag.String("scope", ".", "workflow scope directory")
		startState  = flag.String("start", "", "starting state filename (new workflow only)")
		workflowID  = flag.String("id", "", "workflow id for a new workflow; generated when empty")
		resumeID    = flag.String("resume", "", "resume a previously persisted workflow by id instead of starting a new one")
		seedResult  = flag.String("seed-result", "", "seed value for the starting agent's {{result}} placeholder (new workflow only)")
		budget      = flag.Float64("budget", 0, "workflow budget (0 disables enforcement)")
		defModel    = flag.String("model", "", "default model passed to LLM states")
		defEffort   = flag.String("effort", "", "default effort passed to LLM states")
		agentCmd    = flag.String("agent-cmd", "claude", "external coding-agent command")
		timeout     = flag.Duration("timeout", 10*time.Minute, "per-step wall-clock timeout")
		debug       = flag.Bool("debug", false, "enable debug logging and the on-disk debug observer")
		quiet       = flag.Bool("quiet", false, "suppress console progress output")
		serveAPI    = flag.Bool("serve", false, "keep the control API listening after the initial workflow reaches a terminal state")
	)
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 3. Initialize logger.
	logCfg := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath}
	if *debug {
		logCfg.Level = "debug"
	}
	log, err := logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)
	log.Info("starting raymond")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Persistent store (C5).
	st, err := store.New(cfg.Workflow.StoreDir)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}

	// 5. Run index (C12). Sqlite by default; postgres via pgx's stdlib
	// driver when configured, mirroring the teacher's driver-by-config
	// selection in internal/persistence.
	conn, driverName, err := openRunIndexDB(cfg.Database)
	if err != nil {
		log.Fatal("failed to open run index database", zap.Error(err))
	}
	defer conn.Close()
	idx, err := runindex.Open(conn, driverName)
	if err != nil {
		log.Fatal("failed to initialize run index", zap.Error(err))
	}

	// 6. Event bus (C6) and its observers (C11).
	b := bus.New(log.Zap())

	console := observers.NewConsoleReporter(os.Stdout, *quiet)
	console.Register(b)
	if !*quiet {
		title := observers.NewTitleReporter(os.Stdout)
		title.Register(b)
	}
	if *debug {
		dbg := observers.NewDebugObserver(cfg.Workflow.StoreDir, log.Zap())
		dbg.Register(b)
	}
	runObserver := runindex.NewObserver(idx, func(err error) {
		log.Warn("run index observer error", zap.Error(err))
	})
	runObserver.Register(b)
	ring := observers.NewRingBuffer(500)
	ring.Register(b)

	// 7. Optional remote bridges (C15) — constructed only when configured,
	// per §4.15's "no degraded in-memory shim" decision.
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.MaxReconnects(cfg.NATS.MaxReconnects))
		if err != nil {
			log.Error("failed to connect to NATS; continuing without the event bridge", zap.Error(err))
		} else {
			defer nc.Close()
			natsBridge := observers.NewNATSBridge(nc, cfg.NATS.SubjectPrefix, log.Zap())
			natsBridge.Register(b)
			log.Info("nats event bridge registered", zap.String("url", cfg.NATS.URL))
		}
	}
	wsHub := observers.NewWSHub(log.Zap())
	wsHub.RegisterBus(b)
	go wsHub.Run(ctx)

	// 8. Tracing (C14) — no-op unless OTEL_EXPORTER_OTLP_ENDPOINT or
	// cfg.Tracing.Endpoint is set.
	if cfg.Tracing.Endpoint != "" {
		os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	// 9. Executors (C7/C8) and applicator (C9).
	launcher := &agentexec.CLILauncher{Command: []string{*agentCmd}, Log: log.Zap()}
	llm := &agentexec.LLMExecutor{
		Launcher: launcher,
		Bus:      b,
		Config: agentexec.LLMConfig{
			DefaultModel:  *defModel,
			DefaultEffort: *defEffort,
			WallClock:     *timeout,
			IdleOutput:    *timeout,
			Cleanup:       30 * time.Second,
		},
		GOOS: osGOOS(),
		Log:  log.Zap(),
	}
	script := &agentexec.ScriptExecutor{
		Bus:    b,
		Config: agentexec.ScriptConfig{WallClock: *timeout},
		GOOS:   osGOOS(),
		Log:    log.Zap(),
	}
	app := applicator.New(b, log.Zap())

	// 10. Scheduler (C10).
	sched := scheduler.New(st, b, app, llm, script, scheduler.Config{}, log.Zap())

	// 11. Control API (C13), always constructed and always listening on
	// cfg.Server.Host:cfg.Server.Port.
	svc := controlapi.NewService(st, idx, sched, b, ring, log.Zap(), ctx)
	router := controlapi.NewRouter(svc)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("control API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control API server error", zap.Error(err))
		}
	}()

	// 12. Recover any workflows left mid-step or paused from a prior run
	// (§4.5 "Recovery").
	recovered, diagnostics, err := st.Recover()
	if err != nil {
		log.Error("recovery scan failed", zap.Error(err))
	}
	for _, d := range diagnostics {
		log.Warn("workflow skipped during recovery", zap.String("workflowId", d.WorkflowID), zap.String("reason", d.Reason))
	}
	for _, wf := range recovered {
		wf := wf
		log.Info("resuming recovered workflow", zap.String("workflowId", wf.WorkflowID))
		go svc.RunAndTrack(ctx, wf, false)
	}

	// 13. Start or resume the workflow named on the command line, if any.
	// done fires once that workflow reaches a terminal state or pause; with
	// -serve unset, the process exits as soon as that happens instead of
	// waiting indefinitely for a signal (§6 "runs one workflow to
	// completion or pause").
	done := make(chan struct{})
	ranOne := false
	switch {
	case *resumeID != "":
		wf, err := st.Read(*resumeID)
		if err != nil {
			log.Fatal("failed to read workflow to resume", zap.Error(err))
		}
		scheduler.Resume(wf)
		ranOne = true
		go func() {
			svc.RunAndTrack(ctx, wf, false)
			close(done)
		}()
	case *startState != "":
		id := *workflowID
		if id == "" {
			id = fmt.Sprintf("wf-%d", time.Now().UnixNano())
		}
		mainAgent := &model.Agent{ID: "main", CurrentState: *startState}
		if *seedResult != "" {
			mainAgent.PendingResult = seedResult
		}
		wf := &model.Workflow{
			WorkflowID:   id,
			ScopeDir:     *scopeDir,
			Budget:       *budget,
			ForkCounters: map[string]int{},
			Agents:       []*model.Agent{mainAgent},
		}
		ranOne = true
		go func() {
			svc.RunAndTrack(ctx, wf, true)
			close(done)
		}()
	}

	// 14. Wait for shutdown signal, or for the one workflow above to finish
	// when not asked to keep serving the control API.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if ranOne && !*serveAPI {
		select {
		case <-done:
			log.Info("workflow reached a terminal state; shutting down")
		case <-quit:
			log.Info("shutdown signal received")
		}
	} else {
		<-quit
		log.Info("shutdown signal received")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("control API shutdown error", zap.Error(err))
	}

	log.Info("raymond stopped")
}

// openRunIndexDB opens the run index's backing *sql.DB per cfg.Database,
// returning the driver name runindex.Open expects.
func openRunIndexDB(cfg config.DatabaseConfig) (*sql.DB, string, error) {
	switch cfg.Driver {
	case "", "sqlite":
		conn, err := sql.Open("sqlite3", cfg.Path)
		return conn, "sqlite3", err
	case "postgres":
		conn, err := sql.Open("pgx", cfg.DSN())
		return conn, "postgres", err
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func osGOOS() string {
	return runtime.GOOS
}
