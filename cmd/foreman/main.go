// Command foreman runs the workflow orchestration engine: it opens the
// store, seeds the phase catalog, constructs engine.Engine, and serves
// the dashboard — or, with -cli, just runs the engine's background loops
// (orchestrator and health monitor) with no web server at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rivergate/foreman/domain"
	"github.com/rivergate/foreman/engine"
	"github.com/rivergate/foreman/intake"
	"github.com/rivergate/foreman/internal/web"
	"github.com/rivergate/foreman/orchestrator"
	"github.com/rivergate/foreman/phase"
	"github.com/rivergate/foreman/store"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		dbPath        = flag.String("db", "foreman.db", "SQLite database path")
		dashboardPort = flag.String("port", "8080", "Dashboard server port")
		cliMode       = flag.Bool("cli", false, "Run the orchestrator and health monitor only, with no dashboard")
		autoStart     = flag.Bool("auto", true, "Start the orchestrator and health monitor immediately")
		cycleInterval = flag.Duration("interval", 250*time.Millisecond, "Orchestrator assignment cycle interval")
		showStatus    = flag.Bool("status", false, "Print ticket counts by status and exit")
		showVersion   = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("foreman %s (commit: %s)\n", version, gitCommit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	catalog := phase.DefaultCatalog()
	schemas, err := intake.NewSchemaRegistry()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build schema registry: %v\n", err)
		os.Exit(1)
	}

	orchCfg := orchestrator.DefaultConfig()
	orchCfg.CycleInterval = *cycleInterval

	registerer := prometheus.NewRegistry()
	eng, err := engine.New(db, catalog, schemas, engine.Config{
		Orchestrator: orchCfg,
		Registerer:   registerer,
	}, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "construct engine: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	for _, p := range catalog.All() {
		if err := eng.Store.UpsertPhase(ctx, p); err != nil {
			fmt.Fprintf(os.Stderr, "seed phase %s: %v\n", p.ID, err)
			os.Exit(1)
		}
	}

	if *showStatus {
		runStatus(eng)
		return
	}

	if *cliMode {
		runCLI(eng, *autoStart)
		return
	}

	runDashboard(eng, registerer, logger, *dashboardPort, *autoStart)
}

func runStatus(eng *engine.Engine) {
	ctx := context.Background()
	for _, status := range []domain.TicketStatus{
		domain.TicketPending, domain.TicketInProgress, domain.TicketBlocked,
		domain.TicketCompleted, domain.TicketFailed, domain.TicketCancelled,
	} {
		tickets, err := eng.Store.ListTicketsByStatus(ctx, status)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list tickets (%s): %v\n", status, err)
			os.Exit(1)
		}
		fmt.Printf("%-12s %d\n", status, len(tickets))
	}
}

// runCLI starts the engine's background loops (orchestrator cycles, health
// sweeps) without a dashboard, for scripted or headless deployment.
func runCLI(eng *engine.Engine, autoStart bool) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	if autoStart {
		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "start engine: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Println("foreman running in CLI mode, press Ctrl+C to stop")
	<-ctx.Done()
	eng.Stop()
}

// runDashboard is the default mode: the dashboard serves while the
// orchestrator and health monitor run in the background.
func runDashboard(eng *engine.Engine, registerer *prometheus.Registry, logger *slog.Logger, port string, autoStart bool) {
	srv, err := web.NewServer(eng, logger, registerer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "construct dashboard: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
		eng.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Stop(shutdownCtx)
	}()

	if autoStart {
		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "start engine: %v\n", err)
			os.Exit(1)
		}
	}

	addr := ":" + port
	logger.Info("foreman dashboard starting", "addr", addr, "auto_start", autoStart)
	if err := srv.Start(addr); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
	<-ctx.Done()
}
