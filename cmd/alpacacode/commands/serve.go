package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kaljuvee/alpacacode/internal/agent"
	"github.com/kaljuvee/alpacacode/internal/api"
	"github.com/kaljuvee/alpacacode/internal/config"
	"github.com/kaljuvee/alpacacode/internal/metrics"
	"github.com/kaljuvee/alpacacode/internal/orchestrator"
	"github.com/kaljuvee/alpacacode/internal/printer"
	"github.com/kaljuvee/alpacacode/pkg/bus"
	"github.com/spf13/cobra"
)

// workerAgents are the agents a worker process can run, in health port order.
var workerAgents = []string{bus.AgentBacktester, bus.AgentValidator, bus.AgentPaperTrader}

var (
	serveNoAgents bool
	servePort     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator, the HTTP API and the agents",
	Long: `Run the orchestrator engine and the HTTP API.

By default the backtester, validator and paper trader run in the same
process. Use --no-agents when they run separately under 'alpacacode agent'.

On start the orchestrator recovers every unfinished run from the store and
resumes it where it stopped.`,
	RunE: runServe,
}

var agentHealthPort int

var agentCmd = &cobra.Command{
	Use:       "agent NAME",
	Short:     "Run a single agent worker",
	Long:      "Run one agent worker (backtester, validator or paper_trader) against the configured bus.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: workerAgents,
	RunE:      runAgent,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoAgents, "no-agents", false, "Do not run agent workers in this process")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "API port (default: api.port from config)")
	agentCmd.Flags().IntVar(&agentHealthPort, "health-port", -1, "Health endpoint port, 0 disables (default: from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[INFO] Received signal %v, shutting down gracefully...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.API.Port = servePort
	}

	ctx, cancel := signalContext()
	defer cancel()

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return printer.ErrorWithContext(
			"backend unavailable",
			err.Error(),
			map[string]string{"Redis": cfg.Redis.URL, "Bus": cfg.Bus.Backend, "Store": cfg.Store.Backend},
			[]string{
				fmt.Sprintf("Start Redis or set %s", config.EnvRedisURL),
				"Use store.backend: sqlite and bus.backend: file to run without Redis",
			},
		)
	}
	defer be.Close()

	m := metrics.New()
	engine := orchestrator.NewEngine(be.bus, be.store, orchestrator.Config{
		Namespace:       cfg.Namespace,
		PollInterval:    cfg.Orchestrator.PollInterval,
		ResponseTimeout: cfg.Orchestrator.ResponseTimeout,
		MaxIterations:   *cfg.Validator.MaxIterations,
		PriceTolerance:  *cfg.Validator.PriceTolerance,
	}, m)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil {
			errCh <- fmt.Errorf("orchestrator: %w", err)
		}
	}()

	if !serveNoAgents {
		for i, name := range workerAgents {
			if err := startWorker(ctx, &wg, cfg, be, name, healthPort(cfg, i)); err != nil {
				cancel()
				wg.Wait()
				return printer.Error(fmt.Sprintf("failed to start %s", name), err.Error(), nil)
			}
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pruneLoop(ctx, be.bus, cfg.Bus.Retention)
	}()

	server := api.NewServer(api.NewHandler(engine, be.store, be.bus, m))
	addr := fmt.Sprintf(":%d", cfg.API.Port)
	go func() {
		log.Printf("[INFO] API listening on %s", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Printf("[ERROR] %v", runErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] API shutdown: %v", err)
	}
	wg.Wait()
	log.Printf("[INFO] Server stopped")

	if runErr != nil {
		return printer.Error("server stopped with an error", runErr.Error(), nil)
	}
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port := agentHealthPort
	if port < 0 {
		for i, a := range workerAgents {
			if a == name {
				port = healthPort(cfg, i)
			}
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return printer.Error("backend unavailable", err.Error(),
			[]string{fmt.Sprintf("Start Redis or set %s", config.EnvRedisURL)})
	}
	defer be.Close()

	var wg sync.WaitGroup
	if err := startWorker(ctx, &wg, cfg, be, name, port); err != nil {
		return printer.Error(fmt.Sprintf("failed to start %s", name), err.Error(), nil)
	}
	wg.Wait()
	return nil
}

// healthPort returns the health port of the i-th worker agent, or 0 when
// health endpoints are disabled.
func healthPort(cfg *config.AlpacaConfig, i int) int {
	if cfg.Agents.HealthPort == 0 {
		return 0
	}
	return cfg.Agents.HealthPort + i
}

// startWorker runs the named agent until ctx is cancelled, with a health
// server when port is non-zero.
func startWorker(ctx context.Context, wg *sync.WaitGroup, cfg *config.AlpacaConfig, be *backends, name string, port int) error {
	register, err := registrar(name, cfg, be.store)
	if err != nil {
		return err
	}
	w, err := agent.New(agent.Config{Name: name, PollInterval: cfg.Agents.PollInterval}, be.bus)
	if err != nil {
		return err
	}
	register(w)

	var hs *agent.HealthServer
	if port > 0 {
		hs = agent.NewHealthServer(w, port)
		hs.Start()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Start(ctx)
		if hs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}
	}()
	return nil
}
