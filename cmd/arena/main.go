// arena is the worldbuild match orchestrator CLI. `arena serve` runs the HTTP
// API; `arena run` plays a single match locally and streams its events to
// stdout.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"worldbuild/internal/config"
	"worldbuild/internal/engine"
	"worldbuild/internal/hub"
	"worldbuild/internal/judging"
	"worldbuild/internal/logging"
	"worldbuild/internal/provider"
	"worldbuild/internal/runner"
	"worldbuild/internal/server"
	"worldbuild/internal/store"
	"worldbuild/internal/types"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "worldbuild arena - competitive multi-agent worldbuilding",
	Long: `worldbuild arena runs head-to-head worldbuilding matches: two independent
four-agent teams deliberate under the same seeded challenge, build a rule-bound
world canon through proposals, objections, and votes, and finish with an
image-prompt pack. Every turn lands in an append-only event log that judges
and spectators can replay.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(verbose)
	},
}

type app struct {
	cfg    config.Config
	store  *store.Store
	hub    *hub.Hub
	runner *runner.Runner
}

func buildApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	llm, err := provider.New(provider.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		APIKey:          cfg.LLM.APIKey,
		Timeout:         cfg.LLM.Timeout,
		MaxRetries:      cfg.LLM.MaxRetries,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	h := hub.New()
	return &app{
		cfg:    cfg,
		store:  st,
		hub:    h,
		runner: runner.New(st, h, llm, engine.DefaultConfig()),
	}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the arena HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.store.Close()
		defer logging.Sync()

		srv := server.New(a.store, a.hub, a.runner, judging.New(a.store))
		httpSrv := &http.Server{Addr: a.cfg.Addr, Handler: srv.Router()}

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		logging.API().Infow("listening", "addr", a.cfg.Addr, "provider", a.cfg.LLM.Provider)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case s := <-sig:
			logging.API().Infow("shutting down", "signal", s.String())
			httpSrv.Close()
			a.runner.Wait()
			return nil
		}
	},
}

var (
	runSeed int64
	runTier int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play one match locally and stream events to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.store.Close()
		defer logging.Sync()

		req := runner.CreateRequest{Tier: runTier}
		if cmd.Flags().Changed("seed") {
			req.Seed = &runSeed
		}
		rec, err := a.runner.Create(req)
		if err != nil {
			return err
		}

		// Tail the durable log rather than the live hub so no early event is
		// missed between match creation and the first read.
		enc := json.NewEncoder(os.Stdout)
		var lastSeq int64
		done := false
		for !done {
			events, err := a.store.ListEvents(rec.MatchID, lastSeq)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
				lastSeq = ev.Seq
				if ev.Type == types.EventMatchCompleted || ev.Type == types.EventMatchFailed {
					done = true
				}
			}
			if !done {
				time.Sleep(200 * time.Millisecond)
			}
		}
		a.runner.Wait()

		final, err := a.store.GetMatch(rec.MatchID)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "match %s finished: %s\n", final.MatchID, final.Status)
		if final.Error != "" {
			return fmt.Errorf("match failed: %s", final.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Match seed (random if omitted)")
	runCmd.Flags().IntVar(&runTier, "tier", 1, "Challenge difficulty tier (1-3)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
