// Command worker is the worker runtime's entrypoint: it loads
// configuration, classifies the registered handler, runs the startup
// fitness checks, and drives the JobScaler until a shutdown signal
// arrives — or, in --test_input mode, runs exactly one job through the
// handler invoker and exits.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arthurcrodrigues/worker-runtime/internal/config"
	"github.com/arthurcrodrigues/worker-runtime/internal/fitness"
	"github.com/arthurcrodrigues/worker-runtime/internal/handler"
	"github.com/arthurcrodrigues/worker-runtime/internal/localdev"
	"github.com/arthurcrodrigues/worker-runtime/internal/logging"
	"github.com/arthurcrodrigues/worker-runtime/internal/registry"
	"github.com/arthurcrodrigues/worker-runtime/internal/scaler"
	"github.com/arthurcrodrigues/worker-runtime/internal/transport"
	"github.com/arthurcrodrigues/worker-runtime/pkg/handlers"
	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// version is overridable at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	flagLogLevel   string
	flagDebugger   bool
	flagTestInput  string
	flagServeAPI   bool
	flagConfigPath string
)

func main() {
	root := &cobra.Command{
		Use:           "worker",
		Short:         "Serverless worker runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVar(&flagLogLevel, "rp_log_level", "", "override RUNPOD_DEBUG_LEVEL")
	root.Flags().BoolVar(&flagDebugger, "rp_debugger", false, "enable a localhost pprof listener")
	root.Flags().StringVar(&flagTestInput, "test_input", "", "run a single job from this JSON input and exit")
	root.Flags().BoolVar(&flagServeAPI, "rp_serve_api", false, "serve a local control-plane simulator instead of connecting out")
	root.Flags().StringVar(&flagConfigPath, "config", "", "optional YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.DebugLevel = flagLogLevel
	}

	log := logging.New(cfg.DebugLevel)

	if flagDebugger {
		go func() {
			log.Info().Msg("cmd/worker: pprof listener on localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Warn().Err(err).Msg("cmd/worker: pprof listener exited")
			}
		}()
	}

	h := handlers.Echo
	shape, err := handler.Classify(h)
	if err != nil {
		return fmt.Errorf("classifying handler: %w", err)
	}

	identity := handler.Identity{
		Hostname:      cfg.PodHostname,
		WorkerID:      cfg.WorkerID,
		RunpodVersion: version,
	}

	if flagTestInput != "" {
		return runTestInput(cfg, h, shape, identity)
	}

	var dev *localdev.Server
	if flagServeAPI || !cfg.ServingMode() {
		dev = localdev.New(logging.Component(log, "localdev"))
		base, err := dev.Start()
		if err != nil {
			return fmt.Errorf("starting local dev server: %w", err)
		}
		cfg.AcquireURL = base + "/take"
		cfg.PostOutputURL = base + "/result"
		cfg.PostStreamURL = base + "/stream"
		cfg.PingURL = base + "/ping"
		cfg.LocalTestMode = true
		log.Info().Str("addr", base).Msg("cmd/worker: serving local control-plane simulator")
		defer dev.Stop()
	}

	client := transport.New(transport.Config{
		AcquireURL:    cfg.AcquireURL,
		PostOutputURL: cfg.PostOutputURL,
		PostStreamURL: cfg.PostStreamURL,
		PingURL:       cfg.PingURL,
		WorkerID:      cfg.WorkerID,
	}, logging.Component(log, "transport"))

	reg, err := registry.Open(registryPath(cfg))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}

	checks := &fitness.Registry{}
	if !cfg.LocalTestMode {
		checks.Register("required_urls", fitness.RequiredURLs(map[string]string{
			"RUNPOD_WEBHOOK_GET_JOB":     cfg.AcquireURL,
			"RUNPOD_WEBHOOK_POST_OUTPUT": cfg.PostOutputURL,
			"RUNPOD_WEBHOOK_PING":        cfg.PingURL,
		}))
		checks.Register("host_headroom", fitness.HostHeadroom(95, 95))
	}
	checks.Register("handler_classifiable", fitness.HandlerClassifiable(func() error {
		_, err := handler.Classify(h)
		return err
	}))

	sc := scaler.New(scaler.Config{
		Concurrency:    cfg.Concurrency,
		HandlerTimeout: cfg.HandlerTimeout,
		LocalTestMode:  cfg.LocalTestMode,
		Handler:        h,
		Shape:          shape,
		Identity:       identity,
		Options: handler.Options{
			ReturnAggregateStream: cfg.ReturnAggregateStream,
			MaxOutputBytes:        cfg.MaxPayloadBytes,
			RefreshWorker:         cfg.RefreshWorker,
		},
		PingInterval: cfg.PingInterval(),
	}, client, reg, checks, logging.Component(log, "scaler"))

	log.Info().Str("worker_id", cfg.WorkerID).Int("concurrency", cfg.Concurrency).Msg("cmd/worker: starting")
	return sc.Run(context.Background())
}

// runTestInput implements --test_input: one job, run directly through
// the handler invoker, no network and no C5/C6/C7 loop. Exit code is 0
// for Success/UserError and 1 for RuntimeError (spec.md §6; see
// SPEC_FULL.md §4.11 for why only RuntimeError is treated as a failing exit).
func runTestInput(cfg *config.Config, h any, shape handler.Shape, identity handler.Identity) error {
	var raw json.RawMessage
	if err := json.Unmarshal([]byte(flagTestInput), &raw); err != nil {
		return fmt.Errorf("parsing --test_input: %w", err)
	}
	job := models.Job{ID: "local-test", Input: raw}

	result := handler.Invoke(context.Background(), &job, shape, h, func(models.StreamFragment) {}, func(payload json.RawMessage) {
		fmt.Fprintf(os.Stderr, "progress: %s\n", payload)
	}, identity, handler.Options{
		ReturnAggregateStream: cfg.ReturnAggregateStream,
		MaxOutputBytes:        cfg.MaxPayloadBytes,
	})

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	fmt.Println(string(out))

	if result.Kind == models.KindRuntime {
		os.Exit(1)
	}
	return nil
}

func registryPath(cfg *config.Config) string {
	return filepath.Join(os.TempDir(), "runpod-worker-"+cfg.WorkerID+"-registry.json")
}
