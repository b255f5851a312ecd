package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/andresmejia3/wallsight/internal/config"
	"github.com/andresmejia3/wallsight/internal/detector"
	"github.com/andresmejia3/wallsight/internal/logging"
	"github.com/andresmejia3/wallsight/internal/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// Engine is the detection engine, loaded once for commands that run inference
	Engine detector.Detector
	// engineHealth probes engines that can report their health
	engineHealth func(ctx context.Context) error

	cfgFile          string
	envFile          string
	flagEngine       string
	flagWorkerCmd    string
	flagInferenceURL string
	flagModel        string
	flagLogLevel     string
	flagLang         string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "wallsight",
	Short:   "Wall damage detection for photos and videos",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		Cfg = cfg

		return logging.Setup(cfg.Log.Level, cfg.Log.Format)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeEngine()
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	// PersistentPostRun is skipped when RunE fails, and the workers must not outlive us
	closeEngine()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&flagEngine, "engine", "", "Detection engine: python, http, none")
	rootCmd.PersistentFlags().StringVar(&flagWorkerCmd, "worker-cmd", "", "Command that starts the Python worker (default: python3 python/worker.py)")
	rootCmd.PersistentFlags().StringVar(&flagInferenceURL, "inference-url", "", "Base URL of the inference service (http engine)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "Path to the model weights (default: best.pt)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLang, "lang", "", "Advisory language: en, id")
}

// loadConfig resolves the configuration layers and applies explicitly set flags last.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, envFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("engine") {
		cfg.Engine.Kind = flagEngine
	}
	if flags.Changed("worker-cmd") {
		cfg.Engine.WorkerCmd = strings.Fields(flagWorkerCmd)
	}
	if flags.Changed("inference-url") {
		cfg.Engine.InferenceURL = flagInferenceURL
	}
	if flags.Changed("model") {
		cfg.Engine.ModelPath = flagModel
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if flags.Changed("lang") {
		cfg.Locale = flagLang
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEngine builds the shared engine. Commands call it once their flags are validated.
func loadEngine(ctx context.Context) error {
	eng, err := buildEngine(ctx, Cfg)
	if err != nil {
		return err
	}
	Engine = eng
	return nil
}

// buildEngine loads the configured engine once. Every pipeline shares it.
func buildEngine(ctx context.Context, cfg *config.Config) (detector.Detector, error) {
	timeout := time.Duration(cfg.Engine.RequestTimeoutS) * time.Second

	switch cfg.Engine.Kind {
	case config.EngineNone:
		fmt.Fprintln(os.Stderr, "⚠️  Detection disabled (--engine none): media passes through unannotated")
		return &detector.Static{}, nil

	case config.EngineHTTP:
		eng := detector.NewHTTPEngine(cfg.Engine.InferenceURL, timeout)
		if err := eng.CheckHealth(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "buildEngine",
				"url":      cfg.Engine.InferenceURL,
			}).WithError(err).Warn("Inference service not available")
		}
		engineHealth = eng.CheckHealth
		return eng, nil

	default:
		return startPythonWorkers(ctx, cfg, timeout)
	}
}

// startPythonWorkers spawns cfg.Engine.Instances workers in parallel and pools them.
func startPythonWorkers(ctx context.Context, cfg *config.Config, timeout time.Duration) (detector.Detector, error) {
	if err := utils.CheckBinary(cfg.Engine.WorkerCmd[0]); err != nil {
		utils.ShowError("Python worker unavailable", err, nil)
		return nil, err
	}

	n := cfg.Engine.Instances
	pcfg := detector.PythonConfig{
		Command:        cfg.Engine.WorkerCmd,
		ModelPath:      cfg.Engine.ModelPath,
		StartupTimeout: time.Duration(cfg.Engine.StartupTimeoutS) * time.Second,
		ReadTimeout:    timeout,
	}

	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", n)
	fmt.Fprintln(os.Stderr, "🚀 Warming up engines...")

	workers := make([]*detector.PythonWorker, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workers[id], errs[id] = detector.NewPythonWorker(ctx, id, pcfg)
		}(i)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		for _, w := range workers {
			if w != nil {
				w.Close()
			}
		}
		utils.ShowError("Worker startup failed", err, nil)
		return nil, err
	}

	engines := make([]detector.Detector, n)
	for i, w := range workers {
		engines[i] = w
	}
	pool := detector.NewPool(engines...)
	// A cancelled request kills its worker; later requests get a fresh one
	pool.Respawn = func(ctx context.Context, slot int) (detector.Detector, error) {
		w, err := detector.NewPythonWorker(ctx, slot, pcfg)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return pool, nil
}

func closeEngine() {
	if Engine == nil {
		return
	}
	if err := Engine.Close(); err != nil {
		logrus.WithError(err).Warn("Closing detection engine failed")
	}
	Engine = nil
	engineHealth = nil
}
