// Command seesay is the entry point of the seesay edge device: it captures a
// still image on a trigger, classifies it and narrates what it sees.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/seesay/internal/app"
	"github.com/MrWong99/seesay/internal/config"
	"github.com/MrWong99/seesay/internal/observe"
)

// Build information, set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "seesay",
	Short: "Capture, classify and narrate images",
	Long: `seesay takes a picture when triggered, classifies it with a local or
remote model, shows the result and says out loud what it sees.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runDevice,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "seesay version %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the configuration and installs the default logger. The
// returned LevelVar follows hot reloads of server.log_level.
func loadConfig() (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(app.Level(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(level))
	return cfg, level, nil
}

func runDevice(cmd *cobra.Command, _ []string) error {
	cfg, level, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("seesay starting",
		"version", Version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	printStartupSummary(cmd, cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler),
		app.WithLevelVar(level),
		app.WithConfigPath(configPath),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	slog.Info("device ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cmd *cobra.Command, cfg *config.Config) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         seesay: startup summary       ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(cmd, "Capture", entryValue(cfg.Capture.Provider))
	printRow(cmd, "Classifier", entryValue(cfg.Classifier.Provider))
	printRow(cmd, "  fallbacks", fmt.Sprint(len(cfg.Classifier.Fallback)))
	printRow(cmd, "TTS", entryValue(cfg.Speech.TTS))
	printRow(cmd, "  fallbacks", fmt.Sprint(len(cfg.Speech.Fallback)))
	printRow(cmd, "Player", entryValue(cfg.Speech.Player))
	printRow(cmd, "Humor", onOff(cfg.Speech.Humor()))
	printRow(cmd, "Button", gpioValue(cfg.Peripherals.ButtonGPIO))
	printRow(cmd, "LED", gpioValue(cfg.Peripherals.LEDGPIO))
	if cfg.Peripherals.Schedule != "" {
		printRow(cmd, "Schedule", cfg.Peripherals.Schedule)
	}
	printRow(cmd, "Discord", onOff(cfg.Display.Discord != nil))
	if cfg.History.PostgresDSN != "" {
		printRow(cmd, "History", "postgres")
	} else {
		printRow(cmd, "History", "memory")
	}
	if cfg.Server.ListenAddr != "" {
		printRow(cmd, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(cmd *cobra.Command, key, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Fprintf(cmd.OutOrStdout(), "║  %-14s  : %-19s ║\n", key, value)
}

func entryValue(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func gpioValue(line *int) string {
	if line == nil {
		return "(disabled)"
	}
	return fmt.Sprintf("gpio%d", *line)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
