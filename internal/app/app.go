// Package app wires all seesay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts the capture pipeline and every trigger source, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithHistoryStore,
// WithDisplaySink, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/seesay/internal/config"
	"github.com/MrWong99/seesay/internal/coordinator"
	"github.com/MrWong99/seesay/internal/display"
	"github.com/MrWong99/seesay/internal/display/discord"
	"github.com/MrWong99/seesay/internal/history"
	"github.com/MrWong99/seesay/internal/history/postgres"
	"github.com/MrWong99/seesay/internal/narrator"
	"github.com/MrWong99/seesay/internal/observe"
	"github.com/MrWong99/seesay/internal/peripheral"
	"github.com/MrWong99/seesay/internal/readiness"
	"github.com/MrWong99/seesay/internal/speech"
	"github.com/MrWong99/seesay/pkg/audio"
	"github.com/MrWong99/seesay/pkg/capture"
	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
	"github.com/MrWong99/seesay/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Device and
// Classifier are required; a nil TTS or Player leaves the device silent.
// Populated by main.go via the config registry. The App takes ownership and
// closes them on Shutdown.
type Providers struct {
	Device     capture.Device
	Classifier classifier.Provider
	TTS        tts.Provider
	Player     audio.Player
}

// App owns all subsystem lifetimes and orchestrates the capture pipeline.
type App struct {
	cfg        *config.Config
	providers  *Providers
	configPath string
	level      *slog.LevelVar
	stdin      io.Reader

	metrics        *observe.Metrics
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	led        *peripheral.LED
	ready      *readiness.Signal
	store      history.Store
	hub        *display.Hub
	sinks      []display.Sink
	queue      *speech.Queue
	narrator   *narrator.Narrator
	converter  *preprocess.Converter
	resolution capture.Resolution
	coord      *coordinator.Coordinator
	button     *peripheral.Button
	schedule   *peripheral.Schedule

	// closers are called in reverse registration order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryStore injects a history store instead of creating one from config.
func WithHistoryStore(s history.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDisplaySink adds a display sink next to the ones created from config.
func WithDisplaySink(s display.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithMetrics sets the metrics recorder. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on telemetry.metrics_path.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets hot reloads change the log level of the installed logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the config file at path during Run.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithStdin replaces os.Stdin as the source of key triggers.
func WithStdin(r io.Reader) Option {
	return func(a *App) { a.stdin = r }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: indicator and history setup,
// display sinks, the speech queue, resolution selection and coordinator
// assembly. If any step fails, everything created so far is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Device == nil || providers.Classifier == nil {
		return nil, errors.New("app: capture device and classifier are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		stdin:     os.Stdin,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}

	// Providers are closed last.
	a.closers = append(a.closers, providers.Device.Close, providers.Classifier.Close)
	if providers.Player != nil {
		a.closers = append(a.closers, providers.Player.Close)
	}

	if err := a.init(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Display sinks ─────────────────────────────────────────────────
	if err := a.initDisplay(); err != nil {
		return fmt.Errorf("app: init display: %w", err)
	}

	// ── 2. Readiness indicator ───────────────────────────────────────────
	if err := a.initReadiness(); err != nil {
		return fmt.Errorf("app: init readiness: %w", err)
	}

	// ── 3. History store ─────────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Speech queue and narrator ─────────────────────────────────────
	a.initSpeech()

	// ── 5. Frame converter ───────────────────────────────────────────────
	if err := a.initConverter(); err != nil {
		return fmt.Errorf("app: init converter: %w", err)
	}

	// ── 6. Capture resolution ────────────────────────────────────────────
	if err := a.initResolution(ctx); err != nil {
		return fmt.Errorf("app: init resolution: %w", err)
	}

	// ── 7. Coordinator ───────────────────────────────────────────────────
	if err := a.initCoordinator(); err != nil {
		return fmt.Errorf("app: init coordinator: %w", err)
	}

	// ── 8. Trigger sources ───────────────────────────────────────────────
	if err := a.initTriggers(); err != nil {
		return fmt.Errorf("app: init triggers: %w", err)
	}

	// ── 9. Config hot reload ─────────────────────────────────────────────
	a.initWatcher()
	return nil
}

// initWatcher starts watching the config file when a path was given. A
// watcher that cannot start only disables hot reload.
func (a *App) initWatcher() {
	if a.configPath == "" {
		return
	}
	w, err := config.NewWatcher(a.configPath, a.applyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
		return
	}
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
}

// initReadiness creates the readiness signal, driving the GPIO LED when one
// is configured and mirroring transitions to websocket clients.
func (a *App) initReadiness() error {
	opts := []readiness.Option{readiness.WithMetrics(a.metrics)}
	if a.hub != nil {
		opts = append(opts, readiness.WithSubscriber(a.hub.ShowReady))
	}
	if line := a.cfg.Peripherals.LEDGPIO; line != nil {
		led, err := peripheral.NewLED(*line, a.gpioOptions()...)
		if err != nil {
			return err
		}
		a.led = led
		a.closers = append(a.closers, led.Close)
		opts = append(opts, readiness.WithIndicator(led))
	}
	a.ready = readiness.New(opts...)
	return nil
}

// initHistory sets up the PostgreSQL history store, an in-memory store, or
// uses the injected one.
func (a *App) initHistory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		a.store = history.NewMemory(a.cfg.History.MemoryCapacity)
		return nil
	}

	store, err := postgres.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// initDisplay builds the configured display sinks. The log sink is always
// present.
func (a *App) initDisplay() error {
	a.sinks = append(a.sinks, display.LogSink{})

	dc := a.cfg.Display
	if dc.Websocket {
		a.hub = display.NewHub()
		a.sinks = append(a.sinks, a.hub)
		a.closers = append(a.closers, a.hub.Close)
	}
	if dc.PreviewPath != "" {
		p, err := display.NewPreviewSink(dc.PreviewPath, dc.PreviewScale)
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, p)
	}
	if d := dc.Discord; d != nil {
		s, err := discord.New(discord.Config{Token: d.Token, ChannelID: d.ChannelID})
		if err != nil {
			return err
		}
		a.sinks = append(a.sinks, s)
		a.closers = append(a.closers, func() error { return s.Close(context.Background()) })
	}
	return nil
}

// initSpeech creates the speech queue and the narrator. Without a TTS
// provider or player the narrator is silent.
func (a *App) initSpeech() {
	sc := a.cfg.Speech
	nopts := []narrator.Option{
		narrator.WithHumor(sc.Humor()),
		narrator.WithHumorProbability(humorProbability(sc.HumorProbability)),
		narrator.WithCooldown(jokeCooldown(sc.JokeCooldown)),
		narrator.WithMetrics(a.metrics),
	}

	if a.providers.TTS == nil || a.providers.Player == nil {
		slog.Warn("speech output disabled", "tts", a.providers.TTS != nil, "player", a.providers.Player != nil)
		a.narrator = narrator.New(nil, nopts...)
		return
	}

	a.queue = speech.New(a.providers.TTS, a.providers.Player,
		speech.WithVoice(tts.VoiceProfile{ID: sc.Voice.VoiceID, Provider: sc.TTS.Name}),
		speech.WithGap(sc.Gap),
		speech.WithSynthesisTimeout(sc.SynthesisTimeout),
		speech.WithCacheSize(cacheSize(sc.CacheSize)),
		speech.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.queue.Close)
	a.narrator = narrator.New(a.queue, nopts...)
}

// initConverter builds the frame converter for the classifier's layout.
func (a *App) initConverter() error {
	conv, err := NewConverter(a.cfg, a.providers.Classifier.InputLayout())
	if err != nil {
		return err
	}
	a.converter = conv
	return nil
}

// NewConverter builds the frame converter described by cfg for a classifier
// that consumes layout. classifier.layout overrides layout when set.
func NewConverter(cfg *config.Config, layout preprocess.Layout) (*preprocess.Converter, error) {
	if s := cfg.Classifier.Layout; s != "" {
		l, err := preprocess.ParseLayout(s)
		if err != nil {
			return nil, err
		}
		layout = l
	}
	p := config.ClassifierParamsFrom(cfg.Classifier, nil)
	return preprocess.New(preprocess.Config{
		OutputSide: p.InputSize,
		Rotation:   cfg.Capture.Rotation,
		Mean:       p.Mean,
		Std:        p.Std,
		Layout:     layout,
	})
}

// initResolution selects the smallest device resolution meeting the
// configured minimum.
func (a *App) initResolution(ctx context.Context) error {
	dev := a.providers.Device
	available, err := dev.Resolutions(ctx)
	if err != nil {
		return fmt.Errorf("list resolutions of %s: %w", dev.Name(), err)
	}
	res, err := capture.SelectResolution(available, capture.Resolution{
		Width:  a.cfg.Capture.MinWidth,
		Height: a.cfg.Capture.MinHeight,
	})
	if err != nil {
		return err
	}
	a.resolution = res
	slog.Info("capture resolution selected", "device", dev.Name(), "resolution", res.String(), "available", len(available))
	return nil
}

func (a *App) initCoordinator() error {
	mode, err := coordinator.ParseWaitMode(string(a.cfg.Speech.WaitMode))
	if err != nil {
		return err
	}
	coord, err := coordinator.New(coordinator.Config{
		Device:     a.providers.Device,
		Resolution: a.resolution,
		Converter:  a.converter,
		Classifier: a.providers.Classifier,
		Narrator:   a.narrator,
		Readiness:  a.ready,
	},
		coordinator.WithDisplay(display.Multi(a.sinks)),
		coordinator.WithRecorder(a.store),
		coordinator.WithWaitMode(mode),
		coordinator.WithCaptureTimeout(a.cfg.Capture.Timeout),
		coordinator.WithNarrationTimeout(a.cfg.Speech.NarrationTimeout),
		coordinator.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.coord = coord
	if a.queue != nil {
		a.queue.OnDone(coord.OnUtteranceDone)
	}
	return nil
}

// initTriggers creates the button and the schedule. Key and HTTP triggers
// need no setup.
func (a *App) initTriggers() error {
	pc := a.cfg.Peripherals
	if line := pc.ButtonGPIO; line != nil {
		b, err := peripheral.NewButton(*line, a.coord, a.gpioOptions()...)
		if err != nil {
			return err
		}
		a.button = b
		a.closers = append(a.closers, b.Close)
	}
	if pc.Schedule != "" {
		s, err := peripheral.NewSchedule(pc.Schedule, a.coord)
		if err != nil {
			return err
		}
		a.schedule = s
	}
	return nil
}

func (a *App) gpioOptions() []peripheral.GPIOOption {
	pc := a.cfg.Peripherals
	opts := []peripheral.GPIOOption{peripheral.WithActiveLow(pc.ActiveLow)}
	if pc.SysfsRoot != "" {
		opts = append(opts, peripheral.WithSysfsRoot(pc.SysfsRoot))
	}
	if pc.Debounce > 0 {
		opts = append(opts, peripheral.WithDebounce(pc.Debounce))
	}
	return opts
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the capture session and blocks until ctx is cancelled or a
// trigger source fails.
//
// Run starts the coordinator, then the HTTP server, the GPIO button, the key
// reader and the schedule, each only when configured.
// When ctx is done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	if err := a.coord.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Server.ListenAddr != "" {
		srv := &http.Server{Addr: a.cfg.Server.ListenAddr, Handler: a.Handler()}
		g.Go(func() error { return a.serve(gctx, srv) })
	}
	if a.button != nil {
		g.Go(func() error { return a.button.Run(gctx) })
	}
	if a.cfg.Peripherals.StdinTrigger {
		g.Go(func() error { return peripheral.RunKeys(gctx, a.stdin, a.coord) })
	}
	if a.schedule != nil {
		g.Go(func() error { return a.schedule.Run(gctx) })
	}
	slog.Info("app running", "device", a.providers.Device.Name(), "resolution", a.resolution.String())
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// applyConfig applies the hot-reloadable part of a config change and logs
// everything that needs a restart.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		a.level.Set(Level(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HumorChanged {
		a.narrator.SetHumor(d.SenseOfHumor, humorProbability(d.HumorProbability))
		slog.Info("humor changed", "enabled", d.SenseOfHumor, "probability", humorProbability(d.HumorProbability))
	}
	if d.JokeCooldownChanged {
		a.narrator.SetCooldown(jokeCooldown(d.NewJokeCooldown))
		slog.Info("joke cooldown changed", "cooldown", jokeCooldown(d.NewJokeCooldown))
	}
	if d.WaitModeChanged {
		mode, err := coordinator.ParseWaitMode(string(d.NewWaitMode))
		if err == nil {
			a.coord.SetWaitMode(mode)
			slog.Info("wait mode changed", "mode", mode.String())
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the coordinator and tears down all subsystems in reverse
// init order. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the pipeline first so no cycle outlives its collaborators.
		if a.coord != nil {
			if err := a.coord.Shutdown(ctx); err != nil {
				slog.Warn("coordinator shutdown error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs every registered closer, ignoring errors. Used when New fails
// halfway.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Debug("closer error during failed init", "index", i, "err", err)
		}
	}
	a.closers = nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Coordinator returns the capture coordinator.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// Narrator returns the narrator.
func (a *App) Narrator() *narrator.Narrator { return a.narrator }

// Ready returns the readiness signal.
func (a *App) Ready() *readiness.Signal { return a.ready }

// Resolution returns the selected capture resolution.
func (a *App) Resolution() capture.Resolution { return a.resolution }

// ─── Helpers ─────────────────────────────────────────────────────────────────

// Level converts a config log level to a slog level. Unknown values map to
// info.
func Level(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func humorProbability(p *float64) float64 {
	if p == nil {
		return narrator.DefaultHumorProbability
	}
	return *p
}

func jokeCooldown(d time.Duration) time.Duration {
	if d <= 0 {
		return narrator.DefaultCooldown
	}
	return d
}

// cacheSize maps an unset config value to the queue default.
func cacheSize(n int) int {
	if n == 0 {
		return speech.DefaultCacheSize
	}
	return n
}
