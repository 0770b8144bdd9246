package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/seesay/internal/app"
	"github.com/MrWong99/seesay/internal/config"
	"github.com/MrWong99/seesay/internal/resilience"
	"github.com/MrWong99/seesay/pkg/audio"
	"github.com/MrWong99/seesay/pkg/audio/aplay"
	"github.com/MrWong99/seesay/pkg/capture"
	"github.com/MrWong99/seesay/pkg/capture/filecam"
	"github.com/MrWong99/seesay/pkg/capture/gst"
	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
	"github.com/MrWong99/seesay/pkg/provider/classifier/opencv"
	"github.com/MrWong99/seesay/pkg/provider/classifier/remote"
	"github.com/MrWong99/seesay/pkg/provider/tts"
	"github.com/MrWong99/seesay/pkg/provider/tts/coqui"
	"github.com/MrWong99/seesay/pkg/provider/tts/elevenlabs"
)

const defaultVideoDevice = "/dev/video0"

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("gst", func(entry config.ProviderEntry) (capture.Device, error) {
		path := entry.BaseURL
		if path == "" {
			path = defaultVideoDevice
		}
		var opts []gst.Option
		res, err := optResolutions(entry.Options)
		if err != nil {
			return nil, err
		}
		if len(res) > 0 {
			opts = append(opts, gst.WithResolutions(res...))
		}
		d, err := optDuration(entry.Options, "start_timeout")
		if err != nil {
			return nil, err
		}
		if d > 0 {
			opts = append(opts, gst.WithStartTimeout(d))
		}
		return gst.New(path, opts...)
	})

	reg.RegisterCapture("filecam", func(entry config.ProviderEntry) (capture.Device, error) {
		opts := []filecam.Option{filecam.WithLoop(config.OptBool(entry.Options, "loop"))}
		res, err := optResolutions(entry.Options)
		if err != nil {
			return nil, err
		}
		if len(res) > 0 {
			opts = append(opts, filecam.WithResolutions(res...))
		}
		return filecam.New(entry.BaseURL, opts...)
	})

	// ── Classifier ────────────────────────────────────────────────────────────

	reg.RegisterClassifier("opencv", func(entry config.ProviderEntry, p config.ClassifierParams) (classifier.Provider, error) {
		opts := []opencv.Option{
			opencv.WithNormalization(float64(p.Mean), float64(p.Std)),
			opencv.WithMaxResults(p.MaxResults),
			opencv.WithThreshold(p.Threshold),
			opencv.WithSoftmax(config.OptBool(entry.Options, "softmax")),
		}
		if path := config.OptString(entry.Options, "config_file"); path != "" {
			opts = append(opts, opencv.WithConfigFile(path))
		}
		if layer := config.OptString(entry.Options, "output_layer"); layer != "" {
			opts = append(opts, opencv.WithOutputLayer(layer))
		}
		return opencv.New(entry.Model, p.Labels, p.InputSize, opts...)
	})

	reg.RegisterClassifier("remote", func(entry config.ProviderEntry, p config.ClassifierParams) (classifier.Provider, error) {
		opts := []remote.Option{
			remote.WithMaxResults(p.MaxResults),
			remote.WithThreshold(p.Threshold),
		}
		if entry.APIKey != "" {
			opts = append(opts, remote.WithAPIKey(entry.APIKey))
		}
		if s := config.OptString(entry.Options, "layout"); s != "" {
			l, err := preprocess.ParseLayout(s)
			if err != nil {
				return nil, err
			}
			opts = append(opts, remote.WithLayout(l))
		}
		d, err := optDuration(entry.Options, "timeout")
		if err != nil {
			return nil, err
		}
		if d > 0 {
			opts = append(opts, remote.WithTimeout(d))
		}
		return remote.New(entry.BaseURL, entry.Model, p.Labels, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := config.OptString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := config.OptString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		d, err := optDuration(entry.Options, "timeout")
		if err != nil {
			return nil, err
		}
		if d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Player ────────────────────────────────────────────────────────────────

	reg.RegisterPlayer("aplay", func(entry config.ProviderEntry) (audio.Player, error) {
		var opts []aplay.Option
		if dev := entry.BaseURL; dev != "" {
			opts = append(opts, aplay.WithDevice(dev))
		}
		if rate, ok := config.OptInt(entry.Options, "sample_rate"); ok {
			ch, ok := config.OptInt(entry.Options, "channels")
			if !ok {
				ch = 1
			}
			opts = append(opts, aplay.WithFormat(audio.Format{SampleRate: rate, Channels: ch}))
		}
		return aplay.New(opts...), nil
	})

	for _, kind := range []string{"capture", "classifier", "tts", "player"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. On error every provider created so far is closed.
func buildProviders(cfg *config.Config, reg *config.Registry) (_ *app.Providers, err error) {
	ps := &app.Providers{}
	defer func() {
		if err != nil {
			closeProviders(ps)
		}
	}()

	if ps.Device, err = reg.CreateCapture(cfg.Capture.Provider); err != nil {
		return nil, fmt.Errorf("create capture device %q: %w", cfg.Capture.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "capture", "name", cfg.Capture.Provider.Name)

	if ps.Classifier, err = buildClassifier(cfg.Classifier, reg); err != nil {
		return nil, err
	}

	if ps.TTS, err = buildTTS(cfg.Speech, reg); err != nil {
		return nil, err
	}

	if name := cfg.Speech.Player.Name; name != "" {
		if ps.Player, err = reg.CreatePlayer(cfg.Speech.Player); err != nil {
			return nil, fmt.Errorf("create player %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "player", "name", name)
	}
	return ps, nil
}

// buildClassifier creates the primary classifier and, when fallbacks are
// configured, wraps it in a failover group.
func buildClassifier(cc config.ClassifierConfig, reg *config.Registry) (classifier.Provider, error) {
	labels, err := classifier.LoadLabels(cc.Labels)
	if err != nil {
		return nil, err
	}
	params := config.ClassifierParamsFrom(cc, labels)

	primary, err := reg.CreateClassifier(cc.Provider, params)
	if err != nil {
		return nil, fmt.Errorf("create classifier %q: %w", cc.Provider.Name, err)
	}
	slog.Info("provider created", "kind", "classifier", "name", cc.Provider.Name, "labels", len(labels))
	if len(cc.Fallback) == 0 {
		return primary, nil
	}

	fb := resilience.NewClassifierFallback(primary, cc.Provider.Name, resilience.FallbackConfig{CircuitBreaker: cc.CircuitBreaker})
	for _, entry := range cc.Fallback {
		p, err := reg.CreateClassifier(entry, params)
		if err == nil {
			err = fb.AddFallback(entry.Name, p)
			if err != nil {
				_ = p.Close()
			}
		}
		if err != nil {
			_ = fb.Close()
			return nil, fmt.Errorf("create classifier fallback %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "kind", "classifier", "name", entry.Name, "fallback", true)
	}
	return fb, nil
}

// buildTTS creates the primary speech backend and its fallbacks. An
// unconfigured or unregistered TTS leaves the device silent.
func buildTTS(sc config.SpeechConfig, reg *config.Registry) (tts.Provider, error) {
	name := sc.TTS.Name
	if name == "" {
		return nil, nil
	}
	primary, err := reg.CreateTTS(sc.TTS)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("tts provider not available, speech disabled", "name", name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", name)
	if len(sc.Fallback) == 0 {
		return primary, nil
	}

	fb := resilience.NewTTSFallback(primary, name, resilience.FallbackConfig{CircuitBreaker: sc.CircuitBreaker})
	for _, entry := range sc.Fallback {
		p, err := reg.CreateTTS(entry.ProviderEntry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p, tts.VoiceProfile{ID: entry.Voice.VoiceID, Provider: entry.Name})
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "fallback", true)
	}
	return fb, nil
}

func closeProviders(ps *app.Providers) {
	if ps.Device != nil {
		_ = ps.Device.Close()
	}
	if ps.Classifier != nil {
		_ = ps.Classifier.Close()
	}
	if ps.Player != nil {
		_ = ps.Player.Close()
	}
}

// ── Option helpers ────────────────────────────────────────────────────────────

// optResolutions parses the "resolutions" option, a list of "WxH" strings.
func optResolutions(opts map[string]any) ([]capture.Resolution, error) {
	raw, ok := opts["resolutions"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("option resolutions: want a list of WxH strings, got %T", raw)
	}
	out := make([]capture.Resolution, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("option resolutions: want WxH string, got %T", v)
		}
		r, err := capture.ParseResolution(s)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// optDuration parses a Go duration string option. Absent means zero.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	s := config.OptString(opts, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}
