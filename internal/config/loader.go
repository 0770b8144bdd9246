package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/seesay/pkg/preprocess"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"capture":    {"gst", "filecam"},
	"classifier": {"opencv", "remote"},
	"tts":        {"coqui", "elevenlabs"},
	"player":     {"aplay"},
}

// envRef matches ${VAR} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the config, if present, is loaded into the
// environment first; variables already set are not overridden.
func Load(path string) (*Config, error) {
	if err := LoadEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadEnv loads the dotenv file at path into the process environment.
// A missing file is not an error.
func LoadEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("config: load %q: %w", path, err)
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references
// from the environment and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${VAR} in data with the value of the environment
// variable VAR. Unset variables expand to the empty string and are logged.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config references an unset environment variable", "var", name)
		}
		return []byte(v)
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		fail("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		fail("server.tls requires both cert_file and key_file")
	}

	// Capture
	if cfg.Capture.Provider.Name == "" {
		fail("capture.provider.name is required")
	}
	validateProviderName("capture", cfg.Capture.Provider.Name)
	if cfg.Capture.MinWidth < 0 || cfg.Capture.MinHeight < 0 {
		fail("capture.min_width and capture.min_height must not be negative")
	}
	switch cfg.Capture.Rotation {
	case 0, 90, 180, 270:
	default:
		fail("capture.rotation %d is invalid; valid values: 0, 90, 180, 270", cfg.Capture.Rotation)
	}
	if cfg.Capture.Timeout < 0 {
		fail("capture.timeout must not be negative")
	}

	// Classifier
	cl := cfg.Classifier
	if cl.Provider.Name == "" {
		fail("classifier.provider.name is required")
	}
	validateProviderName("classifier", cl.Provider.Name)
	for i, fb := range cl.Fallback {
		if fb.Name == "" {
			fail("classifier.fallback[%d].name is required", i)
		}
		validateProviderName("classifier", fb.Name)
	}
	if cl.Labels == "" {
		fail("classifier.labels is required")
	}
	if cl.InputSize < 0 {
		fail("classifier.input_size %d must not be negative", cl.InputSize)
	}
	if cl.Layout != "" {
		if _, err := preprocess.ParseLayout(cl.Layout); err != nil {
			fail("classifier.layout: %w", err)
		}
	}
	if cl.MaxResults < 0 {
		fail("classifier.max_results %d must not be negative", cl.MaxResults)
	}
	if t := cl.Threshold; t != nil && (*t < 0 || *t >= 1) {
		fail("classifier.threshold %.2f is out of range [0, 1)", *t)
	}
	if s := cl.Std; s != nil && *s <= 0 {
		fail("classifier.std %.2f must be positive", *s)
	}

	// Speech
	sp := cfg.Speech
	validateProviderName("tts", sp.TTS.Name)
	validateProviderName("player", sp.Player.Name)
	if sp.TTS.Name == "" {
		if len(sp.Fallback) > 0 {
			fail("speech.fallback requires speech.tts")
		}
		slog.Warn("speech.tts is not configured; results will only be displayed")
	}
	for i, fb := range sp.Fallback {
		if fb.Name == "" {
			fail("speech.fallback[%d].name is required", i)
		}
		validateProviderName("tts", fb.Name)
	}
	if !sp.WaitMode.IsValid() {
		fail("speech.wait_mode %q is invalid; valid values: narration, immediate", sp.WaitMode)
	}
	if p := sp.HumorProbability; p != nil && (*p < 0 || *p > 1) {
		fail("speech.humor_probability %.2f is out of range [0, 1]", *p)
	}
	for name, d := range map[string]int64{
		"joke_cooldown":     int64(sp.JokeCooldown),
		"narration_timeout": int64(sp.NarrationTimeout),
		"synthesis_timeout": int64(sp.SynthesisTimeout),
		"gap":               int64(sp.Gap),
	} {
		if d < 0 {
			fail("speech.%s must not be negative", name)
		}
	}
	if sp.CacheSize < 0 {
		fail("speech.cache_size must not be negative")
	}

	// Peripherals
	pe := cfg.Peripherals
	if pe.LEDGPIO != nil && *pe.LEDGPIO < 0 {
		fail("peripherals.led_gpio %d must not be negative", *pe.LEDGPIO)
	}
	if pe.ButtonGPIO != nil && *pe.ButtonGPIO < 0 {
		fail("peripherals.button_gpio %d must not be negative", *pe.ButtonGPIO)
	}
	if pe.LEDGPIO != nil && pe.ButtonGPIO != nil && *pe.LEDGPIO == *pe.ButtonGPIO {
		fail("peripherals.led_gpio and peripherals.button_gpio use the same line %d", *pe.LEDGPIO)
	}
	if pe.Schedule != "" {
		if _, err := cron.ParseStandard(pe.Schedule); err != nil {
			fail("peripherals.schedule %q: %w", pe.Schedule, err)
		}
	}

	// Display
	if cfg.Display.Websocket && cfg.Server.ListenAddr == "" {
		fail("display.websocket requires server.listen_addr")
	}
	if cfg.Display.PreviewScale < 0 {
		fail("display.preview_scale must not be negative")
	}
	if d := cfg.Display.Discord; d != nil {
		if d.Token == "" {
			fail("display.discord.token is required")
		}
		if d.ChannelID == "" {
			fail("display.discord.channel_id is required")
		}
	}

	// History
	if cfg.History.MemoryCapacity < 0 {
		fail("history.memory_capacity must not be negative")
	}

	// Trigger sources
	if pe.ButtonGPIO == nil && !pe.StdinTrigger && pe.Schedule == "" && cfg.Server.ListenAddr == "" {
		slog.Warn("no trigger source configured; captures can only be started programmatically")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
