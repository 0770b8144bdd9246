package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/seesay/internal/config"
	"github.com/MrWong99/seesay/pkg/audio"
	"github.com/MrWong99/seesay/pkg/capture"
	capturemock "github.com/MrWong99/seesay/pkg/capture/mock"
	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
	classifiermock "github.com/MrWong99/seesay/pkg/provider/classifier/mock"
	"github.com/MrWong99/seesay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/seesay/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: info

capture:
  provider:
    name: gst
    base_url: /dev/video0
  min_width: 640
  min_height: 480
  rotation: 90
  timeout: 5s

classifier:
  provider:
    name: opencv
    model: /opt/models/googlenet.onnx
  fallback:
    - name: remote
      base_url: http://inference.local:8501
      model: inception
  circuit_breaker:
    max_failures: 2
    reset_timeout: 1m
  labels: /opt/models/labels.txt
  input_size: 224
  mean: 117
  std: 1
  max_results: 3
  threshold: 0.1

speech:
  tts:
    name: coqui
    base_url: http://localhost:5002
    options:
      language: en
  fallback:
    - name: elevenlabs
      api_key: el-test
      voice:
        voice_id: rachel
  player:
    name: aplay
  voice:
    voice_id: p225
  wait_mode: narration
  sense_of_humor: true
  humor_probability: 0.3
  joke_cooldown: 90s
  narration_timeout: 20s

peripherals:
  led_gpio: 17
  button_gpio: 27
  stdin_trigger: true
  schedule: "@every 10m"

display:
  websocket: true
  preview_path: /tmp/preview.png
  preview_scale: 2
  discord:
    token: bot-token
    channel_id: "123"

history:
  postgres_dsn: postgres://seesay:pw@localhost:5432/seesay?sslmode=disable

telemetry:
  service_name: seesay-kitchen
  metrics_path: /metrics
`

// minimalYAML is the smallest valid configuration.
const minimalYAML = `
capture:
  provider:
    name: filecam
classifier:
  provider:
    name: opencv
  labels: labels.txt
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Capture.Provider.BaseURL != "/dev/video0" || cfg.Capture.Rotation != 90 {
		t.Errorf("capture: got %+v", cfg.Capture)
	}
	if cfg.Capture.Timeout != 5*time.Second {
		t.Errorf("capture.timeout: got %v, want 5s", cfg.Capture.Timeout)
	}
	if len(cfg.Classifier.Fallback) != 1 || cfg.Classifier.Fallback[0].Name != "remote" {
		t.Errorf("classifier.fallback: got %+v", cfg.Classifier.Fallback)
	}
	if cfg.Classifier.CircuitBreaker.MaxFailures != 2 || cfg.Classifier.CircuitBreaker.ResetTimeout != time.Minute {
		t.Errorf("classifier.circuit_breaker: got %+v", cfg.Classifier.CircuitBreaker)
	}
	if got := config.OptString(cfg.Speech.TTS.Options, "language"); got != "en" {
		t.Errorf("speech.tts.options.language: got %q", got)
	}
	if fb := cfg.Speech.Fallback; len(fb) != 1 || fb[0].Name != "elevenlabs" || fb[0].Voice.VoiceID != "rachel" {
		t.Errorf("speech.fallback: got %+v", fb)
	}
	if p := cfg.Speech.HumorProbability; p == nil || *p != 0.3 {
		t.Errorf("speech.humor_probability: got %v", p)
	}
	if cfg.Speech.JokeCooldown != 90*time.Second {
		t.Errorf("speech.joke_cooldown: got %v", cfg.Speech.JokeCooldown)
	}
	if cfg.Peripherals.LEDGPIO == nil || *cfg.Peripherals.LEDGPIO != 17 {
		t.Errorf("peripherals.led_gpio: got %v", cfg.Peripherals.LEDGPIO)
	}
	if cfg.Display.Discord == nil || cfg.Display.Discord.ChannelID != "123" {
		t.Errorf("display.discord: got %+v", cfg.Display.Discord)
	}
	if cfg.Telemetry.ServiceName != "seesay-kitchen" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error for minimal config: %v", err)
	}
	if cfg.Speech.HumorProbability != nil || cfg.Peripherals.LEDGPIO != nil {
		t.Error("unset optional fields should stay nil")
	}
	if !cfg.Speech.Humor() {
		t.Error("humor should default to on when sense_of_humor is unset")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nnpcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestLoadFromReader_EmptyFailsRequired(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, want := range []string{"capture.provider.name", "classifier.provider.name", "classifier.labels"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

// ── Classifier params ─────────────────────────────────────────────────────────

func f32(v float32) *float32 { return &v }

func TestClassifierParamsFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   config.ClassifierConfig
		want config.ClassifierParams
	}{
		{
			name: "defaults",
			in:   config.ClassifierConfig{},
			want: config.ClassifierParams{InputSize: 224, Mean: 117, Std: 1, MaxResults: 3, Threshold: 0.1},
		},
		{
			name: "explicit",
			in:   config.ClassifierConfig{InputSize: 299, Mean: f32(128), Std: f32(128), MaxResults: 5, Threshold: f32(0.2)},
			want: config.ClassifierParams{InputSize: 299, Mean: 128, Std: 128, MaxResults: 5, Threshold: 0.2},
		},
		{
			name: "mean without std",
			in:   config.ClassifierConfig{Mean: f32(127.5)},
			want: config.ClassifierParams{InputSize: 224, Mean: 127.5, Std: 1, MaxResults: 3, Threshold: 0.1},
		},
		{
			name: "explicit zeros",
			in:   config.ClassifierConfig{Mean: f32(0), Threshold: f32(0)},
			want: config.ClassifierParams{InputSize: 224, Mean: 0, Std: 1, MaxResults: 3, Threshold: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := config.ClassifierParamsFrom(tt.in, nil)
			if got.InputSize != tt.want.InputSize || got.Mean != tt.want.Mean || got.Std != tt.want.Std ||
				got.MaxResults != tt.want.MaxResults || got.Threshold != tt.want.Threshold {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nope"}

	_, errCapture := reg.CreateCapture(entry)
	_, errClassifier := reg.CreateClassifier(entry, config.ClassifierParams{})
	_, errTTS := reg.CreateTTS(entry)
	_, errPlayer := reg.CreatePlayer(entry)
	for kind, err := range map[string]error{
		"capture":    errCapture,
		"classifier": errClassifier,
		"tts":        errTTS,
		"player":     errPlayer,
	} {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: expected ErrProviderNotRegistered, got %v", kind, err)
		}
		if err != nil && !strings.Contains(err.Error(), kind+"/") {
			t.Errorf("%s: error should name the kind, got %v", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	dev := &capturemock.Device{}
	cls := &classifiermock.Provider{Layout: preprocess.LayoutFloat}
	speaker := &ttsmock.Provider{}
	player := &stubPlayer{}

	var gotParams config.ClassifierParams
	reg.RegisterCapture("cam", func(config.ProviderEntry) (capture.Device, error) { return dev, nil })
	reg.RegisterClassifier("cls", func(_ config.ProviderEntry, p config.ClassifierParams) (classifier.Provider, error) {
		gotParams = p
		return cls, nil
	})
	reg.RegisterTTS("tts", func(config.ProviderEntry) (tts.Provider, error) { return speaker, nil })
	reg.RegisterPlayer("out", func(config.ProviderEntry) (audio.Player, error) { return player, nil })

	if got, err := reg.CreateCapture(config.ProviderEntry{Name: "cam"}); err != nil || got != dev {
		t.Errorf("CreateCapture = %v, %v", got, err)
	}
	params := config.ClassifierParams{Labels: []string{"cat"}, InputSize: 8}
	if got, err := reg.CreateClassifier(config.ProviderEntry{Name: "cls"}, params); err != nil || got != cls {
		t.Errorf("CreateClassifier = %v, %v", got, err)
	}
	if gotParams.InputSize != 8 || len(gotParams.Labels) != 1 {
		t.Errorf("factory params = %+v", gotParams)
	}
	if got, err := reg.CreateTTS(config.ProviderEntry{Name: "tts"}); err != nil || got != speaker {
		t.Errorf("CreateTTS = %v, %v", got, err)
	}
	if got, err := reg.CreatePlayer(config.ProviderEntry{Name: "out"}); err != nil || got != player {
		t.Errorf("CreatePlayer = %v, %v", got, err)
	}

	for kind, want := range map[string]string{"capture": "cam", "classifier": "cls", "tts": "tts", "player": "out"} {
		if names := reg.Names(kind); len(names) != 1 || names[0] != want {
			t.Errorf("Names(%q) = %v", kind, names)
		}
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterCapture("broken", func(config.ProviderEntry) (capture.Device, error) {
		return nil, wantErr
	})
	_, err := reg.CreateCapture(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"s": "x", "b": true, "i": 3, "f": 4.0, "frac": 4.5}

	if config.OptString(opts, "s") != "x" || config.OptString(opts, "i") != "" || config.OptString(nil, "s") != "" {
		t.Error("OptString")
	}
	if !config.OptBool(opts, "b") || config.OptBool(opts, "s") {
		t.Error("OptBool")
	}
	if v, ok := config.OptInt(opts, "i"); !ok || v != 3 {
		t.Errorf("OptInt(i) = %d, %v", v, ok)
	}
	if v, ok := config.OptInt(opts, "f"); !ok || v != 4 {
		t.Errorf("OptInt(f) = %d, %v", v, ok)
	}
	if _, ok := config.OptInt(opts, "frac"); ok {
		t.Error("OptInt accepted a fractional value")
	}
}

// stubPlayer implements audio.Player.
type stubPlayer struct{}

func (s *stubPlayer) Play(context.Context, audio.Clip) error { return nil }
func (s *stubPlayer) Close() error                          { return nil }
