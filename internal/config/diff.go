package config

import (
	"fmt"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; every other
// change needs a restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// HumorChanged covers sense_of_humor and humor_probability.
	HumorChanged     bool
	SenseOfHumor     bool
	HumorProbability *float64

	JokeCooldownChanged bool
	NewJokeCooldown     time.Duration

	WaitModeChanged bool
	NewWaitMode     WaitMode

	// RestartRequired lists top-level sections with changes that are not
	// applied until restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.HumorChanged || d.JokeCooldownChanged || d.WaitModeChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	op, np := old.Speech, new.Speech
	if op.Humor() != np.Humor() || !samePtr(op.HumorProbability, np.HumorProbability) {
		d.HumorChanged = true
		d.SenseOfHumor = np.Humor()
		d.HumorProbability = np.HumorProbability
	}
	if op.JokeCooldown != np.JokeCooldown {
		d.JokeCooldownChanged = true
		d.NewJokeCooldown = np.JokeCooldown
	}
	if waitMode(op.WaitMode) != waitMode(np.WaitMode) {
		d.WaitModeChanged = true
		d.NewWaitMode = waitMode(np.WaitMode)
	}

	// Mask the hot fields and compare what is left per section.
	oc, nc := *old, *new
	oc.Server.LogLevel, nc.Server.LogLevel = "", ""
	for _, s := range []*SpeechConfig{&oc.Speech, &nc.Speech} {
		s.SenseOfHumor = nil
		s.HumorProbability = nil
		s.JokeCooldown = 0
		s.WaitMode = ""
	}
	for _, sec := range sections(&oc, &nc) {
		if !sec.equal() {
			d.RestartRequired = append(d.RestartRequired, sec.name)
		}
	}
	return d
}

type section struct {
	name  string
	equal func() bool
}

func sections(a, b *Config) []section {
	return []section{
		{"server", func() bool { return equalServer(a.Server, b.Server) }},
		{"capture", func() bool { return equalCapture(a.Capture, b.Capture) }},
		{"classifier", func() bool { return equalClassifier(a.Classifier, b.Classifier) }},
		{"speech", func() bool { return equalSpeech(a.Speech, b.Speech) }},
		{"peripherals", func() bool { return equalPeripherals(a.Peripherals, b.Peripherals) }},
		{"display", func() bool { return equalDisplay(a.Display, b.Display) }},
		{"history", func() bool { return a.History == b.History }},
		{"telemetry", func() bool { return a.Telemetry == b.Telemetry }},
	}
}

func waitMode(m WaitMode) WaitMode {
	if m == "" {
		return WaitNarration
	}
	return m
}

// samePtr reports whether a and b are both nil or point to equal values.
func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.LogLevel != b.LogLevel {
		return false
	}
	if a.TLS == nil || b.TLS == nil {
		return a.TLS == b.TLS
	}
	return *a.TLS == *b.TLS
}

func equalEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !equalOption(v, w) {
			return false
		}
	}
	return true
}

// equalOption compares decoded YAML scalars. Nested values are compared by
// their formatted form.
func equalOption(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func equalEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalCapture(a, b CaptureConfig) bool {
	return equalEntry(a.Provider, b.Provider) &&
		a.MinWidth == b.MinWidth && a.MinHeight == b.MinHeight &&
		a.Rotation == b.Rotation && a.Timeout == b.Timeout
}

func equalClassifier(a, b ClassifierConfig) bool {
	ab, bb := a.CircuitBreaker, b.CircuitBreaker
	return equalEntry(a.Provider, b.Provider) &&
		equalEntries(a.Fallback, b.Fallback) &&
		ab.MaxFailures == bb.MaxFailures && ab.ResetTimeout == bb.ResetTimeout && ab.HalfOpenMax == bb.HalfOpenMax &&
		a.Labels == b.Labels && a.InputSize == b.InputSize &&
		samePtr(a.Mean, b.Mean) && samePtr(a.Std, b.Std) && a.Layout == b.Layout &&
		a.MaxResults == b.MaxResults && samePtr(a.Threshold, b.Threshold)
}

func equalSpeech(a, b SpeechConfig) bool {
	if !equalEntry(a.TTS, b.TTS) || !equalEntry(a.Player, b.Player) || len(a.Fallback) != len(b.Fallback) {
		return false
	}
	for i := range a.Fallback {
		if !equalEntry(a.Fallback[i].ProviderEntry, b.Fallback[i].ProviderEntry) || a.Fallback[i].Voice != b.Fallback[i].Voice {
			return false
		}
	}
	ab, bb := a.CircuitBreaker, b.CircuitBreaker
	return ab.MaxFailures == bb.MaxFailures && ab.ResetTimeout == bb.ResetTimeout && ab.HalfOpenMax == bb.HalfOpenMax &&
		a.Voice == b.Voice && a.WaitMode == b.WaitMode && a.Humor() == b.Humor() &&
		samePtr(a.HumorProbability, b.HumorProbability) && a.JokeCooldown == b.JokeCooldown &&
		a.NarrationTimeout == b.NarrationTimeout && a.SynthesisTimeout == b.SynthesisTimeout &&
		a.Gap == b.Gap && a.CacheSize == b.CacheSize
}

func equalPeripherals(a, b PeripheralsConfig) bool {
	return samePtr(a.LEDGPIO, b.LEDGPIO) && samePtr(a.ButtonGPIO, b.ButtonGPIO) &&
		a.ActiveLow == b.ActiveLow && a.SysfsRoot == b.SysfsRoot && a.Debounce == b.Debounce &&
		a.StdinTrigger == b.StdinTrigger && a.Schedule == b.Schedule
}

func equalDisplay(a, b DisplayConfig) bool {
	if a.Websocket != b.Websocket || a.PreviewPath != b.PreviewPath || a.PreviewScale != b.PreviewScale {
		return false
	}
	if a.Discord == nil || b.Discord == nil {
		return a.Discord == b.Discord
	}
	return *a.Discord == *b.Discord
}
