package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/seesay/pkg/audio"
	"github.com/MrWong99/seesay/pkg/capture"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
	"github.com/MrWong99/seesay/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ClassifierParams carries the model-independent classifier settings every
// classifier factory receives next to its own [ProviderEntry].
type ClassifierParams struct {
	Labels     []string
	InputSize  int
	Mean, Std  float32
	MaxResults int
	Threshold  float32
}

// ClassifierParamsFrom returns the params described by c with defaults
// applied. labels is the already loaded label list.
func ClassifierParamsFrom(c ClassifierConfig, labels []string) ClassifierParams {
	p := ClassifierParams{
		Labels:     labels,
		InputSize:  c.InputSize,
		Mean:       classifier.DefaultMean,
		Std:        classifier.DefaultStd,
		MaxResults: c.MaxResults,
		Threshold:  classifier.DefaultThreshold,
	}
	if p.InputSize == 0 {
		p.InputSize = classifier.DefaultInputSize
	}
	if c.Mean != nil {
		p.Mean = *c.Mean
	}
	if c.Std != nil {
		p.Std = *c.Std
	}
	if p.MaxResults == 0 {
		p.MaxResults = classifier.DefaultMaxResults
	}
	if c.Threshold != nil {
		p.Threshold = *c.Threshold
	}
	return p
}

type (
	// CaptureFactory builds a capture device.
	CaptureFactory func(ProviderEntry) (capture.Device, error)

	// ClassifierFactory builds a classification backend.
	ClassifierFactory func(ProviderEntry, ClassifierParams) (classifier.Provider, error)

	// TTSFactory builds a speech backend.
	TTSFactory func(ProviderEntry) (tts.Provider, error)

	// PlayerFactory builds an audio output.
	PlayerFactory func(ProviderEntry) (audio.Player, error)
)

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	capture    map[string]CaptureFactory
	classifier map[string]ClassifierFactory
	tts        map[string]TTSFactory
	player     map[string]PlayerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:    make(map[string]CaptureFactory),
		classifier: make(map[string]ClassifierFactory),
		tts:        make(map[string]TTSFactory),
		player:     make(map[string]PlayerFactory),
	}
}

// RegisterCapture registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterClassifier registers a classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory ClassifierFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifier[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory TTSFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterPlayer registers an audio player factory under name.
func (r *Registry) RegisterPlayer(name string, factory PlayerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.player[name] = factory
}

// CreateCapture instantiates a capture device using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateCapture(entry ProviderEntry) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateClassifier instantiates a classifier using the factory registered
// under entry.Name.
func (r *Registry) CreateClassifier(entry ProviderEntry, params ClassifierParams) (classifier.Provider, error) {
	r.mu.RLock()
	factory, ok := r.classifier[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: classifier/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry, params)
}

// CreateTTS instantiates a TTS provider using the factory registered under
// entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlayer instantiates an audio player using the factory registered
// under entry.Name.
func (r *Registry) CreatePlayer(entry ProviderEntry) (audio.Player, error) {
	r.mu.RLock()
	factory, ok := r.player[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: player/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted names registered for kind ("capture",
// "classifier", "tts", "player").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "capture":
		names = keys(r.capture)
	case "classifier":
		names = keys(r.classifier)
	case "tts":
		names = keys(r.tts)
	case "player":
		names = keys(r.player)
	}
	slices.Sort(names)
	return names
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// OptString extracts a string value from a provider Options map.
// Returns "" if the key is absent or the value is not a string.
func OptString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// OptBool extracts a bool value from a provider Options map.
func OptBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// OptInt extracts an integer value from a provider Options map. YAML
// integers decode as int; floats with no fraction are accepted too.
func OptInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
