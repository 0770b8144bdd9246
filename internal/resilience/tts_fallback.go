package resilience

import (
	"context"

	"github.com/MrWong99/seesay/pkg/audio"
	"github.com/MrWong99/seesay/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several speech
// backends. Each backend has its own circuit breaker.
//
// Voice IDs are backend specific. A voice whose Provider field names an
// entry is passed only to that entry; every other entry gets its own
// configured voice (see [TTSFallback.AddFallback]).
type TTSFallback struct {
	group *FallbackGroup[ttsEntry]
}

type ttsEntry struct {
	name     string
	provider tts.Provider
	primary  bool
	voice    tts.VoiceProfile
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(ttsEntry{name: primaryName, provider: primary, primary: true}, primaryName, cfg),
	}
}

// AddFallback registers an additional backend. voice is used for this
// backend whenever the requested voice belongs to another one; a zero value
// selects the backend default.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider, voice tts.VoiceProfile) {
	f.group.AddFallback(name, ttsEntry{name: name, provider: provider, voice: voice})
}

// States reports the breaker state of every backend.
func (f *TTSFallback) States() []EntryState { return f.group.States() }

// Healthy reports whether any backend would accept a call.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }

// Synthesize renders text on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (audio.Clip, error) {
	return ExecuteWithResult(f.group, func(e ttsEntry) (audio.Clip, error) {
		return e.provider.Synthesize(ctx, text, e.voiceFor(voice))
	})
}

// voiceFor picks the voice sent to e. The requested voice goes to the
// primary unless it is tagged for a different backend.
func (e ttsEntry) voiceFor(requested tts.VoiceProfile) tts.VoiceProfile {
	if requested.Provider == e.name || (e.primary && requested.Provider == "") {
		return requested
	}
	return e.voice
}

// ListVoices returns the voices of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(e ttsEntry) ([]tts.VoiceProfile, error) {
		return e.provider.ListVoices(ctx)
	})
}
