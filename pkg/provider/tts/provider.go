// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., a local Coqui TTS
// server or ElevenLabs) and turns one phrase into one complete PCM clip. The
// phrases spoken by seesay are short, so whole-clip synthesis keeps the
// speech queue simple: a clip is either fully available or the utterance
// failed.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/seesay/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the complete
	// clip. voice.ID may be empty to use the backend's default voice when the
	// backend supports that.
	//
	// Returns an error if the backend cannot be reached, rejects the request,
	// or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (audio.Clip, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
