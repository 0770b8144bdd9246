package narrator

import "github.com/MrWong99/seesay/internal/speech"

// Utterance is a named unit of speech made of one or more lines. Simple
// utterances hold a single line at natural pitch and rate; parametrized
// ones modulate pitch or rate or chain several lines.
type Utterance struct {
	Name  string
	Lines []speech.Line
}

// Simple returns a single-line utterance at natural pitch and rate.
func Simple(text string) Utterance {
	return Utterance{Name: text, Lines: []speech.Line{{Text: text, Pitch: 1, Rate: 1}}}
}

// Modulated returns a single-line utterance at the given pitch and rate.
func Modulated(text string, pitch, rate float64) Utterance {
	return Utterance{Name: text, Lines: []speech.Line{{Text: text, Pitch: pitch, Rate: rate}}}
}

// Phrases spoken outside the pools.
const (
	ReadyText      = "I'm ready!"
	NothingText    = "I don't understand what I see."
	DontUnplugText = "Please don't unplug me, I'll do better next time."
)

// singleAnswerConfidence is the top confidence above which only the best
// result is named.
const singleAnswerConfidence = 0.4

const shutterModulation = 1.5

// ShutterSounds returns the pool of phrases spoken when a capture starts.
func ShutterSounds() []Utterance {
	return []Utterance{
		Modulated("Click!", shutterModulation, shutterModulation),
		Modulated("Cheeeeese!", shutterModulation, shutterModulation),
		Modulated("Smile!", shutterModulation, shutterModulation),
	}
}

// Jokes returns the default joke pool.
func Jokes() []Utterance {
	return []Utterance{
		Simple("It's a bird! It's a plane! It's... it's..."),
		Simple("Oops, someone left the lens cap on! Just kidding..."),
		Simple("Hey, that looks like me! Just kidding..."),
		{
			Name: "I see dead people",
			Lines: []speech.Line{
				{Text: "I see dead people...", Pitch: 0.2, Rate: 1},
				{Text: "Just kidding...", Pitch: 1, Rate: 1},
			},
		},
	}
}
