// Package narrator decides what the device says and when: the readiness
// announcement, a shutter phrase when a capture starts, and a spoken
// description of the classification results, optionally spiced with a joke.
//
// Every phrase goes to one FIFO speech queue. The narrator never interrupts
// speech; it only appends.
package narrator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/seesay/internal/observe"
	"github.com/MrWong99/seesay/internal/speech"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// DefaultHumorProbability is the chance that a single "maybe joke" decision
// succeeds.
const DefaultHumorProbability = 0.2

// Utterance kinds used as the "kind" metric attribute.
const (
	KindReady   = "ready"
	KindShutter = "shutter"
	KindJoke    = "joke"
	KindResult  = "result"
)

// Speaker accepts lines for ordered playback and returns an ID per line.
// *speech.Queue satisfies it.
type Speaker interface {
	Enqueue(line speech.Line) string
}

// Option configures a [Narrator].
type Option func(*Narrator)

// WithHumor enables or disables jokes. Enabled by default.
func WithHumor(enabled bool) Option {
	return func(n *Narrator) { n.humor = enabled }
}

// WithHumorProbability sets the per-decision joke probability in [0,1].
func WithHumorProbability(p float64) Option {
	return func(n *Narrator) { n.probability = clamp01(p) }
}

// WithCooldown sets the minimum interval between repeats of one joke.
func WithCooldown(d time.Duration) Option {
	return func(n *Narrator) { n.cooldown = d }
}

// WithJokes replaces the joke pool.
func WithJokes(jokes []Utterance) Option {
	return func(n *Narrator) { n.jokes = jokes }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Narrator) { n.now = now }
}

// WithRand replaces the random source, for tests.
func WithRand(r *rand.Rand) Option {
	return func(n *Narrator) { n.rng = r }
}

// WithMetrics sets the metrics recorder. Defaults to observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Narrator) { n.metrics = m }
}

// Narrator implements the utterance policy. Safe for concurrent use.
type Narrator struct {
	speaker  Speaker
	ledger   *Ledger
	shutter  []Utterance
	jokes    []Utterance
	cooldown time.Duration
	now      func() time.Time
	metrics  *observe.Metrics

	mu          sync.Mutex // guards rng, humor, probability
	rng         *rand.Rand
	humor       bool
	probability float64
}

// New returns a Narrator that speaks through speaker. A nil speaker yields
// a silent narrator whose methods return empty IDs.
func New(speaker Speaker, opts ...Option) *Narrator {
	n := &Narrator{
		speaker:     speaker,
		shutter:     ShutterSounds(),
		jokes:       Jokes(),
		cooldown:    DefaultCooldown,
		now:         time.Now,
		humor:       true,
		probability: DefaultHumorProbability,
	}
	for _, o := range opts {
		o(n)
	}
	if n.rng == nil {
		seed := uint64(time.Now().UnixNano())
		n.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	n.ledger = NewLedger(n.jokes, n.cooldown)
	return n
}

// SetHumor updates the humor policy at runtime.
func (n *Narrator) SetHumor(enabled bool, probability float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.humor = enabled
	n.probability = clamp01(probability)
}

// Humor reports the current humor policy.
func (n *Narrator) Humor() (enabled bool, probability float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.humor, n.probability
}

// SetCooldown updates the joke cooldown at runtime.
func (n *Narrator) SetCooldown(d time.Duration) {
	n.ledger.SetCooldown(d)
}

// AnnounceReady speaks "I'm ready!" and returns the line ID.
func (n *Narrator) AnnounceReady() string {
	return n.say(Simple(ReadyText), KindReady)
}

// AnnounceShutter speaks a random shutter phrase and returns the line ID.
func (n *Narrator) AnnounceShutter() string {
	n.mu.Lock()
	u := n.shutter[n.rng.IntN(len(n.shutter))]
	n.mu.Unlock()
	return n.say(u, KindShutter)
}

// DescribeResults speaks the narration for recs, which must be sorted by
// confidence descending, and returns the ID of the last line enqueued.
func (n *Narrator) DescribeResults(recs []classifier.Recognition) string {
	if len(recs) == 0 {
		last := n.say(Simple(NothingText), KindResult)
		if n.feelingFunny() {
			last = n.say(Simple(DontUnplugText), KindJoke)
		}
		return last
	}

	if n.feelingFunny() {
		if joke, ok := n.ledger.Pick(n.now(), n.lockedRand()); ok {
			n.say(joke, KindJoke)
		}
	}
	return n.say(Simple(Sentence(recs)), KindResult)
}

// Sentence returns the spoken description of non-empty recs.
func Sentence(recs []classifier.Recognition) string {
	if len(recs) == 1 || recs[0].Confidence > singleAnswerConfidence {
		return fmt.Sprintf("I see a %s", recs[0].Label)
	}
	return fmt.Sprintf("This is a %s, or maybe a %s", recs[0].Label, recs[1].Label)
}

// feelingFunny rolls the humor dice.
func (n *Narrator) feelingFunny() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.humor && n.rng.Float64() < n.probability
}

// lockedRand returns a source safe to hand to the ledger.
func (n *Narrator) lockedRand() *rand.Rand {
	n.mu.Lock()
	seed := n.rng.Uint64()
	n.mu.Unlock()
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (n *Narrator) say(u Utterance, kind string) string {
	if n.speaker == nil {
		return ""
	}
	var last string
	for _, line := range u.Lines {
		last = n.speaker.Enqueue(line)
	}
	n.metrics.RecordUtterance(context.Background(), kind)
	return last
}

func clamp01(p float64) float64 {
	return min(max(p, 0), 1)
}
