package narrator

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// DefaultCooldown is the minimum time between two plays of the same joke.
const DefaultCooldown = 2 * time.Minute

// Ledger orders jokes by the time they were last spoken. Every joke appears
// exactly once and keys are unique. A joke is eligible only while its key is
// strictly before now − cooldown.
//
// Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	entries  []ledgerEntry // sorted by at, ascending
	cooldown time.Duration
}

type ledgerEntry struct {
	at   time.Time
	joke Utterance
}

// NewLedger seeds the ledger with jokes at distinct instants just after the
// Unix epoch, so every joke starts eligible.
func NewLedger(jokes []Utterance, cooldown time.Duration) *Ledger {
	l := &Ledger{
		entries:  make([]ledgerEntry, len(jokes)),
		cooldown: cooldown,
	}
	for i, j := range jokes {
		l.entries[i] = ledgerEntry{at: time.UnixMilli(int64(i)), joke: j}
	}
	return l
}

// Len returns the number of jokes in the ledger.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SetCooldown replaces the cooldown for subsequent picks.
func (l *Ledger) SetCooldown(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldown = d
}

// Pick selects uniformly among eligible jokes at now, moves the chosen joke
// to key now and returns it. It reports false when no joke is eligible.
func (l *Ledger) Pick(now time.Time, rng *rand.Rand) (Utterance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.cooldown)
	eligible, _ := slices.BinarySearchFunc(l.entries, cutoff, func(e ledgerEntry, t time.Time) int {
		return e.at.Compare(t)
	})
	if eligible == 0 {
		return Utterance{}, false
	}

	i := rng.IntN(eligible)
	e := l.entries[i]
	l.entries = slices.Delete(l.entries, i, i+1)

	// Keys must stay unique even when two picks share a clock reading.
	at := now
	if n := len(l.entries); n > 0 && !l.entries[n-1].at.Before(at) {
		at = l.entries[n-1].at.Add(time.Nanosecond)
	}
	l.entries = append(l.entries, ledgerEntry{at: at, joke: e.joke})
	return e.joke, true
}

// lastSpoken returns the ledger key of the joke with the given name.
func (l *Ledger) lastSpoken(name string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.joke.Name == name {
			return e.at, true
		}
	}
	return time.Time{}, false
}
