// Package classifier defines the Provider interface for image classification
// backends and the helpers they share: label files and deterministic top-K
// selection of class scores.
//
// A provider maps one preprocessed square RGB buffer to a ranked list of
// [Recognition] values. Providers may block for the duration of inference;
// callers bound them with a context.
package classifier

import (
	"context"
	"errors"

	"github.com/MrWong99/seesay/pkg/preprocess"
)

// ErrClassifier wraps failures of the scoring call itself.
var ErrClassifier = errors.New("classifier: inference failed")

// Defaults used when a provider is configured without explicit values.
const (
	DefaultMaxResults = 3
	DefaultThreshold  = 0.1
	DefaultInputSize  = 224
	DefaultMean       = 117
	DefaultStd        = 1
)

// Recognition is one ranked classification result.
type Recognition struct {
	// ID is the class index as a string, stable across runs.
	ID string `json:"id"`

	// Label is the human-readable class name.
	Label string `json:"label"`

	// Confidence is the class score in [0,1].
	Confidence float32 `json:"confidence"`
}

// Provider is the abstraction over any classification backend.
//
// Implementations must be safe for concurrent use, although the capture
// coordinator never issues overlapping calls.
type Provider interface {
	// Classify scores buf and returns at most MaxResults recognitions with
	// confidence above the threshold, ordered by confidence descending and
	// then by class index ascending.
	//
	// Returns an error wrapping [ErrClassifier] when inference fails.
	Classify(ctx context.Context, buf *preprocess.Buffer) ([]Recognition, error)

	// InputLayout reports which buffer layout the backend consumes, so the
	// converter can be configured to match.
	InputLayout() preprocess.Layout

	// Close releases the model. Idempotent.
	Close() error
}

// Scorer is implemented by providers that can expose the full score vector
// of their last inference in addition to the ranked results. The history
// store uses it for similarity search.
type Scorer interface {
	// LastScores returns a copy of the scores from the most recent Classify
	// call, or nil before the first call.
	LastScores() []float32
}

// Router is implemented by providers that dispatch each call to one of
// several backends.
type Router interface {
	// LastServed names the backend behind the most recent successful
	// Classify call, or "" before the first one.
	LastServed() string
}
