// Package remote implements classifier.Provider against a TensorFlow
// Serving compatible REST endpoint:
//
//	POST {base}/v1/models/{model}:predict
//	{"instances": [[[ [r,g,b], ... ]]]}
//	→ {"predictions": [[score0, score1, ...]]}
//
// It lets a device without a local accelerator offload inference to a
// server on the network, and serves as the fallback when the local model
// fails.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

var (
	_ classifier.Provider = (*Provider)(nil)
	_ classifier.Scorer   = (*Provider)(nil)
)

const defaultTimeout = 10 * time.Second

// Option configures a [Provider].
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Default 10s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithLayout selects the buffer layout sent to the server. Default float.
func WithLayout(l preprocess.Layout) Option {
	return func(p *Provider) { p.layout = l }
}

// WithMaxResults sets how many recognitions are returned at most.
func WithMaxResults(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.maxResults = n
		}
	}
}

// WithThreshold sets the minimum confidence (exclusive).
func WithThreshold(t float32) Option {
	return func(p *Provider) { p.threshold = t }
}

// WithAPIKey sends key as a Bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// Provider calls a remote prediction server.
type Provider struct {
	endpoint   string
	apiKey     string
	labels     []string
	layout     preprocess.Layout
	maxResults int
	threshold  float32
	httpClient *http.Client

	mu     sync.Mutex
	last   []float32
	closed bool
}

type predictRequest struct {
	Instances [][][][3]float32 `json:"instances"`
}

type predictResponse struct {
	Predictions [][]float32 `json:"predictions"`
	Error       string      `json:"error,omitempty"`
}

// New returns a provider for model served at baseURL.
func New(baseURL, model string, labels []string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote: base URL must not be empty")
	}
	if model == "" {
		return nil, errors.New("remote: model must not be empty")
	}
	p := &Provider{
		endpoint:   strings.TrimRight(baseURL, "/") + "/v1/models/" + model + ":predict",
		labels:     labels,
		layout:     preprocess.LayoutFloat,
		maxResults: classifier.DefaultMaxResults,
		threshold:  classifier.DefaultThreshold,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// InputLayout implements classifier.Provider.
func (p *Provider) InputLayout() preprocess.Layout { return p.layout }

// Classify implements classifier.Provider.
func (p *Provider) Classify(ctx context.Context, buf *preprocess.Buffer) ([]classifier.Recognition, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: remote: provider closed", classifier.ErrClassifier)
	}

	body, err := json.Marshal(predictRequest{Instances: [][][][3]float32{instance(buf)}})
	if err != nil {
		return nil, fmt.Errorf("%w: remote: marshal request: %v", classifier.ErrClassifier, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: remote: create request: %v", classifier.ErrClassifier, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: remote: POST %s: %v", classifier.ErrClassifier, p.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: remote: status %d: %s", classifier.ErrClassifier, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("%w: remote: decode response: %v", classifier.ErrClassifier, err)
	}
	if pr.Error != "" {
		return nil, fmt.Errorf("%w: remote: %s", classifier.ErrClassifier, pr.Error)
	}
	if len(pr.Predictions) == 0 {
		return nil, fmt.Errorf("%w: remote: response holds no predictions", classifier.ErrClassifier)
	}

	scores := pr.Predictions[0]
	p.mu.Lock()
	p.last = slices.Clone(scores)
	p.mu.Unlock()

	return classifier.TopK(scores, p.labels, p.maxResults, p.threshold), nil
}

// instance reshapes buf into side rows of side RGB triples.
func instance(buf *preprocess.Buffer) [][][3]float32 {
	rows := make([][][3]float32, buf.Side)
	for y := range rows {
		row := make([][3]float32, buf.Side)
		for x := range row {
			o := (y*buf.Side + x) * 3
			if buf.Layout == preprocess.LayoutBytes {
				row[x] = [3]float32{float32(buf.Bytes[o]), float32(buf.Bytes[o+1]), float32(buf.Bytes[o+2])}
			} else {
				row[x] = [3]float32{buf.Floats[o], buf.Floats[o+1], buf.Floats[o+2]}
			}
		}
		rows[y] = row
	}
	return rows
}

// LastScores implements classifier.Scorer.
func (p *Provider) LastScores() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.last)
}

// Close marks the provider closed. Idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.httpClient.CloseIdleConnections()
	return nil
}
