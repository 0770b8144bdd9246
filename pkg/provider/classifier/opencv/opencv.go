// Package opencv implements classifier.Provider with the OpenCV DNN module
// through gocv. Any model format cv::dnn::readNet understands (ONNX,
// TensorFlow, Caffe, TFLite) can be used; the network must take one
// side×side RGB image and produce one score per class.
//
// The provider consumes byte-layout buffers and lets OpenCV apply the
// (v-mean)/std normalisation while building the input blob.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"slices"
	"sync"

	"gocv.io/x/gocv"

	"github.com/MrWong99/seesay/pkg/preprocess"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

var (
	_ classifier.Provider = (*Provider)(nil)
	_ classifier.Scorer   = (*Provider)(nil)
)

// Option configures a [Provider].
type Option func(*Provider)

// WithConfigFile sets the optional network description file (e.g. a Caffe
// prototxt) passed alongside the model.
func WithConfigFile(path string) Option {
	return func(p *Provider) { p.configFile = path }
}

// WithNormalization sets the mean and std applied to every channel.
func WithNormalization(mean, std float64) Option {
	return func(p *Provider) {
		p.mean = mean
		if std != 0 {
			p.std = std
		}
	}
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

// WithSoftmax applies a softmax to the raw network output. Enable it for
// models that emit logits.
func WithSoftmax(enabled bool) Option {
	return func(p *Provider) { p.softmax = enabled }
}

// WithOutputLayer selects a named output layer instead of the last one.
func WithOutputLayer(name string) Option {
	return func(p *Provider) { p.outputLayer = name }
}

// Provider runs a DNN classification model.
type Provider struct {
	modelFile   string
	configFile  string
	labels      []string
	side        int
	mean, std   float64
	maxResults  int
	threshold   float32
	softmax     bool
	outputLayer string

	mu     sync.Mutex
	net    gocv.Net
	last   []float32
	closed bool
}

// New loads the model at modelFile for side×side input. labels maps class
// indices to names.
func New(modelFile string, labels []string, side int, opts ...Option) (*Provider, error) {
	if modelFile == "" {
		return nil, errors.New("opencv: model file must not be empty")
	}
	if side <= 0 {
		side = classifier.DefaultInputSize
	}
	p := &Provider{
		modelFile:  modelFile,
		labels:     labels,
		side:       side,
		mean:       classifier.DefaultMean,
		std:        classifier.DefaultStd,
		maxResults: classifier.DefaultMaxResults,
		threshold:  classifier.DefaultThreshold,
	}
	for _, o := range opts {
		o(p)
	}

	p.net = gocv.ReadNet(modelFile, p.configFile)
	if p.net.Empty() {
		return nil, fmt.Errorf("opencv: load model %q: network is empty", modelFile)
	}
	return p, nil
}

// InputLayout implements classifier.Provider.
func (p *Provider) InputLayout() preprocess.Layout { return preprocess.LayoutBytes }

// Classify implements classifier.Provider.
func (p *Provider) Classify(ctx context.Context, buf *preprocess.Buffer) ([]classifier.Recognition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf == nil || buf.Layout != preprocess.LayoutBytes || len(buf.Bytes) != buf.Len() {
		return nil, fmt.Errorf("%w: opencv: want a byte-layout buffer", classifier.ErrClassifier)
	}
	if buf.Side != p.side {
		return nil, fmt.Errorf("%w: opencv: buffer side %d, model expects %d", classifier.ErrClassifier, buf.Side, p.side)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("%w: opencv: provider closed", classifier.ErrClassifier)
	}

	img, err := gocv.NewMatFromBytes(buf.Side, buf.Side, gocv.MatTypeCV8UC3, buf.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: opencv: wrap input: %v", classifier.ErrClassifier, err)
	}
	defer img.Close()

	m := p.mean
	blob := gocv.BlobFromImage(img, 1/p.std, image.Pt(p.side, p.side), gocv.NewScalar(m, m, m, 0), false, false)
	defer blob.Close()

	p.net.SetInput(blob, "")
	prob := p.net.Forward(p.outputLayer)
	defer prob.Close()
	if prob.Empty() {
		return nil, fmt.Errorf("%w: opencv: empty network output", classifier.ErrClassifier)
	}

	raw, err := prob.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%w: opencv: read output: %v", classifier.ErrClassifier, err)
	}
	scores := slices.Clone(raw)
	if p.softmax {
		Softmax(scores)
	}
	p.last = scores

	return classifier.TopK(scores, p.labels, p.maxResults, p.threshold), nil
}

// LastScores implements classifier.Scorer.
func (p *Provider) LastScores() []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.last)
}

// Close releases the network. Idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.net.Close()
}

// Softmax normalises v in place into a probability distribution.
func Softmax(v []float32) {
	if len(v) == 0 {
		return
	}
	hi := slices.Max(v)
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - hi))
		v[i] = float32(e)
		sum += e
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / sum)
	}
}
