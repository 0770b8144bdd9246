package display

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

// PreviewSink dumps each converted classifier input to an image file so the
// crop and rotation can be checked by eye. The file is replaced atomically.
type PreviewSink struct {
	path  string
	scale int
}

// NewPreviewSink writes previews to path. The format follows the extension
// (.png, .jpg, ...). scale > 1 enlarges the image with nearest-neighbour
// sampling so single input pixels stay visible.
func NewPreviewSink(path string, scale int) (*PreviewSink, error) {
	if _, err := imaging.FormatFromFilename(path); err != nil {
		return nil, fmt.Errorf("display: preview %q: %w", path, err)
	}
	return &PreviewSink{path: path, scale: max(scale, 1)}, nil
}

// ShowStatus implements [Sink].
func (p *PreviewSink) ShowStatus(string) {}

// ShowResults implements [Sink].
func (p *PreviewSink) ShowResults([]classifier.Recognition) {}

// ShowImage implements [Sink].
func (p *PreviewSink) ShowImage(img image.Image) {
	if err := p.write(img); err != nil {
		slog.Warn("display: write preview", "path", p.path, "err", err)
	}
}

func (p *PreviewSink) write(img image.Image) error {
	out := imaging.Clone(img)
	if p.scale > 1 {
		b := out.Bounds()
		out = imaging.Resize(out, b.Dx()*p.scale, b.Dy()*p.scale, imaging.NearestNeighbor)
	}
	tmp := filepath.Join(filepath.Dir(p.path), ".tmp-"+filepath.Base(p.path))
	if err := imaging.Save(out, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

var _ Sink = (*PreviewSink)(nil)
