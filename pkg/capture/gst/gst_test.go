package gst

import (
	"testing"

	"github.com/MrWong99/seesay/pkg/capture"
)

func TestI420Frame_Layout(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		width, height    int
		yStride, cStride int
		size             int
	}{
		{name: "aligned", width: 8, height: 4, yStride: 8, cStride: 4, size: 8*4 + 2*4*2},
		{name: "odd width", width: 6, height: 2, yStride: 8, cStride: 4, size: 8*2 + 2*4*1},
		{name: "odd height", width: 4, height: 3, yStride: 4, cStride: 4, size: 4*4 + 2*4*2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := I420Frame(tt.width, tt.height, make([]byte, tt.size))
			if err != nil {
				t.Fatal(err)
			}
			if f.Format != capture.FormatYUV420 || len(f.Planes) != 3 {
				t.Fatalf("got %s with %d planes", f.Format, len(f.Planes))
			}
			if f.Planes[0].RowStride != tt.yStride {
				t.Errorf("luma stride = %d, want %d", f.Planes[0].RowStride, tt.yStride)
			}
			if f.Planes[1].RowStride != tt.cStride || f.Planes[2].RowStride != tt.cStride {
				t.Errorf("chroma strides = %d/%d, want %d", f.Planes[1].RowStride, f.Planes[2].RowStride, tt.cStride)
			}
			if err := f.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}

			if _, err := I420Frame(tt.width, tt.height, make([]byte, tt.size-1)); err == nil {
				t.Error("short buffer accepted")
			}
		})
	}
}
