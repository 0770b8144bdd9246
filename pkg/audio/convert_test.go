package audio_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/seesay/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	equalSamples(t, got, []int16{150, -150, 32767})
}

func TestResample16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       []int16
		channels int
		src, dst int
		want     []int16
	}{
		{name: "same rate", in: []int16{1, 2, 3}, channels: 1, src: 16000, dst: 16000, want: []int16{1, 2, 3}},
		{name: "zero rate", in: []int16{1, 2, 3}, channels: 1, src: 0, dst: 16000, want: []int16{1, 2, 3}},
		{name: "mono upsample", in: []int16{0, 100}, channels: 1, src: 1, dst: 2, want: []int16{0, 50, 100, 100}},
		{name: "mono downsample", in: []int16{0, 10, 20, 30}, channels: 1, src: 2, dst: 1, want: []int16{0, 20}},
		{name: "stereo upsample", in: []int16{0, 100, 100, 200}, channels: 2, src: 1, dst: 2, want: []int16{0, 100, 50, 150, 100, 200, 100, 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.Resample16(samplesToBytes(tt.in), tt.channels, tt.src, tt.dst))
			equalSamples(t, got, tt.want)
		})
	}
}

func TestConverter(t *testing.T) {
	t.Parallel()

	target := audio.Format{SampleRate: 2, Channels: 2}
	conv := &audio.Converter{Target: target}

	t.Run("no-op", func(t *testing.T) {
		in := audio.Clip{PCM: samplesToBytes([]int16{1, 2}), Format: target}
		out := conv.Convert(in)
		if &out.PCM[0] != &in.PCM[0] {
			t.Error("matching format should return the input slice")
		}
	})

	t.Run("full conversion", func(t *testing.T) {
		in := audio.Clip{PCM: samplesToBytes([]int16{0, 100}), Format: audio.Format{SampleRate: 1, Channels: 1}}
		out := conv.Convert(in)
		if out.Format != target {
			t.Fatalf("format = %s, want %s", out.Format, target)
		}
		equalSamples(t, bytesToSamples(out.PCM), []int16{0, 0, 50, 50, 100, 100, 100, 100})
	})

	t.Run("odd byte count", func(t *testing.T) {
		in := audio.Clip{PCM: []byte{1, 0, 7}, Format: target}
		if out := conv.Convert(in); len(out.PCM) != 2 {
			t.Errorf("len = %d, want 2", len(out.PCM))
		}
	})
}

func TestShift(t *testing.T) {
	t.Parallel()

	clip := audio.Clip{PCM: make([]byte, 2*1500), Format: audio.Format{SampleRate: 1500, Channels: 1}}

	if got := audio.Shift(clip, 1); len(got.PCM) != len(clip.PCM) {
		t.Error("factor 1 must not change the clip")
	}
	if got := audio.Shift(clip, 0); len(got.PCM) != len(clip.PCM) {
		t.Error("factor 0 must not change the clip")
	}

	fast := audio.Shift(clip, 1.5)
	if fast.Format != clip.Format {
		t.Errorf("format changed to %s", fast.Format)
	}
	if fast.Duration().Round(time.Millisecond) != 667*time.Millisecond {
		t.Errorf("duration = %v, want ~667ms", fast.Duration())
	}

	slow := audio.Shift(clip, 0.2)
	if slow.Duration() != 5*time.Second {
		t.Errorf("duration = %v, want 5s", slow.Duration())
	}
}

func TestClipDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		clip audio.Clip
		want time.Duration
	}{
		{audio.Clip{PCM: make([]byte, 32000), Format: audio.Format{SampleRate: 16000, Channels: 1}}, time.Second},
		{audio.Clip{PCM: make([]byte, 32000), Format: audio.Format{SampleRate: 16000, Channels: 2}}, 500 * time.Millisecond},
		{audio.Clip{PCM: make([]byte, 10)}, 0},
	}
	for _, tt := range tests {
		if got := tt.clip.Duration(); got != tt.want {
			t.Errorf("Duration(%s, %d bytes) = %v, want %v", tt.clip.Format, len(tt.clip.PCM), got, tt.want)
		}
	}
}

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	in := audio.Clip{PCM: samplesToBytes([]int16{1, -1, 300}), Format: audio.Format{SampleRate: 22050, Channels: 1}}
	out, err := audio.ParseWAV(audio.EncodeWAV(in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != in.Format {
		t.Errorf("format = %s, want %s", out.Format, in.Format)
	}
	equalSamples(t, bytesToSamples(out.PCM), []int16{1, -1, 300})
}

func TestParseWAV_SkipsExtraChunks(t *testing.T) {
	t.Parallel()

	wav := audio.EncodeWAV(audio.Clip{PCM: []byte{9, 0}, Format: audio.Format{SampleRate: 8000, Channels: 1}})
	// Insert an odd-sized LIST chunk between fmt and data.
	list := []byte{'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0}
	patched := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	out, err := audio.ParseWAV(patched)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.PCM) != 2 || out.PCM[0] != 9 {
		t.Errorf("PCM = %v, want [9 0]", out.PCM)
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	t.Parallel()

	eightBit := audio.EncodeWAV(audio.Clip{PCM: []byte{1}, Format: audio.Format{SampleRate: 8000, Channels: 1}})
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	for name, data := range map[string][]byte{
		"short":   []byte("RIFF"),
		"no riff": []byte("NOPE0000WAVEfmt "),
		"no data": []byte("RIFF\x04\x00\x00\x00WAVE"),
		"8 bit":   eightBit,
	} {
		if _, err := audio.ParseWAV(data); !errors.Is(err, audio.ErrInvalidWAV) {
			t.Errorf("%s: err = %v, want ErrInvalidWAV", name, err)
		}
	}
}
