package audio

import (
	"log/slog"
	"math"
	"sync"
)

// Converter converts clips to a fixed device format. It logs a warning on the
// first format mismatch and on the first misaligned clip.
// Safe for concurrent use.
type Converter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns clip in the target format. If the source format already
// matches, clip is returned unchanged (zero allocation). Resampling happens
// before channel conversion.
func (c *Converter) Convert(clip Clip) Clip {
	if len(clip.PCM)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM data, dropping trailing byte",
				"bytes", len(clip.PCM),
				"format", clip.Format.String(),
			)
		})
		clip.PCM = clip.PCM[:len(clip.PCM)-1]
	}

	if clip.Format == c.Target || c.Target.SampleRate <= 0 || c.Target.Channels <= 0 {
		return clip
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", clip.Format.String(),
			"to", c.Target.String(),
		)
	})

	pcm := clip.PCM
	if clip.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, clip.Channels, clip.SampleRate, c.Target.SampleRate)
	}
	switch {
	case clip.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case clip.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return Clip{PCM: pcm, Format: c.Target}
}

// Shift changes pitch and tempo together by factor: 2 plays an octave higher
// in half the time, 0.5 an octave lower in twice the time. The returned clip
// keeps the source format, so it can be played on a fixed-rate device.
// Factors ≤ 0 and 1 return clip unchanged.
func Shift(clip Clip, factor float64) Clip {
	if factor <= 0 || factor == 1 || clip.SampleRate <= 0 {
		return clip
	}
	virtual := int(math.Round(float64(clip.SampleRate) / factor))
	if virtual <= 0 {
		return clip
	}
	return Clip{
		PCM:    Resample16(clip.PCM, clip.Channels, clip.SampleRate, virtual),
		Format: clip.Format,
	}
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sample(pcm, i*2))
		r := int32(sample(pcm, i*2+1))
		putSample(out, i, int16((l+r)/2))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. If the rates match or
// either is non-positive, the input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	channels = max(channels, 1)
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)

		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[i*2] = byte(v)
	pcm[i*2+1] = byte(v >> 8)
}
