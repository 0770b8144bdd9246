package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned when a byte slice is not a RIFF/WAVE container
// carrying 16-bit PCM.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// ParseWAV walks the RIFF chunks in wav and returns its PCM payload. The
// returned clip aliases wav.
func ParseWAV(wav []byte) (Clip, error) {
	if len(wav) < 12 {
		return Clip{}, fmt.Errorf("%w: too short to be a RIFF file", ErrInvalidWAV)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		f        Format
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return Clip{}, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			f.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			if bits := binary.LittleEndian.Uint16(wav[body+14 : body+16]); bits != 16 {
				return Clip{}, fmt.Errorf("%w: %d bits per sample, want 16", ErrInvalidWAV, bits)
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				// Coqui's default output when the fmt chunk is missing.
				f = Format{SampleRate: 22050, Channels: 1}
			}
			// Streaming encoders write 0 or 0xFFFFFFFF when the size is unknown.
			end := body + size
			if size == 0 || end > len(wav) || end < body {
				end = len(wav)
			}
			return Clip{PCM: wav[body:end], Format: f}, nil
		}

		offset = body + size
		if size%2 != 0 {
			offset++
		}
	}
	return Clip{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// EncodeWAV wraps clip in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(clip Clip) []byte {
	channels := max(clip.Channels, 1)
	dataSize := uint32(len(clip.PCM))
	le := binary.LittleEndian

	buf := make([]byte, 44, 44+len(clip.PCM))
	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], 1) // PCM
	le.PutUint16(buf[22:24], uint16(channels))
	le.PutUint32(buf[24:28], uint32(clip.SampleRate))
	le.PutUint32(buf[28:32], uint32(clip.SampleRate*channels*2))
	le.PutUint16(buf[32:34], uint16(channels*2))
	le.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], dataSize)
	return append(buf, clip.PCM...)
}
