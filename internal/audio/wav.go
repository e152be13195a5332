package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

const bitsPerSample = 16

var ErrInvalidWAV = errors.New("invalid wav data")

// EncodeWAVPCM16LE wraps interleaved PCM16LE bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate, channels int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes interleaved PCM16LE bytes to out as a WAV stream.
// ffmpeg cannot seek a pipe to patch RIFF sizes, so raw PCM is wrapped here.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate, channels int) error {
	const audioFormat = 1 // PCM
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = 1
	}

	dataSize := uint32(len(pcm))
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(audioFormat), uint16(channels),
		uint32(sampleRate), byteRate, blockAlign, uint16(bitsPerSample),
		[]byte("data"), dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAVPCM16LE extracts PCM16LE samples and format from a WAV stream.
// Chunks other than fmt and data are skipped.
func DecodeWAVPCM16LE(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("%w: missing RIFF header", ErrInvalidWAV)
	}
	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			// Streams written before the size was known often overstate data.
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || bits != bitsPerSample {
				return nil, 0, 0, fmt.Errorf("%w: want 16-bit PCM, got format=%d bits=%d", ErrInvalidWAV, format, bits)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, 0, fmt.Errorf("%w: data before fmt", ErrInvalidWAV)
			}
			return data[body:end], sampleRate, channels, nil
		}
		pos = body + size + size%2
	}
	return nil, 0, 0, fmt.Errorf("%w: no data chunk", ErrInvalidWAV)
}

// DownmixPCM16LE averages interleaved channels into mono.
func DownmixPCM16LE(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frame := channels * 2
	frames := len(pcm) / frame
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			off := i*frame + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[off : off+2])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}

// PCMDuration reports the playback length of interleaved PCM16LE bytes.
func PCMDuration(pcmBytes, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := pcmBytes / (channels * 2)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}
