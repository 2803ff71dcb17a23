// Package audio converts between WAV containers and the 16-bit little-endian
// PCM that travels inside chunk envelopes.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bytesPerSample = 2

// PCM is interleaved signed 16-bit little-endian audio.
type PCM struct {
	Data       []byte
	SampleRate int
	Channels   int
}

// Duration of the samples in p.
func (p PCM) Duration() time.Duration {
	return Duration(len(p.Data), p.SampleRate, p.Channels)
}

// Duration converts a PCM byte length into playing time.
func Duration(n, sampleRate, channels int) time.Duration {
	frameBytes := channels * bytesPerSample
	if sampleRate <= 0 || frameBytes <= 0 {
		return 0
	}
	frames := n / frameBytes
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// FrameBytes is the byte length of d worth of audio, rounded down to whole frames.
func FrameBytes(d time.Duration, sampleRate, channels int) int {
	frames := int(d * time.Duration(sampleRate) / time.Second)
	return frames * channels * bytesPerSample
}

// Silence returns d worth of zeroed samples.
func Silence(d time.Duration, sampleRate, channels int) []byte {
	return make([]byte, FrameBytes(d, sampleRate, channels))
}

// Tone returns d worth of a sine wave at freq Hz, used by mock synthesis.
func Tone(d time.Duration, freq float64, sampleRate, channels int) []byte {
	out := make([]byte, FrameBytes(d, sampleRate, channels))
	frames := len(out) / (channels * bytesPerSample)
	for i := 0; i < frames; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(out[(i*channels+c)*bytesPerSample:], uint16(v))
		}
	}
	return out
}

// Split cuts p into consecutive chunks of d. The last chunk may be shorter.
func Split(p PCM, d time.Duration) [][]byte {
	size := FrameBytes(d, p.SampleRate, p.Channels)
	if size <= 0 {
		return nil
	}
	var chunks [][]byte
	for off := 0; off < len(p.Data); off += size {
		end := off + size
		if end > len(p.Data) {
			end = len(p.Data)
		}
		chunks = append(chunks, p.Data[off:end])
	}
	return chunks
}

// EncodeWAV writes p as a 16-bit PCM WAV file.
func EncodeWAV(w io.WriteSeeker, p PCM) error {
	if len(p.Data)%bytesPerSample != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: p.Channels, SampleRate: p.SampleRate},
		SourceBitDepth: 16,
		Data:           toInts(p.Data),
	}
	enc := wav.NewEncoder(w, p.SampleRate, 16, p.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WAVBytes encodes p into an in-memory WAV file.
func WAVBytes(p PCM) ([]byte, error) {
	var buf seekBuffer
	if err := EncodeWAV(&buf, p); err != nil {
		return nil, err
	}
	return buf.data, nil
}

// DecodeWAV reads a PCM WAV file and normalizes it to 16-bit samples.
func DecodeWAV(r io.ReadSeeker) (PCM, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return PCM{}, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("read wav samples: %w", err)
	}
	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	out := make([]byte, len(buf.Data)*bytesPerSample)
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(rescale(v, depth)))
	}
	return PCM{Data: out, SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

func rescale(v, depth int) int16 {
	switch {
	case depth == 8:
		// 8-bit wav is unsigned
		return int16((v - 128) << 8)
	case depth > 16:
		return int16(v >> (depth - 16))
	}
	return int16(v)
}

func toInts(pcm []byte) []int {
	samples := make([]int, len(pcm)/bytesPerSample)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return samples
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes once the data length is known.
type seekBuffer struct {
	data []byte
	pos  int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.data)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}

// StreamWriter appends PCM to a WAV file as it arrives. The header sizes are
// patched on Close.
type StreamWriter struct {
	enc        *wav.Encoder
	sampleRate int
	channels   int
}

func NewStreamWriter(w io.WriteSeeker, sampleRate, channels int) *StreamWriter {
	return &StreamWriter{
		enc:        wav.NewEncoder(w, sampleRate, 16, channels, 1),
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Write appends pcm, which must match the stream's format.
func (s *StreamWriter) Write(pcm []byte) error {
	if len(pcm)%bytesPerSample != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if len(pcm) == 0 {
		return nil
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: s.channels, SampleRate: s.sampleRate},
		SourceBitDepth: 16,
		Data:           toInts(pcm),
	}
	if err := s.enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (s *StreamWriter) Close() error {
	if err := s.enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
