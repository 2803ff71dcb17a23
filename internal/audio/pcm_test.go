package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestSplitIntoChunks(t *testing.T) {
	p := PCM{Data: make([]byte, FrameBytes(time.Second, 16000, 1)), SampleRate: 16000, Channels: 1}
	chunks := Split(p, 300*time.Millisecond)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks for 1s at 300ms, got %d", len(chunks))
	}
	for i, c := range chunks[:3] {
		if got := Duration(len(c), 16000, 1); got != 300*time.Millisecond {
			t.Fatalf("chunk %d: expected 300ms, got %s", i, got)
		}
	}
	if got := Duration(len(chunks[3]), 16000, 1); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms tail, got %s", got)
	}
}

func TestSilenceLength(t *testing.T) {
	s := Silence(300*time.Millisecond, 22050, 2)
	if got := Duration(len(s), 22050, 2); got < 299*time.Millisecond || got > 300*time.Millisecond {
		t.Fatalf("unexpected silence duration %s", got)
	}
	for _, b := range s {
		if b != 0 {
			t.Fatal("silence must be zeroed")
		}
	}
}

func TestWAVEncodeDecode(t *testing.T) {
	tone := PCM{Data: Tone(100*time.Millisecond, 440, 16000, 1), SampleRate: 16000, Channels: 1}
	data, err := WAVBytes(tone)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatal("expected RIFF header")
	}
	decoded, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SampleRate != 16000 || decoded.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", decoded.SampleRate, decoded.Channels)
	}
	if !bytes.Equal(decoded.Data, tone.Data) {
		t.Fatalf("samples changed: %d vs %d bytes", len(decoded.Data), len(tone.Data))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV(bytes.NewReader([]byte("definitely not audio"))); err == nil {
		t.Fatal("expected error")
	}
}

func TestStreamWriterAppends(t *testing.T) {
	var buf seekBuffer
	w := NewStreamWriter(&buf, 16000, 1)
	first := Tone(50*time.Millisecond, 440, 16000, 1)
	second := Silence(50*time.Millisecond, 16000, 1)
	if err := w.Write(first); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(second); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write([]byte{1}); err == nil {
		t.Fatal("expected alignment error")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	decoded, err := DecodeWAV(bytes.NewReader(buf.data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := append(append([]byte(nil), first...), second...)
	if !bytes.Equal(decoded.Data, want) {
		t.Fatalf("expected %d bytes, got %d", len(want), len(decoded.Data))
	}
}
