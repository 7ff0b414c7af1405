package pcm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-audio/wav"
)

func TestEncodeWAVRoundTrip(t *testing.T) {
	pcm := FromFloat32([]float32{0, 0.5, -0.5, 1})
	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("missing wav header: %q", data[:12])
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 {
		t.Fatalf("unexpected format rate=%d chans=%d", dec.SampleRate, dec.NumChans)
	}
	want := Samples(pcm)
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], buf.Data[i])
		}
	}
}

func TestEncodeWAVRejectsOddLength(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestBufferSeekOverwrite(t *testing.T) {
	var b Buffer
	b.Write([]byte("hello world"))
	if _, err := b.Seek(0, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	b.Write([]byte("J"))
	if got := string(b.Bytes()); got != "Jello world" {
		t.Fatalf("unexpected buffer %q", got)
	}
	if _, err := b.Seek(-1, 0); err == nil {
		t.Fatal("expected negative seek error")
	}
}

func TestFromFloat32Clamps(t *testing.T) {
	out := FromFloat32([]float32{2, -2})
	if got := int16(binary.LittleEndian.Uint16(out[0:])); got != 32767 {
		t.Fatalf("expected clamp to 32767, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(out[2:])); got != -32767 {
		t.Fatalf("expected clamp to -32767, got %d", got)
	}
}
