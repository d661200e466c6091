package codec

import (
	"bytes"
	"encoding/base64"
	"testing"

	"pgregory.net/rapid"

	"github.com/fabulalabs/fabula/pkg/errorsx"
	"github.com/fabulalabs/fabula/pkg/frames"
)

func TestEncodeAudioEnvelopeShape(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	env, err := EncodeAudio(pcm)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if env.Audio.Format != frames.FormatPCM {
		t.Fatalf("expected format %q, got %q", frames.FormatPCM, env.Audio.Format)
	}
	if env.Audio.SampleRate != frames.SampleRate {
		t.Fatalf("expected sample rate %d, got %d", frames.SampleRate, env.Audio.SampleRate)
	}
	if env.Audio.Channels != frames.Channels {
		t.Fatalf("expected %d channel, got %d", frames.Channels, env.Audio.Channels)
	}
	want := base64.StdEncoding.EncodeToString(pcm)
	if env.Audio.Source.Bytes != want {
		t.Fatalf("expected payload %q, got %q", want, env.Audio.Source.Bytes)
	}
}

func TestEncodeAudioRejectsInvalidBuffers(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
	}{
		{name: "empty", pcm: nil},
		{name: "zero length", pcm: []byte{}},
		{name: "odd length", pcm: []byte{0x01, 0x02, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeAudio(tt.pcm)
			if !errorsx.HasCode(err, errorsx.CodeEncodingError) {
				t.Fatalf("expected ENCODING_ERROR, got %v", err)
			}
		})
	}
}

func TestDecodeAudioRejectsForeignEnvelopes(t *testing.T) {
	valid, err := EncodeAudio([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*AudioEnvelope)
	}{
		{name: "wrong format", mutate: func(e *AudioEnvelope) { e.Audio.Format = "opus" }},
		{name: "wrong sample rate", mutate: func(e *AudioEnvelope) { e.Audio.SampleRate = 8000 }},
		{name: "wrong channels", mutate: func(e *AudioEnvelope) { e.Audio.Channels = 2 }},
		{name: "corrupt payload", mutate: func(e *AudioEnvelope) { e.Audio.Source.Bytes = "not base64!!" }},
		{name: "empty payload", mutate: func(e *AudioEnvelope) { e.Audio.Source.Bytes = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid
			tt.mutate(&env)
			if _, err := DecodeAudio(env); !errorsx.HasCode(err, errorsx.CodeEncodingError) {
				t.Fatalf("expected ENCODING_ERROR, got %v", err)
			}
		})
	}
}

func TestAudioRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		samples := rapid.IntRange(1, 2048).Draw(rt, "samples")
		pcm := rapid.SliceOfN(rapid.Byte(), samples*2, samples*2).Draw(rt, "pcm")
		env, err := EncodeAudio(pcm)
		if err != nil {
			rt.Fatalf("encode failed: %v", err)
		}
		got, err := DecodeAudio(env)
		if err != nil {
			rt.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(got, pcm) {
			rt.Fatalf("round trip mismatch: %d bytes in, %d bytes out", len(pcm), len(got))
		}
	})
}

func TestDecodePCMRejectsOddDecodedLength(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})
	if _, err := DecodePCM(encoded); !errorsx.HasCode(err, errorsx.CodeEncodingError) {
		t.Fatalf("expected ENCODING_ERROR, got %v", err)
	}
}

func TestTextEnvelope(t *testing.T) {
	env := EncodeText("once upon a time")
	if DecodeText(env) != "once upon a time" {
		t.Fatalf("expected text preserved, got %q", DecodeText(env))
	}
}
