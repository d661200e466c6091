package codec

import (
	"encoding/base64"

	"github.com/fabulalabs/fabula/pkg/errorsx"
	"github.com/fabulalabs/fabula/pkg/frames"
)

// AudioEnvelope is the JSON content block the speech service consumes for
// audio input and the canonical shape inbound audio decodes from.
type AudioEnvelope struct {
	Audio AudioPayload `json:"audio"`
}

type AudioPayload struct {
	Format     string      `json:"format"`
	Source     AudioSource `json:"source"`
	SampleRate int         `json:"sampleRate"`
	Channels   int         `json:"channels"`
}

type AudioSource struct {
	Bytes string `json:"bytes"`
}

// TextEnvelope is the JSON content block for a text turn.
type TextEnvelope struct {
	Text string `json:"text"`
}

// ValidatePCM rejects buffers the wire cannot carry: empty input and
// odd-length input (samples are 16-bit).
func ValidatePCM(pcm []byte) error {
	if len(pcm) == 0 {
		return errorsx.New(errorsx.CodeEncodingError, "empty audio buffer")
	}
	if len(pcm)%2 != 0 {
		return errorsx.Newf(errorsx.CodeEncodingError, "odd audio buffer length %d", len(pcm))
	}
	return nil
}

// EncodePCM validates and base64-encodes a raw PCM buffer.
func EncodePCM(pcm []byte) (string, error) {
	if err := ValidatePCM(pcm); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pcm), nil
}

// DecodePCM base64-decodes a payload and validates the resulting buffer.
func DecodePCM(encoded string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.CodeEncodingError)
	}
	if err := ValidatePCM(pcm); err != nil {
		return nil, err
	}
	return pcm, nil
}

// EncodeAudio wraps a PCM buffer in the audio content block. The fixed
// stream parameters are attached, never inferred from the buffer.
func EncodeAudio(pcm []byte) (AudioEnvelope, error) {
	encoded, err := EncodePCM(pcm)
	if err != nil {
		return AudioEnvelope{}, err
	}
	return AudioEnvelope{
		Audio: AudioPayload{
			Format:     frames.FormatPCM,
			Source:     AudioSource{Bytes: encoded},
			SampleRate: frames.SampleRate,
			Channels:   frames.Channels,
		},
	}, nil
}

// DecodeAudio validates an inbound audio content block and returns the raw
// PCM buffer.
func DecodeAudio(env AudioEnvelope) ([]byte, error) {
	if env.Audio.Format != frames.FormatPCM {
		return nil, errorsx.Newf(errorsx.CodeEncodingError, "unexpected audio format %q", env.Audio.Format)
	}
	if env.Audio.SampleRate != frames.SampleRate {
		return nil, errorsx.Newf(errorsx.CodeEncodingError, "unexpected sample rate %d", env.Audio.SampleRate)
	}
	if env.Audio.Channels != frames.Channels {
		return nil, errorsx.Newf(errorsx.CodeEncodingError, "unexpected channel count %d", env.Audio.Channels)
	}
	return DecodePCM(env.Audio.Source.Bytes)
}

// EncodeText wraps an utterance in the text content block.
func EncodeText(text string) TextEnvelope {
	return TextEnvelope{Text: text}
}

// DecodeText unwraps a text content block.
func DecodeText(env TextEnvelope) string {
	return env.Text
}
