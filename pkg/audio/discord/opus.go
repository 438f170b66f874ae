package discord

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/dcaud/dcaud/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus in 20 ms frames.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is samples per channel per frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// opusDecoder holds the decoder state of one SSRC. Opus is stateful across
// packets, so streams must not share a decoder.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode turns one Opus packet into interleaved little-endian PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}
