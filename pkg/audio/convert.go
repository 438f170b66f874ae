package audio

import (
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DetectorFormat is the format the speech detector consumes: 16 kHz mono.
var DetectorFormat = Format{SampleRate: 16000, Channels: 1}

// FormatConverter brings chunks to a mono target format. Channels are
// downmixed first so only one channel is resampled. Create one per stream.
type FormatConverter struct {
	Target Format

	warnCorrupt sync.Once
}

// Convert returns frame in the target format. A frame that already matches
// is returned as is. A frame with an odd byte count is corrupt and comes
// back with nil Data so the caller can drop it.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM chunk, dropping",
				"bytes", len(frame.Data),
				"sample_rate", frame.SampleRate,
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	pcm := frame.Data
	if frame.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// StereoToMono averages each interleaved L/R pair. A trailing partial pair
// is dropped.
func StereoToMono(pcm []byte) []byte {
	pairs := len(pcm) / 4
	out := make([]byte, pairs*2)
	for i := range pairs {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		s := clamp16((l + r) / 2)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ResampleMono16 converts mono 16-bit PCM from srcRate to dstRate. When
// srcRate is an integer multiple of dstRate each output sample is the mean
// of its input group, which doubles as a crude anti-alias filter. Other
// ratios fall back to linear interpolation. Non-positive rates return pcm
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16s(pcm)

	if srcRate > dstRate && srcRate%dstRate == 0 {
		factor := srcRate / dstRate
		n := len(src) / factor
		out := make([]int16, n)
		for i := range n {
			var sum int32
			for _, s := range src[i*factor : (i+1)*factor] {
				sum += int32(s)
			}
			out[i] = clamp16(sum / int32(factor))
		}
		return Int16sToBytes(out)
	}

	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}
	out := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range n {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := float64(src[idx])
		s1 := s0
		if idx+1 < len(src) {
			s1 = float64(src[idx+1])
		}
		out[i] = int16(s0*(1-frac) + s1*frac)
	}
	return Int16sToBytes(out)
}

// Clamp16 saturates v to the signed 16-bit range.
func Clamp16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
