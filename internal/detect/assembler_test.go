package detect

import (
	"slices"
	"testing"

	"github.com/dcaud/dcaud/pkg/audio"
)

func ramp(n int, start int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = start + int16(i)
	}
	return out
}

func TestFrameAssembler_Feed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		chunks     [][]int16
		wantFrames int
		wantLeft   int
	}{
		{name: "exact frame", chunks: [][]int16{ramp(4, 1)}, wantFrames: 1, wantLeft: 0},
		{name: "partial", chunks: [][]int16{ramp(3, 1)}, wantFrames: 0, wantLeft: 6},
		{name: "partials combine", chunks: [][]int16{ramp(3, 1), ramp(3, 4)}, wantFrames: 1, wantLeft: 4},
		{name: "several frames at once", chunks: [][]int16{ramp(9, 1)}, wantFrames: 2, wantLeft: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewFrameAssembler(4, 1, 100)
			var frames [][]int16
			for _, c := range tt.chunks {
				frames = append(frames, a.Feed(audio.Int16sToBytes(c))...)
				if a.Buffered() >= 8 {
					t.Fatalf("buffer holds %d bytes, want < one frame", a.Buffered())
				}
			}
			if len(frames) != tt.wantFrames {
				t.Errorf("frames = %d, want %d", len(frames), tt.wantFrames)
			}
			if a.Buffered() != tt.wantLeft {
				t.Errorf("leftover = %d bytes, want %d", a.Buffered(), tt.wantLeft)
			}
		})
	}
}

func TestFrameAssembler_PreservesOrder(t *testing.T) {
	t.Parallel()

	a := NewFrameAssembler(4, 1, 100)
	all := ramp(12, 1)
	raw := audio.Int16sToBytes(all)

	var got []int16
	// Uneven, odd-sized chunks split samples across calls.
	for _, n := range []int{3, 5, 1, 7, 8} {
		for _, f := range a.Feed(raw[:n]) {
			got = append(got, f...)
		}
		raw = raw[n:]
	}
	if !slices.Equal(got, all) {
		t.Errorf("samples = %v, want %v", got, all)
	}
}

func TestFrameAssembler_Gain(t *testing.T) {
	t.Parallel()

	a := NewFrameAssembler(4, 2.5, 100)
	frames := a.Feed(audio.Int16sToBytes([]int16{100, -100, 20000, -20000}))
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	want := []int16{250, -250, 32767, -32768}
	if !slices.Equal(frames[0], want) {
		t.Errorf("frame = %v, want %v", frames[0], want)
	}
}

func TestFrameAssembler_IsSilent(t *testing.T) {
	t.Parallel()

	a := NewFrameAssembler(4, 1, 100)
	tests := []struct {
		name  string
		chunk []byte
		want  bool
	}{
		{name: "all quiet", chunk: audio.Int16sToBytes([]int16{0, 99, -99, 50}), want: true},
		{name: "one at threshold", chunk: audio.Int16sToBytes([]int16{0, 100, 0, 0}), want: false},
		{name: "negative at threshold", chunk: audio.Int16sToBytes([]int16{0, 0, -100, 0}), want: false},
		{name: "empty", chunk: nil, want: true},
		{name: "odd length", chunk: []byte{0, 0, 0}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := a.IsSilent(tt.chunk); got != tt.want {
				t.Errorf("IsSilent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameAssembler_IsSilentWithHalfSampleBuffered(t *testing.T) {
	t.Parallel()

	a := NewFrameAssembler(4, 1, 100)
	a.Feed([]byte{1})
	if a.IsSilent([]byte{0, 0}) {
		t.Error("chunk reported silent while a half sample is buffered")
	}
	a.Reset()
	if a.Buffered() != 0 || !a.IsSilent([]byte{0, 0}) {
		t.Error("Reset did not clear the buffer")
	}
}
