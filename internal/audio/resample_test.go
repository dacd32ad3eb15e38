package audio

import (
	"math"
	"testing"
)

func sine(rate int, freq float64, frames int) []int16 {
	out := make([]int16, frames)
	for i := range out {
		out[i] = int16(0.5 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResampleFrameCount(t *testing.T) {
	cases := []struct {
		src, dst int
	}{
		{22050, 8000},
		{22050, 16000},
		{16000, 8000},
		{8000, 16000},
	}
	for _, tc := range cases {
		in := sine(tc.src, 440, tc.src/2)
		out, err := Resample(in, tc.src, tc.dst)
		if err != nil {
			t.Fatalf("resample %d->%d: %v", tc.src, tc.dst, err)
		}
		want := int(int64(len(in)) * int64(tc.dst) / int64(tc.src))
		if len(out) != want {
			t.Fatalf("resample %d->%d: got %d frames, want %d", tc.src, tc.dst, len(out), want)
		}
	}
}

func TestResampleSameRateIsNoop(t *testing.T) {
	in := sine(8000, 300, 4000)
	out, err := Resample(in, 8000, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if &out[0] != &in[0] || len(out) != len(in) {
		t.Fatal("expected input slice returned unchanged")
	}
}

func TestResampleEmptyInput(t *testing.T) {
	out, err := Resample(nil, 22050, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d frames", len(out))
	}
}

func TestResampleBadRate(t *testing.T) {
	if _, err := Resample([]int16{0, 0}, 0, 8000); err == nil {
		t.Fatal("expected error for zero source rate")
	}
	if _, err := Resample([]int16{0, 0}, 22050, -1); err == nil {
		t.Fatal("expected error for negative target rate")
	}
}

func TestResamplePreservesAmplitude(t *testing.T) {
	// A mid-band tone should survive downsampling at roughly the same peak.
	in := sine(22050, 440, 22050)
	out, err := Resample(in, 22050, 8000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var inPeak, outPeak int16
	for _, s := range in {
		if s > inPeak {
			inPeak = s
		}
	}
	for _, s := range out {
		if s > outPeak {
			outPeak = s
		}
	}
	ratio := float64(outPeak) / float64(inPeak)
	if ratio < 0.85 || ratio > 1.15 {
		t.Fatalf("peak ratio after resample out of range: %f", ratio)
	}
}

func TestPCMRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 12345, -12345, math.MaxInt16, math.MinInt16}
	got := BytesToInt16(Int16ToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestFloatConversionClamps(t *testing.T) {
	out := Float32ToInt16([]float32{1.5, -1.5, 0})
	if out[0] != math.MaxInt16 {
		t.Fatalf("expected clamp to MaxInt16, got %d", out[0])
	}
	if out[1] != math.MinInt16+1 {
		t.Fatalf("expected clamp to -MaxInt16, got %d", out[1])
	}
	if out[2] != 0 {
		t.Fatalf("expected zero, got %d", out[2])
	}
}
