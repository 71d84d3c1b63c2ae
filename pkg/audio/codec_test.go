package audio

import (
	"bytes"
	"errors"
	"testing"
)

func TestUpmixMonoToStereoDuplicatesSamples(t *testing.T) {
	in := []byte{0x01, 0x02, 0xff, 0x7f, 0x00, 0x80}
	out, err := UpmixMonoToStereo(in)
	if err != nil {
		t.Fatalf("UpmixMonoToStereo error: %v", err)
	}
	if len(out) != 2*len(in) {
		t.Fatalf("len(out)=%d, want %d", len(out), 2*len(in))
	}
	for i := 0; i < len(in)/2; i++ {
		sample := in[i*2 : i*2+2]
		left := out[4*i : 4*i+2]
		right := out[4*i+2 : 4*i+4]
		if !bytes.Equal(left, sample) || !bytes.Equal(right, sample) {
			t.Fatalf("sample %d: left=%v right=%v, want %v", i, left, right, sample)
		}
	}
}

func TestUpmixMonoToStereoEmpty(t *testing.T) {
	out, err := UpmixMonoToStereo(nil)
	if err != nil {
		t.Fatalf("UpmixMonoToStereo(nil) error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("len(out)=%d, want 0", len(out))
	}
}

func TestUpmixMonoToStereoOddLength(t *testing.T) {
	_, err := UpmixMonoToStereo([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, ErrOddLength) {
		t.Fatalf("err=%v, want %v", err, ErrOddLength)
	}
}

func TestUpmixLengthProperty(t *testing.T) {
	for n := 0; n < 64; n++ {
		in := make([]byte, n*2)
		for i := range in {
			in[i] = byte(i*7 + n)
		}
		out, err := UpmixMonoToStereo(in)
		if err != nil {
			t.Fatalf("n=%d: error %v", n, err)
		}
		if len(out) != 4*n {
			t.Fatalf("n=%d: len(out)=%d, want %d", n, len(out), 4*n)
		}
	}
}

func TestDownmixStereoToMonoAverages(t *testing.T) {
	stereo := Int16SliceToBytes([]int16{100, 300, -200, -400, 32767, 32767})
	mono, err := DownmixStereoToMono(stereo)
	if err != nil {
		t.Fatalf("DownmixStereoToMono error: %v", err)
	}
	got := BytesToInt16SliceInto(nil, mono)
	want := []int16{200, -300, 32767}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d=%d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmixRejectsPartialFrame(t *testing.T) {
	if _, err := DownmixStereoToMono([]byte{1, 2}); !errors.Is(err, ErrOddLength) {
		t.Fatalf("err=%v, want %v", err, ErrOddLength)
	}
}

func TestDownmixInvertsUpmix(t *testing.T) {
	mono := Int16SliceToBytes([]int16{1, -1, 1234, -32768, 32767})
	stereo, err := UpmixMonoToStereo(mono)
	if err != nil {
		t.Fatalf("UpmixMonoToStereo error: %v", err)
	}
	back, err := DownmixStereoToMono(stereo)
	if err != nil {
		t.Fatalf("DownmixStereoToMono error: %v", err)
	}
	if !bytes.Equal(back, mono) {
		t.Fatalf("downmix(upmix(x))=%v, want %v", back, mono)
	}
}

func TestResampleSameRateCopies(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	out, err := Resample(in, 48000, 48000)
	if err != nil {
		t.Fatalf("Resample error: %v", err)
	}
	if !bytes.Equal(out, in) {
		t.Fatalf("out=%v, want %v", out, in)
	}
	out[0] = 9
	if in[0] != 1 {
		t.Fatal("Resample returned input slice, want copy")
	}
}

func TestResampleValidatesInput(t *testing.T) {
	if _, err := Resample([]byte{1}, 16000, 48000); !errors.Is(err, ErrOddLength) {
		t.Fatalf("err=%v, want %v", err, ErrOddLength)
	}
	if _, err := Resample([]byte{1, 2}, 0, 48000); err == nil {
		t.Fatal("Resample(rate 0) error=nil, want non-nil")
	}
}

func TestDecodeULawSilence(t *testing.T) {
	out := DecodeULaw([]byte{0xff, 0xff})
	if len(out) != 4 {
		t.Fatalf("len(out)=%d, want 4", len(out))
	}
	for i, b := range out {
		if b != 0 {
			t.Fatalf("byte %d=%d, want 0", i, b)
		}
	}
}

func TestDecodeCompressedFrameEmpty(t *testing.T) {
	out, err := DecodeCompressedFrame(nil, 48000, 2)
	if err != nil || out != nil {
		t.Fatalf("DecodeCompressedFrame(nil)=(%v, %v), want (nil, nil)", out, err)
	}
}

func TestInt16BytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	got := BytesToInt16SliceInto(nil, Int16SliceToBytes(samples))
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d=%d, want %d", i, got[i], samples[i])
		}
	}
}
