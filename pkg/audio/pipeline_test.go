package audio

import (
	"errors"
	"math"
	"testing"
)

// sine returns interleaved PCM16LE of a 440 Hz tone.
func sine(sampleRate, channels, samples int, amplitude float64) []byte {
	pcm := make([]int16, samples*channels)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			pcm[i*channels+c] = v
		}
	}
	return Int16SliceToBytes(pcm)
}

func monoSamples(t *testing.T, pcm []byte) []int16 {
	t.Helper()
	if len(pcm)%2 != 0 {
		t.Fatalf("pcm length %d is odd", len(pcm))
	}
	return BytesToInt16SliceInto(nil, pcm)
}

func maxStep(samples []int16, stride int) (int, int) {
	worst, at := 0, 0
	for i := stride; i < len(samples); i += stride {
		d := int(samples[i]) - int(samples[i-stride])
		if d < 0 {
			d = -d
		}
		if d > worst {
			worst, at = d, i/stride
		}
	}
	return worst, at
}

func peak(samples []int16) int {
	p := 0
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > p {
			p = v
		}
	}
	return p
}

func TestDecodeCompressedFrameRealPacket(t *testing.T) {
	enc, err := AcquireOpusEncoder(48000, 2, 20)
	if err != nil {
		t.Fatalf("AcquireOpusEncoder error=%v", err)
	}
	defer ReleaseOpusEncoder(enc)

	pkt, err := enc.Encode(sine(48000, 2, 960, 8000))
	if err != nil || len(pkt) == 0 {
		t.Fatalf("Encode=%d bytes,%v, want a packet", len(pkt), err)
	}
	pcm, err := DecodeCompressedFrame(pkt, 48000, 2)
	if err != nil {
		t.Fatalf("DecodeCompressedFrame error=%v", err)
	}
	if got, want := len(pcm), enc.FrameBytes(); got != want {
		t.Fatalf("decoded bytes=%d, want %d", got, want)
	}
}

func TestOpusEncoderPadsShortFrames(t *testing.T) {
	enc, err := AcquireOpusEncoder(48000, 2, 20)
	if err != nil {
		t.Fatalf("AcquireOpusEncoder error=%v", err)
	}
	defer ReleaseOpusEncoder(enc)
	if got := enc.FrameBytes(); got != 3840 {
		t.Fatalf("FrameBytes=%d, want 3840", got)
	}
	pkt, err := enc.Encode(sine(48000, 2, 100, 8000))
	if err != nil || len(pkt) == 0 {
		t.Fatalf("Encode(short)=%d bytes,%v, want a packet", len(pkt), err)
	}
	pcm, err := DecodeCompressedFrame(pkt, 48000, 2)
	if err != nil || len(pcm) != 3840 {
		t.Fatalf("decoded=%d bytes,%v, want 3840", len(pcm), err)
	}
}

func TestCaptureConverterRoundTrip(t *testing.T) {
	enc, err := AcquireOpusEncoder(48000, 2, 20)
	if err != nil {
		t.Fatalf("AcquireOpusEncoder error=%v", err)
	}
	defer ReleaseOpusEncoder(enc)
	conv, err := NewCaptureConverter(48000, 2, 16000)
	if err != nil {
		t.Fatalf("NewCaptureConverter error=%v", err)
	}
	defer conv.Close()

	input := sine(48000, 2, 48000, 8000)
	var out []int16
	for off := 0; off < len(input); off += enc.FrameBytes() {
		pkt, err := enc.Encode(input[off : off+enc.FrameBytes()])
		if err != nil {
			t.Fatalf("Encode error=%v", err)
		}
		pcm, err := conv.Convert(pkt)
		if err != nil {
			t.Fatalf("Convert error=%v", err)
		}
		out = append(out, monoSamples(t, pcm)...)
	}

	// one second at 16 kHz, less the resampler's priming delay
	if len(out) < 15000 || len(out) > 16000 {
		t.Fatalf("output samples=%d, want about 16000", len(out))
	}
	if p := peak(out); p < 6000 || p > 10000 {
		t.Fatalf("peak=%d, want about 8000", p)
	}
}

func TestPlaybackConverterContinuousAcrossChunks(t *testing.T) {
	conv, err := NewPlaybackConverter(16000, 48000)
	if err != nil {
		t.Fatalf("NewPlaybackConverter error=%v", err)
	}
	defer conv.Close()

	input := sine(16000, 1, 16000, 8000)
	chunk := 3200 * 2
	var out []int16
	for off := 0; off < len(input); off += chunk {
		stereo, err := conv.Convert(input[off : off+chunk])
		if err != nil {
			t.Fatalf("Convert error=%v", err)
		}
		out = append(out, monoSamples(t, stereo)...)
	}

	frames := len(out) / 2
	if frames > 48000 || frames < 44000 {
		t.Fatalf("output frames=%d, want at most 48000 and close to it", frames)
	}
	for i := 0; i+1 < len(out); i += 2 {
		if out[i] != out[i+1] {
			t.Fatalf("frame %d left=%d right=%d, want equal", i/2, out[i], out[i+1])
		}
	}
	// a 440 Hz tone at 8000 peak moves under 500 per sample at 48 kHz
	if step, at := maxStep(out, 2); step > 1500 {
		t.Fatalf("max step=%d at frame %d, want a continuous waveform", step, at)
	}
}

func TestPlaybackConverterSameRate(t *testing.T) {
	conv, err := NewPlaybackConverter(48000, 48000)
	if err != nil {
		t.Fatalf("NewPlaybackConverter error=%v", err)
	}
	out, err := conv.Convert([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Convert error=%v", err)
	}
	if want := []byte{0x01, 0x02, 0x01, 0x02}; string(out) != string(want) {
		t.Fatalf("out=%v, want %v", out, want)
	}
	if _, err := conv.Convert([]byte{1}); !errors.Is(err, ErrOddLength) {
		t.Fatalf("Convert(odd) error=%v, want ErrOddLength", err)
	}

	conv.Close()
	conv.Close()
	if _, err := conv.Convert([]byte{1, 2}); !errors.Is(err, ErrConverterClosed) {
		t.Fatalf("Convert after Close error=%v, want ErrConverterClosed", err)
	}
	if _, err := NewPlaybackConverter(0, 48000); err == nil {
		t.Fatal("NewPlaybackConverter(0) error=nil, want non-nil")
	}
}
