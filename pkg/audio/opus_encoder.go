package audio

import (
	"fmt"
	"sync"

	"github.com/saker-ai/voice-relay/pkg/audio/opusx"
)

// OpusEncoder encodes fixed-duration PCM16LE frames for the voice transport.
type OpusEncoder struct {
	encoder       *opusx.Encoder
	sampleRate    int
	channels      int
	frameDuration int
	frameSize     int
	opusBuffer    []byte
	mutex         sync.Mutex
}

// NewOpusEncoder creates an encoder for frameDurationMs frames.
func NewOpusEncoder(sampleRate, channels, frameDurationMs int) (*OpusEncoder, error) {
	enc, err := opusx.NewEncoder(sampleRate, channels, opusx.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	applyOpusEncoderOptions(enc)

	return &OpusEncoder{
		encoder:       enc,
		sampleRate:    sampleRate,
		channels:      channels,
		frameDuration: frameDurationMs,
		frameSize:     sampleRate * frameDurationMs / 1000,
		opusBuffer:    make([]byte, 4000),
	}, nil
}

// Encode pads or truncates pcm to one frame and returns the opus packet.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.encoder == nil {
		return nil, fmt.Errorf("opus encode: encoder closed")
	}

	expectedSamples := e.frameSize * e.channels
	samples := AcquireInt16(expectedSamples)
	defer ReleaseInt16(samples)
	decoded := BytesToInt16SliceInto(samples, pcm)
	if len(decoded) > expectedSamples {
		decoded = decoded[:expectedSamples]
	}
	samples = samples[:expectedSamples]
	copy(samples, decoded)
	for i := len(decoded); i < expectedSamples; i++ {
		samples[i] = 0
	}

	n, err := e.encoder.Encode(samples, e.opusBuffer)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	result := make([]byte, n)
	copy(result, e.opusBuffer[:n])
	return result, nil
}

// FrameBytes is the PCM16LE byte length of one frame.
func (e *OpusEncoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}

// FrameDuration is the frame length in milliseconds.
func (e *OpusEncoder) FrameDuration() int {
	return e.frameDuration
}

type opusEncoderKey struct {
	sampleRate    int
	channels      int
	frameDuration int
}

var opusEncoderPools sync.Map

func getOpusEncoderPool(key opusEncoderKey) *sync.Pool {
	if pool, ok := opusEncoderPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{}
	actual, _ := opusEncoderPools.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}

// AcquireOpusEncoder reuses encoders keyed by sampleRate/channels/frameDuration.
func AcquireOpusEncoder(sampleRate, channels, frameDurationMs int) (*OpusEncoder, error) {
	key := opusEncoderKey{sampleRate: sampleRate, channels: channels, frameDuration: frameDurationMs}
	if v := getOpusEncoderPool(key).Get(); v != nil {
		if enc, ok := v.(*OpusEncoder); ok && enc.encoder != nil {
			return enc, nil
		}
	}
	return NewOpusEncoder(sampleRate, channels, frameDurationMs)
}

// ReleaseOpusEncoder resets the encoder and returns it to its pool.
func ReleaseOpusEncoder(enc *OpusEncoder) {
	if enc == nil {
		return
	}
	enc.mutex.Lock()
	if enc.encoder != nil {
		_ = enc.encoder.Reset()
	}
	enc.mutex.Unlock()
	key := opusEncoderKey{sampleRate: enc.sampleRate, channels: enc.channels, frameDuration: enc.frameDuration}
	getOpusEncoderPool(key).Put(enc)
}
