package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zaf/g711"

	"github.com/saker-ai/voice-relay/pkg/audio/opusx"
)

// opusMaxFrameDurationMs bounds the PCM scratch size used when decoding one packet.
const opusMaxFrameDurationMs = 120

// ErrOddLength reports PCM16 input whose byte length is not a whole number of samples.
var ErrOddLength = errors.New("pcm16 input has odd byte length")

type decoderKey struct {
	sampleRate int
	channels   int
}

var opusDecoderPools sync.Map

func getDecoderPool(key decoderKey) *sync.Pool {
	if pool, ok := opusDecoderPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{}
	actual, _ := opusDecoderPools.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}

func acquireDecoder(key decoderKey) (*opusx.Decoder, error) {
	if v := getDecoderPool(key).Get(); v != nil {
		if dec, ok := v.(*opusx.Decoder); ok && dec != nil {
			return dec, nil
		}
	}
	return opusx.NewDecoder(key.sampleRate, key.channels)
}

func releaseDecoder(key decoderKey, dec *opusx.Decoder) {
	if dec == nil {
		return
	}
	getDecoderPool(key).Put(dec)
}

// DecodeCompressedFrame decodes one opus packet into interleaved PCM16LE.
func DecodeCompressedFrame(frame []byte, sampleRate, channels int) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	key := decoderKey{sampleRate: sampleRate, channels: channels}
	dec, err := acquireDecoder(key)
	if err != nil {
		return nil, fmt.Errorf("opus decoder %dHz/%dch: %w", sampleRate, channels, err)
	}
	defer releaseDecoder(key, dec)
	return decodeWith(dec, frame, sampleRate, channels)
}

func decodeWith(dec *opusx.Decoder, frame []byte, sampleRate, channels int) ([]byte, error) {
	maxSamples := sampleRate * opusMaxFrameDurationMs / 1000
	if maxSamples <= 0 {
		maxSamples = 5760
	}
	pcm := AcquireInt16(maxSamples * channels)
	defer ReleaseInt16(pcm)

	samplesDecoded, err := dec.Decode(frame, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	if samplesDecoded <= 0 {
		return nil, nil
	}
	return Int16SliceToBytes(pcm[:samplesDecoded*channels]), nil
}

// UpmixMonoToStereo duplicates every mono sample into two interleaved channels.
func UpmixMonoToStereo(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	out := make([]byte, len(pcm)*2)
	for i := 0; i+1 < len(pcm); i += 2 {
		o := i * 2
		out[o] = pcm[i]
		out[o+1] = pcm[i+1]
		out[o+2] = pcm[i]
		out[o+3] = pcm[i+1]
	}
	return out, nil
}

// DownmixStereoToMono averages interleaved left/right samples.
func DownmixStereoToMono(pcm []byte) ([]byte, error) {
	if len(pcm)%4 != 0 {
		return nil, fmt.Errorf("downmix %d bytes: %w", len(pcm), ErrOddLength)
	}
	out := make([]byte, len(pcm)/2)
	for i := 0; i+3 < len(pcm); i += 4 {
		left := int32(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		right := int32(int16(uint16(pcm[i+2]) | uint16(pcm[i+3])<<8))
		mixed := uint16(int16((left + right) / 2))
		o := i / 2
		out[o] = byte(mixed)
		out[o+1] = byte(mixed >> 8)
	}
	return out, nil
}

// DecodeULaw expands G.711 μ-law bytes into PCM16LE.
func DecodeULaw(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return g711.DecodeUlaw(data)
}
