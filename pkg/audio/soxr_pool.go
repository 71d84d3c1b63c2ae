package audio

import (
	"errors"
	"fmt"
	"sync"

	resampler "github.com/godeps/go-audio-soxr"
)

type soxrKey struct {
	inRate  int
	outRate int
	quality resampler.QualityPreset
}

var soxrPools sync.Map

func getSoxrPool(key soxrKey) *sync.Pool {
	if pool, ok := soxrPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{}
	actual, _ := soxrPools.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}

func acquireSoxr(key soxrKey) (*resampler.SimpleResamplerFloat32, error) {
	if v := getSoxrPool(key).Get(); v != nil {
		if r, ok := v.(*resampler.SimpleResamplerFloat32); ok && r != nil {
			return r, nil
		}
	}
	return resampler.NewEngineFloat32(float64(key.inRate), float64(key.outRate), key.quality)
}

func releaseSoxr(key soxrKey, r *resampler.SimpleResamplerFloat32) {
	if r == nil {
		return
	}
	r.Reset()
	getSoxrPool(key).Put(r)
}

// Resample converts mono PCM16LE between sample rates in one shot.
// Equal rates return a copy of the input.
func Resample(pcm []byte, inRate, outRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resample %d->%d: invalid sample rate", inRate, outRate)
	}
	if len(pcm) == 0 {
		return []byte{}, nil
	}
	if inRate == outRate {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	key := soxrKey{inRate: inRate, outRate: outRate, quality: resampler.QualityHigh}
	r, err := acquireSoxr(key)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", inRate, outRate, err)
	}
	defer releaseSoxr(key, r)

	samples := AcquireInt16(len(pcm) / 2)
	samples = BytesToInt16SliceInto(samples, pcm)
	input := AcquireFloat32(len(samples))
	input = Int16SliceToFloat32Into(input, samples)
	ReleaseInt16(samples)

	out, err := r.Process(input)
	ReleaseFloat32(input)
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d: %w", inRate, outRate, err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample %d->%d flush: %w", inRate, outRate, err)
	}
	out = append(out, tail...)

	converted := Float32SliceToInt16SliceInto(nil, out)
	return Int16SliceToBytes(converted), nil
}

type soxrStreamResampler struct {
	key soxrKey
	r   *resampler.SimpleResamplerFloat32
}

func newSoxrStreamResampler(inRate, outRate int) (*soxrStreamResampler, error) {
	key := soxrKey{inRate: inRate, outRate: outRate, quality: resampler.QualityHigh}
	r, err := acquireSoxr(key)
	if err != nil {
		return nil, err
	}
	return &soxrStreamResampler{key: key, r: r}, nil
}

func (s *soxrStreamResampler) Process(input []float32) ([]float32, error) {
	if s == nil || s.r == nil {
		return nil, errors.New("soxr resampler is nil")
	}
	return s.r.Process(input)
}

func (s *soxrStreamResampler) Flush() ([]float32, error) {
	if s == nil || s.r == nil {
		return nil, errors.New("soxr resampler is nil")
	}
	return s.r.Flush()
}

func (s *soxrStreamResampler) Close() {
	if s == nil || s.r == nil {
		return
	}
	releaseSoxr(s.key, s.r)
	s.r = nil
}
