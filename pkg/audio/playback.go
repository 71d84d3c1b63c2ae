package audio

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConverterClosed is returned by Convert after Close.
var ErrConverterClosed = errors.New("audio: playback converter closed")

// PlaybackConverter turns consecutive mono PCM16LE chunks of one reply into
// stereo PCM16LE at the player rate. Resampler state carries across chunks,
// so chunk boundaries stay continuous. Close may race Convert.
type PlaybackConverter struct {
	inRate  int
	outRate int

	mu        sync.Mutex
	resampler *StreamResampler
	closed    bool
}

func NewPlaybackConverter(inRate, outRate int) (*PlaybackConverter, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("playback converter %d->%d: invalid sample rate", inRate, outRate)
	}
	c := &PlaybackConverter{inRate: inRate, outRate: outRate}
	if inRate != outRate {
		r, err := NewStreamResampler(inRate, outRate)
		if err != nil {
			return nil, fmt.Errorf("playback converter resampler: %w", err)
		}
		c.resampler = r
	}
	return c, nil
}

// InRate is the sample rate the converter expects.
func (c *PlaybackConverter) InRate() int { return c.inRate }

// Convert resamples and upmixes one chunk. Output can be shorter than the
// input implies while the resampler primes.
func (c *PlaybackConverter) Convert(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConverterClosed
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	mono := pcm
	if c.resampler != nil {
		samples := AcquireInt16(len(pcm) / 2)
		samples = BytesToInt16SliceInto(samples, pcm)
		err := c.resampler.AppendPCM(samples)
		ReleaseInt16(samples)
		if err != nil {
			return nil, fmt.Errorf("playback resample: %w", err)
		}
		mono = c.resampler.Drain()
	}
	return UpmixMonoToStereo(mono)
}

// Close releases the resampler. Idempotent.
func (c *PlaybackConverter) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.resampler.Close()
	c.resampler = nil
}
