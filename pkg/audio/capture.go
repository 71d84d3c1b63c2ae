package audio

import (
	"fmt"

	"github.com/saker-ai/voice-relay/pkg/audio/opusx"
)

// CaptureConverter turns one speaker's opus packets into mono PCM16LE at the
// agent input rate. It owns a decoder and a resampler, so each speaker needs
// its own converter; methods are not safe for concurrent use.
type CaptureConverter struct {
	decoder    *opusx.Decoder
	resampler  *StreamResampler
	sampleRate int
	channels   int
	outRate    int
}

// NewCaptureConverter creates a converter for packets encoded at sampleRate/channels.
func NewCaptureConverter(sampleRate, channels, outRate int) (*CaptureConverter, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("capture converter: unsupported channel count %d", channels)
	}
	dec, err := opusx.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("capture converter decoder: %w", err)
	}
	c := &CaptureConverter{
		decoder:    dec,
		sampleRate: sampleRate,
		channels:   channels,
		outRate:    outRate,
	}
	if sampleRate != outRate {
		r, err := NewStreamResampler(sampleRate, outRate)
		if err != nil {
			return nil, fmt.Errorf("capture converter resampler: %w", err)
		}
		c.resampler = r
	}
	return c, nil
}

// Convert decodes one packet. It may return no bytes while the resampler is priming.
func (c *CaptureConverter) Convert(frame []byte) ([]byte, error) {
	pcm, err := decodeWith(c.decoder, frame, c.sampleRate, c.channels)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	if c.channels == 2 {
		pcm, err = DownmixStereoToMono(pcm)
		if err != nil {
			return nil, err
		}
	}
	if c.resampler == nil {
		return pcm, nil
	}

	samples := AcquireInt16(len(pcm) / 2)
	samples = BytesToInt16SliceInto(samples, pcm)
	err = c.resampler.AppendPCM(samples)
	ReleaseInt16(samples)
	if err != nil {
		return nil, fmt.Errorf("capture resample: %w", err)
	}
	return c.resampler.Drain(), nil
}

// Close releases the resampler back to its pool.
func (c *CaptureConverter) Close() {
	if c == nil {
		return
	}
	c.resampler.Close()
	c.resampler = nil
	c.decoder = nil
}
