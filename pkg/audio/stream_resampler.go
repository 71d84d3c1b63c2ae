package audio

// StreamResampler keeps resampling state across frames of one stream.
type StreamResampler struct {
	resampler *soxrStreamResampler
	outBuf    []float32
}

// NewStreamResampler creates a streaming resampler for continuous mono audio.
func NewStreamResampler(inRate, outRate int) (*StreamResampler, error) {
	r, err := newSoxrStreamResampler(inRate, outRate)
	if err != nil {
		return nil, err
	}
	return &StreamResampler{resampler: r}, nil
}

// Close releases the underlying resampler.
func (s *StreamResampler) Close() {
	if s == nil {
		return
	}
	if s.resampler != nil {
		s.resampler.Close()
		s.resampler = nil
	}
	s.outBuf = nil
}

// AppendPCM appends PCM16 samples for resampling.
func (s *StreamResampler) AppendPCM(pcm []int16) error {
	if s == nil || s.resampler == nil || len(pcm) == 0 {
		return nil
	}
	tmp := AcquireFloat32(len(pcm))
	tmp = Int16SliceToFloat32Into(tmp, pcm)
	out, err := s.resampler.Process(tmp)
	ReleaseFloat32(tmp)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		s.outBuf = append(s.outBuf, out...)
	}
	return nil
}

// Drain returns every resampled sample produced so far as PCM16LE bytes.
func (s *StreamResampler) Drain() []byte {
	if s == nil || len(s.outBuf) == 0 {
		return nil
	}
	frame := AcquireInt16(len(s.outBuf))
	frame = Float32SliceToInt16SliceInto(frame, s.outBuf)
	s.outBuf = s.outBuf[:0]
	out := Int16SliceToBytes(frame)
	ReleaseInt16(frame)
	return out
}
