package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// AudioEncoding names the sample encoding of agent audio.
type AudioEncoding string

const (
	EncodingPCM  AudioEncoding = "pcm"
	EncodingULaw AudioEncoding = "ulaw"
)

// AudioFormat is a parsed agent_output_audio_format value.
type AudioFormat struct {
	Encoding   AudioEncoding
	SampleRate int
}

// ParseAudioFormat accepts "pcm_<rate>" and "ulaw_8000".
func ParseAudioFormat(s string) (AudioFormat, error) {
	enc, rateText, ok := strings.Cut(strings.TrimSpace(strings.ToLower(s)), "_")
	if !ok {
		return AudioFormat{}, fmt.Errorf("unsupported audio format %q", s)
	}
	rate, err := strconv.Atoi(rateText)
	if err != nil || rate <= 0 {
		return AudioFormat{}, fmt.Errorf("unsupported audio format %q", s)
	}
	switch AudioEncoding(enc) {
	case EncodingPCM:
		return AudioFormat{Encoding: EncodingPCM, SampleRate: rate}, nil
	case EncodingULaw:
		if rate != 8000 {
			return AudioFormat{}, fmt.Errorf("unsupported audio format %q", s)
		}
		return AudioFormat{Encoding: EncodingULaw, SampleRate: rate}, nil
	default:
		return AudioFormat{}, fmt.Errorf("unsupported audio format %q", s)
	}
}

func (f AudioFormat) String() string {
	return string(f.Encoding) + "_" + strconv.Itoa(f.SampleRate)
}
