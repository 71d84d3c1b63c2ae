package audio

import (
	"sync"

	"github.com/saker-ai/voice-relay/pkg/audio/opusx"
)

// OpusOptions tunes the playback encoder. Zero values keep libopus defaults.
type OpusOptions struct {
	Bitrate        int   `mapstructure:"bitrate" yaml:"bitrate"`
	Complexity     int   `mapstructure:"complexity" yaml:"complexity"`
	FEC            *bool `mapstructure:"fec" yaml:"fec,omitempty"`
	DTX            *bool `mapstructure:"dtx" yaml:"dtx,omitempty"`
	PacketLossPerc int   `mapstructure:"packet_loss_perc" yaml:"packet_loss_perc"`
}

var (
	opusOptionsMu sync.RWMutex
	opusOptions   OpusOptions
)

// ConfigureOpus sets the options applied to encoders created afterwards.
func ConfigureOpus(opts OpusOptions) {
	opusOptionsMu.Lock()
	opusOptions = opts
	opusOptionsMu.Unlock()
}

func currentOpusOptions() OpusOptions {
	opusOptionsMu.RLock()
	defer opusOptionsMu.RUnlock()
	return opusOptions
}

func applyOpusEncoderOptions(enc *opusx.Encoder) {
	if enc == nil {
		return
	}
	opts := currentOpusOptions()

	if opts.Bitrate > 0 {
		_ = enc.SetBitrate(opts.Bitrate)
	}
	if opts.Complexity > 0 {
		_ = enc.SetComplexity(opts.Complexity)
	}
	if opts.FEC != nil {
		_ = enc.SetInBandFEC(*opts.FEC)
	}
	if opts.DTX != nil {
		_ = enc.SetDTX(*opts.DTX)
	}
	if opts.PacketLossPerc > 0 {
		_ = enc.SetPacketLossPerc(opts.PacketLossPerc)
	}
}

// OpusBackend names the compiled opus implementation for startup logs.
func OpusBackend() string {
	return opusx.Backend()
}
