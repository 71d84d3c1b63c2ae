package discord

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/transport"
	"github.com/saker-ai/voice-relay/pkg/audio"
)

const (
	playbackSampleRate = 48000
	playbackChannels   = 2
	playbackFrameMs    = 20
	sendTimeout        = time.Second

	// idleFlush releases a partial final frame once no more audio arrives.
	idleFlush = 100 * time.Millisecond
)

var errSendTimeout = errors.New("discord: opus send timed out")

// player encodes PCM16LE stereo 48 kHz into 20 ms opus packets for the
// connection's current voice connection.
type player struct {
	conn *Connection

	mu   sync.Mutex
	stop chan struct{}
	errs transport.Listeners[error]
}

func newPlayer(conn *Connection) *player {
	return &player{conn: conn}
}

// Play replaces any current playback with src.
func (p *player) Play(src io.Reader) error {
	if src == nil {
		return errors.New("discord: nil playback source")
	}
	enc, err := audio.AcquireOpusEncoder(playbackSampleRate, playbackChannels, playbackFrameMs)
	if err != nil {
		return fmt.Errorf("playback encoder: %w", err)
	}
	stop := make(chan struct{})
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
	}
	p.stop = stop
	p.mu.Unlock()

	go p.run(src, enc, stop)
	return nil
}

func (p *player) Stop() {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
}

func (p *player) OnError(fn func(error)) transport.Disposer {
	return p.errs.Add(fn)
}

func (p *player) run(src io.Reader, enc *audio.OpusEncoder, stop chan struct{}) {
	defer audio.ReleaseOpusEncoder(enc)
	frame := make([]byte, enc.FrameBytes())
	speaking := false
	defer func() {
		if speaking {
			if vc := p.conn.voice(); vc != nil {
				_ = vc.Speaking(false)
			}
		}
		p.mu.Lock()
		if p.stop == stop {
			p.stop = nil
		}
		p.mu.Unlock()
	}()

	for {
		n, err := readFrame(src, frame)
		if stopped(stop) {
			return
		}
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, io.ErrUnexpectedEOF):
			// partial final frame; the encoder pads it
		case err != nil:
			p.fail(src, fmt.Errorf("read playback: %w", err))
			return
		}

		pkt, encErr := enc.Encode(frame[:n])
		if encErr != nil {
			p.fail(src, encErr)
			return
		}
		vc := p.conn.voice()
		if vc == nil || len(pkt) == 0 {
			continue
		}
		if !speaking {
			if err := vc.Speaking(true); err != nil {
				p.conn.logger.Debug("set speaking", zap.Error(err))
			}
			speaking = true
		}
		select {
		case vc.OpusSend <- pkt:
		case <-stop:
			return
		case <-time.After(sendTimeout):
			p.fail(src, errSendTimeout)
			return
		}
		if err != nil {
			return
		}
	}
}

func (p *player) fail(src io.Reader, err error) {
	p.conn.logger.Warn("playback failed", zap.Error(err))
	p.errs.Emit(&transport.PlayError{Source: src, Err: err})
}

// readFrame fills frame from src. Sources that can flush an idle partial
// frame return it with a nil error; the caller pads it.
func readFrame(src io.Reader, frame []byte) (int, error) {
	if fr, ok := src.(transport.FrameReader); ok {
		return fr.ReadFrame(frame, idleFlush)
	}
	return io.ReadFull(src, frame)
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
