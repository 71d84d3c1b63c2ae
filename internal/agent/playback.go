package agent

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/saker-ai/voice-relay/pkg/audio"
)

// ErrBufferDestroyed is returned by Write after Destroy.
var ErrBufferDestroyed = errors.New("agent: playback buffer destroyed")

// PlaybackBuffer is an unbounded PCM queue read by the player. Writes never
// block; reads block until data arrives or the buffer is destroyed. The
// buffer owns the converter feeding it, so one reply is resampled as one
// continuous stream.
type PlaybackBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       bytes.Buffer
	destroyed bool
	conv      *audio.PlaybackConverter
}

func NewPlaybackBuffer() *PlaybackBuffer {
	b := &PlaybackBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *PlaybackBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return 0, ErrBufferDestroyed
	}
	n, _ := b.buf.Write(p)
	b.cond.Broadcast()
	return n, nil
}

// Read returns io.EOF once the buffer is destroyed, dropping unread audio.
func (b *PlaybackBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.destroyed {
		b.cond.Wait()
	}
	if b.destroyed {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

// ReadFrame blocks until len(p) bytes are queued. When only part of a frame
// is queued and nothing completes it within idle, the partial frame is
// returned so the tail of a reply is not held back.
func (b *PlaybackBuffer) ReadFrame(p []byte, idle time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var (
		timer   *time.Timer
		expired bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for !b.destroyed && b.buf.Len() < len(p) {
		if b.buf.Len() > 0 && idle > 0 {
			if expired {
				break
			}
			if timer == nil {
				timer = time.AfterFunc(idle, func() {
					b.mu.Lock()
					expired = true
					b.cond.Broadcast()
					b.mu.Unlock()
				})
			}
		}
		b.cond.Wait()
	}
	if b.destroyed {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

// Destroy discards queued audio, releases the converter and wakes blocked
// readers. Idempotent.
func (b *PlaybackBuffer) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.buf.Reset()
	conv := b.conv
	b.conv = nil
	b.cond.Broadcast()
	b.mu.Unlock()
	conv.Close()
}

func (b *PlaybackBuffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Buffered reports the number of unread bytes.
func (b *PlaybackBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// convert runs one mono chunk through the buffer's converter, replacing the
// converter when the input rate changed mid reply.
func (b *PlaybackBuffer) convert(pcm []byte, inRate, outRate int) ([]byte, error) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, ErrBufferDestroyed
	}
	conv := b.conv
	var stale *audio.PlaybackConverter
	if conv == nil || conv.InRate() != inRate {
		next, err := audio.NewPlaybackConverter(inRate, outRate)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		stale, conv = conv, next
		b.conv = next
	}
	b.mu.Unlock()
	stale.Close()
	return conv.Convert(pcm)
}
