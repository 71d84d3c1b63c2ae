package discord

import (
	"sync"

	"github.com/saker-ai/voice-relay/internal/transport"
)

type streamEnding int

const (
	streamEnded streamEnding = iota
	streamClosed
)

// receiveStream carries one user's opus packets. discordgo never signals
// end of speech, so the stream only finishes when closed.
type receiveStream struct {
	userID string
	frames chan []byte
	onDone func(*receiveStream)

	mu       sync.Mutex
	finished bool

	ends   transport.Listeners[struct{}]
	closes transport.Listeners[struct{}]
	errs   transport.Listeners[error]
}

func newReceiveStream(userID string, onDone func(*receiveStream)) *receiveStream {
	return &receiveStream{
		userID: userID,
		frames: make(chan []byte, streamBuffer),
		onDone: onDone,
	}
}

func (s *receiveStream) SpeakerID() string     { return s.userID }
func (s *receiveStream) Frames() <-chan []byte { return s.frames }

func (s *receiveStream) OnEnd(fn func()) transport.Disposer {
	return s.ends.Add(func(struct{}) { fn() })
}

func (s *receiveStream) OnClose(fn func()) transport.Disposer {
	return s.closes.Add(func(struct{}) { fn() })
}

func (s *receiveStream) OnError(fn func(error)) transport.Disposer {
	return s.errs.Add(fn)
}

func (s *receiveStream) Close() error {
	s.finish(streamClosed)
	return nil
}

// deliver queues a packet, dropping it when the consumer lags.
func (s *receiveStream) deliver(pkt []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	select {
	case s.frames <- pkt:
	default:
	}
}

func (s *receiveStream) finish(how streamEnding) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	close(s.frames)
	s.mu.Unlock()

	if s.onDone != nil {
		s.onDone(s)
	}
	if how == streamEnded {
		s.ends.Emit(struct{}{})
	}
	s.closes.Emit(struct{}{})
}
