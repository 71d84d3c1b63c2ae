package voice

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/transport"
	"github.com/saker-ai/voice-relay/pkg/audio"
)

// Converter turns one received frame into agent-ready PCM.
type Converter interface {
	Convert(frame []byte) ([]byte, error)
	Close()
}

// ConverterFactory builds a converter per inbound stream.
type ConverterFactory func() (Converter, error)

// CaptureConverterFactory decodes opus at inRate/channels and resamples to
// outRate mono.
func CaptureConverterFactory(inRate, channels, outRate int) ConverterFactory {
	return func() (Converter, error) {
		c, err := audio.NewCaptureConverter(inRate, channels, outRate)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// InboundStream is one speaker's receive subscription.
type InboundStream struct {
	speakerID string

	mu        sync.Mutex
	handle    transport.ReceiveStream
	converter Converter
	disposers []transport.Disposer
	active    bool
	disposed  bool
	done      chan struct{}
	once      sync.Once
}

func newInboundStream(speakerID string) *InboundStream {
	return &InboundStream{speakerID: speakerID, done: make(chan struct{})}
}

func (st *InboundStream) SpeakerID() string { return st.speakerID }

// Active reports whether the stream is subscribed and not yet disposed.
func (st *InboundStream) Active() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

// attach binds the subscription. It reports false when the stream was
// disposed first; the caller then owns handle and converter.
func (st *InboundStream) attach(handle transport.ReceiveStream, converter Converter) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.disposed {
		return false
	}
	st.handle = handle
	st.converter = converter
	st.active = true
	return true
}

// hold keeps a listener disposer, running it at once if the stream is
// already gone.
func (st *InboundStream) hold(d transport.Disposer) {
	st.mu.Lock()
	if st.disposed {
		st.mu.Unlock()
		d()
		return
	}
	st.disposers = append(st.disposers, d)
	st.mu.Unlock()
}

// dispose drops the stream's listeners and force-closes its handle. Only
// the first call does anything; each step is isolated from panics.
func (st *InboundStream) dispose(logger *zap.Logger) {
	st.once.Do(func() {
		st.mu.Lock()
		st.disposed = true
		st.active = false
		disposers := st.disposers
		st.disposers = nil
		handle := st.handle
		st.mu.Unlock()
		close(st.done)

		for _, d := range disposers {
			protect(logger, "stream listener dispose", d)
		}
		if handle != nil {
			protect(logger, "stream close", func() {
				if err := handle.Close(); err != nil {
					logger.Debug("stream close", zap.Error(err))
				}
			})
		}
	})
}

func protect(logger *zap.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(what+" panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn()
}
