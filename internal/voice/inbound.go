package voice

import (
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/transport"
)

// onSpeakingStart opens a stream for a speaker that is not yet tracked.
func (s *Supervisor) onSpeakingStart(speakerID string) {
	log := s.logger.With(zap.String("speaker_id", speakerID))

	s.mu.Lock()
	if s.terminated || s.session == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.session.streams[speakerID]; ok {
		s.mu.Unlock()
		return
	}
	st := newInboundStream(speakerID)
	s.session.streams[speakerID] = st
	conn := s.session.conn
	s.mu.Unlock()

	handle, err := conn.Subscribe(speakerID)
	if err != nil {
		s.forget(st)
		log.Warn("subscribe to speaker failed", zap.Error(err))
		return
	}
	var converter Converter
	if s.newConverter != nil {
		converter, err = s.newConverter()
		if err != nil {
			s.forget(st)
			protect(log, "stream close", func() { _ = handle.Close() })
			log.Warn("create audio converter failed", zap.Error(err))
			return
		}
	}
	if !st.attach(handle, converter) {
		// Cleanup ran while subscribing.
		protect(log, "stream close", func() { _ = handle.Close() })
		if converter != nil {
			converter.Close()
		}
		return
	}

	st.hold(handle.OnEnd(func() { s.removeStream(st, "end") }))
	st.hold(handle.OnClose(func() { s.removeStream(st, "close") }))
	st.hold(handle.OnError(func(err error) {
		log.Warn("speaker stream error", zap.Error(err))
		s.removeStream(st, "error")
	}))

	log.Debug("speaker stream opened")
	go s.consume(st, handle, converter, log)
}

// consume forwards one speaker's frames in order until the stream finishes.
func (s *Supervisor) consume(st *InboundStream, handle transport.ReceiveStream, converter Converter, log *zap.Logger) {
	defer func() {
		if converter != nil {
			converter.Close()
		}
		s.removeStream(st, "drained")
	}()

	frames := handle.Frames()
	for {
		select {
		case <-st.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.forward(frame, converter, log)
		}
	}
}

func (s *Supervisor) forward(frame []byte, converter Converter, log *zap.Logger) {
	pcm := frame
	if converter != nil {
		var err error
		pcm, err = converter.Convert(frame)
		if err != nil {
			log.Debug("dropping undecodable frame", zap.Error(err))
			return
		}
	}
	if len(pcm) == 0 || s.agent == nil {
		return
	}
	s.agent.SubmitAudio(pcm)
}

// removeStream deregisters st and disposes it.
func (s *Supervisor) removeStream(st *InboundStream, reason string) {
	s.forget(st)
	st.dispose(s.logger.With(zap.String("speaker_id", st.speakerID)))
	s.logger.Debug("speaker stream removed",
		zap.String("speaker_id", st.speakerID), zap.String("reason", reason))
}

func (s *Supervisor) forget(st *InboundStream) {
	s.mu.Lock()
	if s.session != nil && s.session.streams[st.speakerID] == st {
		delete(s.session.streams, st.speakerID)
	}
	s.mu.Unlock()
}
