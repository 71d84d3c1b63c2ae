// Package voice supervises a voice transport connection: it fans per-speaker
// audio into the agent and applies the reconnect policy.
package voice

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/session/fsm"
	"github.com/saker-ai/voice-relay/internal/transport"
)

var (
	ErrAlreadyAttached = errors.New("voice: supervisor already attached")
	ErrTerminated      = errors.New("voice: supervisor terminated")
)

// AgentLink is the part of the agent session the supervisor drives.
type AgentLink interface {
	SubmitAudio(pcm []byte)
	Disconnect()
}

// AfterFunc schedules fn after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

func stdAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Options configure a Supervisor.
type Options struct {
	Policy       Policy
	Agent        AgentLink
	NewConverter ConverterFactory
	Logger       *zap.Logger
	AfterFunc    AfterFunc
}

// VoiceSession is the supervised state of one connection.
type VoiceSession struct {
	guildID        string
	conn           transport.Connection
	rejoinAttempts int
	streams        map[string]*InboundStream
	disposers      []transport.Disposer
}

// Supervisor owns one voice connection for one talk session.
type Supervisor struct {
	policy       Policy
	agent        AgentLink
	newConverter ConverterFactory
	afterFunc    AfterFunc
	logger       *zap.Logger

	mu              sync.Mutex
	session         *VoiceSession
	machine         *fsm.Machine
	terminated      bool
	stopTimer       func() bool
	timerGen        uint64
	recoveryPending bool

	cleanupOnce  sync.Once
	onTerminated transport.Listeners[struct{}]
}

func NewSupervisor(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = stdAfterFunc
	}
	return &Supervisor{
		policy:       opts.Policy.withDefaults(),
		agent:        opts.Agent,
		newConverter: opts.NewConverter,
		afterFunc:    opts.AfterFunc,
		logger:       opts.Logger,
		machine:      fsm.New(),
	}
}

// Attach starts supervising conn. A supervisor attaches once.
func (s *Supervisor) Attach(conn transport.Connection) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	if s.session != nil {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	sess := &VoiceSession{
		guildID: conn.GuildID(),
		conn:    conn,
		streams: make(map[string]*InboundStream),
	}
	s.session = sess
	s.logger = s.logger.With(zap.String("guild_id", sess.guildID))
	_ = s.machine.Force(conn.Status())
	s.mu.Unlock()

	disposers := []transport.Disposer{
		conn.OnStateChange(s.onStateChange),
		conn.OnSpeakingStart(s.onSpeakingStart),
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		for _, d := range disposers {
			d()
		}
		return ErrTerminated
	}
	sess.disposers = append(sess.disposers, disposers...)
	s.mu.Unlock()

	s.logger.Info("voice connection attached", zap.String("state", string(conn.Status())))
	if conn.Status() == transport.StatusDestroyed {
		s.cleanup()
	}
	return nil
}

// Leave destroys the connection and releases everything. Idempotent.
func (s *Supervisor) Leave() {
	s.destroy("leave")
}

// OnTerminated registers fn to run once cleanup has finished.
func (s *Supervisor) OnTerminated(fn func()) transport.Disposer {
	return s.onTerminated.Add(func(struct{}) { fn() })
}

func (s *Supervisor) State() transport.Status {
	return s.machine.State()
}

// Terminated reports whether cleanup has run.
func (s *Supervisor) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// RejoinAttempts is the number of rejoins since the last Ready.
func (s *Supervisor) RejoinAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return 0
	}
	return s.session.rejoinAttempts
}

// Speakers lists tracked speaker ids in sorted order.
func (s *Supervisor) Speakers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	ids := make([]string, 0, len(s.session.streams))
	for id := range s.session.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) onStateChange(change transport.StateChange) {
	log := s.logger.With(
		zap.String("state", string(change.New)),
		zap.String("previous", string(change.Old)),
	)

	s.mu.Lock()
	if s.terminated || s.session == nil {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Transition(change.New); err != nil {
		log.Warn("unexpected voice state transition", zap.Error(err))
		_ = s.machine.Force(change.New)
	}
	sess := s.session

	switch change.New {
	case transport.StatusReady:
		sess.rejoinAttempts = 0
		s.cancelTimerLocked()
		s.mu.Unlock()
		log.Info("voice connection ready")

	case transport.StatusSignalling, transport.StatusConnecting:
		recovering := s.machine.Recovering()
		if recovering {
			s.cancelTimerLocked()
		}
		s.mu.Unlock()
		if recovering {
			log.Info("voice connection recovering")
		}

	case transport.StatusDisconnected:
		forced := change.Reason.CloseCode == s.policy.ForcedCloseCode
		// A pending timer absorbs further disconnects, except that a forced
		// close replaces a pending backoff with the recovery window.
		if s.stopTimer != nil && (!forced || s.recoveryPending) {
			s.mu.Unlock()
			log.Debug("disconnect while recovery pending")
			return
		}
		if forced {
			s.scheduleLocked(s.policy.RecoveryWindow, s.recoveryExpired)
			s.recoveryPending = true
			s.mu.Unlock()
			log.Warn("voice connection closed by server, waiting for recovery",
				zap.Int("close_code", change.Reason.CloseCode),
				zap.Duration("window", s.policy.RecoveryWindow))
			return
		}
		// Attempts 1..MaxRejoinAttempts each rejoin; the disconnect after the
		// last of them is the one that destroys.
		if sess.rejoinAttempts >= s.policy.MaxRejoinAttempts {
			s.mu.Unlock()
			log.Error("voice rejoin attempts exhausted",
				zap.Int("attempt", sess.rejoinAttempts), zap.Error(change.Reason.Err))
			s.destroy("rejoin attempts exhausted")
			return
		}
		sess.rejoinAttempts++
		attempt := sess.rejoinAttempts
		delay := s.policy.Backoff(attempt)
		s.scheduleLocked(delay, func() { s.rejoin(attempt) })
		s.mu.Unlock()
		log.Warn("voice connection lost, scheduling rejoin",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Int("close_code", change.Reason.CloseCode),
			zap.Error(change.Reason.Err))

	case transport.StatusDestroyed:
		s.mu.Unlock()
		log.Info("voice connection destroyed")
		s.cleanup()

	default:
		s.mu.Unlock()
	}
}

// scheduleLocked arms the single policy timer. fn only runs if the timer
// was not cancelled or replaced meanwhile.
func (s *Supervisor) scheduleLocked(d time.Duration, fn func()) {
	s.cancelTimerLocked()
	s.timerGen++
	gen := s.timerGen
	s.stopTimer = s.afterFunc(d, func() {
		s.mu.Lock()
		if s.timerGen != gen || s.terminated {
			s.mu.Unlock()
			return
		}
		s.stopTimer = nil
		s.recoveryPending = false
		s.mu.Unlock()
		fn()
	})
}

func (s *Supervisor) cancelTimerLocked() {
	if s.stopTimer != nil {
		s.stopTimer()
		s.stopTimer = nil
	}
	s.recoveryPending = false
	s.timerGen++
}

func (s *Supervisor) recoveryExpired() {
	if s.machine.State() != transport.StatusDisconnected {
		return
	}
	s.logger.Warn("voice connection did not recover in time")
	s.destroy("recovery window expired")
}

func (s *Supervisor) rejoin(attempt int) {
	s.mu.Lock()
	if s.terminated || s.session == nil || s.machine.State() != transport.StatusDisconnected {
		s.mu.Unlock()
		return
	}
	conn := s.session.conn
	s.mu.Unlock()

	s.logger.Info("rejoining voice channel", zap.Int("attempt", attempt))
	if err := conn.Rejoin(); err != nil {
		s.logger.Warn("voice rejoin failed to start", zap.Int("attempt", attempt), zap.Error(err))
		s.onStateChange(transport.StateChange{
			Old:    transport.StatusDisconnected,
			New:    transport.StatusDisconnected,
			Reason: transport.DisconnectReason{Err: err},
		})
	}
}

func (s *Supervisor) destroy(reason string) {
	s.mu.Lock()
	var conn transport.Connection
	if s.session != nil {
		conn = s.session.conn
	}
	s.mu.Unlock()

	s.logger.Info("destroying voice connection", zap.String("reason", reason))
	if conn != nil {
		protect(s.logger, "connection destroy", conn.Destroy)
	}
	s.cleanup()
}

// cleanup detaches every listener, disposes every stream and disconnects
// the agent. It runs once.
func (s *Supervisor) cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.terminated = true
		s.cancelTimerLocked()
		_ = s.machine.Force(transport.StatusDestroyed)
		var disposers []transport.Disposer
		var streams []*InboundStream
		if sess := s.session; sess != nil {
			disposers = sess.disposers
			sess.disposers = nil
			for _, st := range sess.streams {
				streams = append(streams, st)
			}
			sess.streams = make(map[string]*InboundStream)
		}
		s.mu.Unlock()

		for _, d := range disposers {
			protect(s.logger, "listener dispose", d)
		}
		for _, st := range streams {
			st.dispose(s.logger.With(zap.String("speaker_id", st.speakerID)))
		}
		if s.agent != nil {
			protect(s.logger, "agent disconnect", s.agent.Disconnect)
		}
		s.logger.Info("voice session cleaned up", zap.Int("streams", len(streams)))
		s.onTerminated.Emit(struct{}{})
	})
}
