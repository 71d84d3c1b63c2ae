// Package transporttest provides in-memory transport fakes for tests.
package transporttest

import (
	"io"
	"sync"

	"github.com/saker-ai/voice-relay/internal/transport"
)

// Connection is a scriptable transport.Connection.
type Connection struct {
	guildID   string
	channelID string

	mu           sync.Mutex
	status       transport.Status
	streams      map[string][]*Stream
	subscribeErr error
	rejoinErr    error
	rejoins      int
	destroys     int
	player       *Player

	stateListeners    transport.Listeners[transport.StateChange]
	speakingListeners transport.Listeners[string]
}

// NewConnection returns a fake connection in StatusSignalling.
func NewConnection(guildID, channelID string) *Connection {
	return &Connection{
		guildID:   guildID,
		channelID: channelID,
		status:    transport.StatusSignalling,
		streams:   make(map[string][]*Stream),
		player:    NewPlayer(),
	}
}

func (c *Connection) GuildID() string { return c.guildID }
func (c *Connection) ChannelID() string { return c.channelID }

func (c *Connection) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) OnStateChange(fn func(transport.StateChange)) transport.Disposer {
	return c.stateListeners.Add(fn)
}

func (c *Connection) OnSpeakingStart(fn func(string)) transport.Disposer {
	return c.speakingListeners.Add(fn)
}

func (c *Connection) Subscribe(speakerID string) (transport.ReceiveStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	s := NewStream(speakerID)
	c.streams[speakerID] = append(c.streams[speakerID], s)
	return s, nil
}

func (c *Connection) Rejoin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejoins++
	return c.rejoinErr
}

// Destroy moves to StatusDestroyed and notifies listeners once.
func (c *Connection) Destroy() {
	c.mu.Lock()
	c.destroys++
	old := c.status
	c.status = transport.StatusDestroyed
	c.mu.Unlock()
	if old != transport.StatusDestroyed {
		c.stateListeners.Emit(transport.StateChange{Old: old, New: transport.StatusDestroyed})
	}
}

func (c *Connection) Player() transport.Player { return c.player }

// FakePlayer returns the concrete player for assertions.
func (c *Connection) FakePlayer() *Player { return c.player }

// SetStatus changes the status and notifies listeners.
func (c *Connection) SetStatus(s transport.Status, reason transport.DisconnectReason) {
	c.mu.Lock()
	old := c.status
	c.status = s
	c.mu.Unlock()
	c.stateListeners.Emit(transport.StateChange{Old: old, New: s, Reason: reason})
}

// StartSpeaking emits a speaking-start notification.
func (c *Connection) StartSpeaking(speakerID string) {
	c.speakingListeners.Emit(speakerID)
}

// SetSubscribeError makes subsequent Subscribe calls fail.
func (c *Connection) SetSubscribeError(err error) {
	c.mu.Lock()
	c.subscribeErr = err
	c.mu.Unlock()
}

// SetRejoinError makes subsequent Rejoin calls fail.
func (c *Connection) SetRejoinError(err error) {
	c.mu.Lock()
	c.rejoinErr = err
	c.mu.Unlock()
}

// Streams returns every stream opened for a speaker, oldest first.
func (c *Connection) Streams(speakerID string) []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams[speakerID]...)
}

func (c *Connection) Rejoins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejoins
}

func (c *Connection) Destroys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroys
}

// ListenerCount reports state plus speaking listeners still registered.
func (c *Connection) ListenerCount() int {
	return c.stateListeners.Len() + c.speakingListeners.Len()
}

// Stream is a scriptable transport.ReceiveStream.
type Stream struct {
	speakerID string
	frames    chan []byte

	mu           sync.Mutex
	closed       bool
	closes       int
	panicOnClose bool
	closeOnce    sync.Once

	end     transport.Listeners[struct{}]
	closeL  transport.Listeners[struct{}]
	errorsL transport.Listeners[error]
}

func NewStream(speakerID string) *Stream {
	return &Stream{speakerID: speakerID, frames: make(chan []byte, 64)}
}

func (s *Stream) SpeakerID() string { return s.speakerID }
func (s *Stream) Frames() <-chan []byte { return s.frames }
func (s *Stream) OnEnd(fn func()) transport.Disposer {
	return s.end.Add(func(struct{}) { fn() })
}
func (s *Stream) OnClose(fn func()) transport.Disposer {
	return s.closeL.Add(func(struct{}) { fn() })
}
func (s *Stream) OnError(fn func(error)) transport.Disposer {
	return s.errorsL.Add(fn)
}

// Close counts every call and closes the frame channel once.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closes++
	boom := s.panicOnClose
	s.mu.Unlock()
	s.finish()
	if boom {
		panic("transporttest: close failed")
	}
	return nil
}

// PanicOnClose makes Close panic after it has been counted.
func (s *Stream) PanicOnClose() {
	s.mu.Lock()
	s.panicOnClose = true
	s.mu.Unlock()
}

// Push queues a frame unless the stream is finished.
func (s *Stream) Push(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.frames <- frame
}

// End finishes the stream and emits end.
func (s *Stream) End() {
	s.finish()
	s.end.Emit(struct{}{})
}

// RemoteClose finishes the stream and emits close.
func (s *Stream) RemoteClose() {
	s.finish()
	s.closeL.Emit(struct{}{})
}

// Fail emits an error without finishing the stream.
func (s *Stream) Fail(err error) {
	s.errorsL.Emit(err)
}

// Closes reports how many times Close was called.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// ListenerCount reports end, close and error listeners still registered.
func (s *Stream) ListenerCount() int {
	return s.end.Len() + s.closeL.Len() + s.errorsL.Len()
}

func (s *Stream) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.frames)
		s.mu.Unlock()
	})
}

// Player records Play calls.
type Player struct {
	mu      sync.Mutex
	sources []io.Reader
	stops   int
	playErr error
	errs    transport.Listeners[error]
}

func NewPlayer() *Player { return &Player{} }

func (p *Player) Play(src io.Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playErr != nil {
		return p.playErr
	}
	p.sources = append(p.sources, src)
	return nil
}

func (p *Player) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

func (p *Player) OnError(fn func(error)) transport.Disposer { return p.errs.Add(fn) }

// Fail emits a player error with no source.
func (p *Player) Fail(err error) { p.errs.Emit(err) }

// FailSource emits a player error for src, as a real player does.
func (p *Player) FailSource(src io.Reader, err error) {
	p.errs.Emit(&transport.PlayError{Source: src, Err: err})
}

// SetPlayError makes subsequent Play calls fail.
func (p *Player) SetPlayError(err error) {
	p.mu.Lock()
	p.playErr = err
	p.mu.Unlock()
}

// Sources returns every reader passed to Play.
func (p *Player) Sources() []io.Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]io.Reader(nil), p.sources...)
}

func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}
