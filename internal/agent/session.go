// Package agent speaks the conversational AI WebSocket protocol: it streams
// captured audio up, buffers agent audio for playback and routes tool calls.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/tools"
	"github.com/saker-ai/voice-relay/internal/transport"
	"github.com/saker-ai/voice-relay/pkg/audio"
)

var (
	// ErrNotOpen is returned when sending on a session that is not open.
	ErrNotOpen = errors.New("agent: session not open")
	// ErrDisconnected is returned to Connect callers whose dial was
	// overtaken by Disconnect.
	ErrDisconnected = errors.New("agent: session disconnected")
)

type state int

const (
	stateClosed state = iota
	stateConnecting
	stateOpen
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ToolDispatcher runs one tool call and reports its result through respond.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, params map[string]any, correlationID string, respond tools.RespondFunc)
}

// Hooks are optional observers. They run on the read goroutine.
type Hooks struct {
	OnUserTranscript func(text string)
	OnAgentResponse  func(text string)
	OnClosed         func(err error)
}

type dialAttempt struct {
	done chan struct{}
	err  error
}

// Session is one conversation with the agent.
type Session struct {
	cfg        Config
	dispatcher ToolDispatcher
	player     transport.Player
	hooks      Hooks
	logger     *zap.Logger

	mu            sync.Mutex
	state         state
	gen           uint64
	conn          *websocket.Conn
	attempt       *dialAttempt
	buffer        *PlaybackBuffer
	format        protocol.AudioFormat
	ctx           context.Context
	cancel        context.CancelFunc
	disposePlayer transport.Disposer

	writeMu sync.Mutex
}

// New builds a closed session. player may be nil when playback is not
// wanted.
func New(cfg Config, dispatcher ToolDispatcher, player transport.Player, hooks Hooks, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	format, err := protocol.ParseAudioFormat(cfg.OutputFormat)
	if err != nil {
		logger.Warn("invalid agent output format, using default",
			zap.String("format", cfg.OutputFormat), zap.Error(err))
		format, _ = protocol.ParseAudioFormat(DefaultOutputFormat)
	}
	return &Session{
		cfg:        cfg,
		dispatcher: dispatcher,
		player:     player,
		hooks:      hooks,
		logger:     logger,
		format:     format,
	}
}

// Open reports whether the socket is open.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen
}

// State returns closed, connecting or open.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Connect opens the socket. It returns nil immediately when already open;
// callers arriving while a dial is in flight wait for its outcome.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateOpen:
		s.mu.Unlock()
		return nil
	case stateConnecting:
		att := s.attempt
		s.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &dialAttempt{done: make(chan struct{})}
	s.attempt = att
	s.state = stateConnecting
	gen := s.gen
	s.mu.Unlock()

	conn, err := s.dial(ctx)

	s.mu.Lock()
	switch {
	case gen != s.gen:
		if conn != nil {
			_ = conn.Close()
		}
		att.err = ErrDisconnected
	case err != nil:
		s.state = stateClosed
		att.err = err
	default:
		s.state = stateOpen
		s.conn = conn
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	if s.attempt == att {
		s.attempt = nil
	}
	close(att.done)
	s.mu.Unlock()

	if att.err != nil {
		return att.err
	}
	if s.player != nil {
		dispose := s.player.OnError(s.onPlayerError)
		s.mu.Lock()
		if s.gen == gen {
			s.disposePlayer = dispose
			dispose = nil
		}
		s.mu.Unlock()
		if dispose != nil {
			dispose()
		}
	}
	s.logger.Info("agent session open", zap.String("format", s.currentFormat().String()))

	if len(s.cfg.DynamicVariables) > 0 {
		msg := protocol.ConversationInitiation{
			Type:             protocol.TypeInitiationClientData,
			DynamicVariables: s.cfg.DynamicVariables,
		}
		if err := s.send(msg); err != nil {
			s.logger.Warn("send conversation initiation failed", zap.Error(err))
		}
	}
	go s.readLoop(conn, gen)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := s.cfg.Endpoint()
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	if s.cfg.APIKey != "" {
		headers.Set(APIKeyHeader, s.cfg.APIKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return conn, nil
}

// SubmitAudio forwards one captured PCM16LE chunk. Empty input and input
// arriving while the socket is not open are dropped.
func (s *Session) SubmitAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	chunk := protocol.UserAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)}
	if err := s.send(chunk); err != nil && !errors.Is(err, ErrNotOpen) {
		s.logger.Debug("submit audio failed", zap.Error(err))
	}
}

// Respond sends a tool result. It has the tools.RespondFunc shape.
func (s *Session) Respond(correlationID, result string, isError bool) {
	err := s.send(protocol.NewToolResult(correlationID, result, isError))
	if err != nil {
		s.logger.Warn("tool result dropped",
			zap.String("tool_call_id", correlationID), zap.Error(err))
	}
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == stateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		return ErrNotOpen
	}
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write agent message: %w", err)
	}
	return nil
}

// Disconnect closes the session. It is idempotent and may race Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	conn, buf, cancel, dispose := s.resetLocked()
	s.mu.Unlock()

	s.release(buf, cancel, dispose)
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
		s.logger.Info("agent session closed")
	}
}

// resetLocked moves to closed and hands back what must be released.
func (s *Session) resetLocked() (*websocket.Conn, *PlaybackBuffer, context.CancelFunc, transport.Disposer) {
	conn, buf, cancel, dispose := s.conn, s.buffer, s.cancel, s.disposePlayer
	s.conn, s.buffer, s.cancel, s.disposePlayer = nil, nil, nil, nil
	s.attempt = nil
	s.state = stateClosed
	return conn, buf, cancel, dispose
}

func (s *Session) release(buf *PlaybackBuffer, cancel context.CancelFunc, dispose transport.Disposer) {
	if cancel != nil {
		cancel()
	}
	if dispose != nil {
		dispose()
	}
	if buf != nil {
		if s.player != nil {
			s.player.Stop()
		}
		buf.Destroy()
	}
}

func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.remoteClosed(gen, err)
			return
		}
		s.handleMessage(data)
	}
}

func (s *Session) remoteClosed(gen uint64, cause error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn, buf, cancel, dispose := s.resetLocked()
	s.mu.Unlock()

	s.release(buf, cancel, dispose)
	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Warn("agent session lost", zap.Error(cause))
	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed(cause)
	}
}

func (s *Session) handleMessage(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("dropping malformed agent message", zap.Error(err))
		return
	}
	switch ev.Type {
	case protocol.TypeAudio:
		s.handleAudio(ev.Audio)
	case protocol.TypeUserTranscript:
		if ev.UserTranscript == nil {
			return
		}
		s.logger.Info("user transcript", zap.String("text", ev.UserTranscript.UserTranscript))
		if s.hooks.OnUserTranscript != nil {
			s.hooks.OnUserTranscript(ev.UserTranscript.UserTranscript)
		}
	case protocol.TypeAgentResponse:
		if ev.AgentResponse == nil {
			return
		}
		s.logger.Info("agent response", zap.String("text", ev.AgentResponse.AgentResponse))
		if s.hooks.OnAgentResponse != nil {
			s.hooks.OnAgentResponse(ev.AgentResponse.AgentResponse)
		}
	case protocol.TypeInterruption:
		s.interrupt()
	case protocol.TypeClientToolCall:
		s.dispatchTool(*ev.ToolCall)
	case protocol.TypePing:
		if err := s.send(protocol.NewPong(ev.Ping.EventID)); err != nil {
			s.logger.Debug("pong failed", zap.Error(err))
		}
	case protocol.TypeInitiationMetadata:
		s.handleMetadata(ev.Metadata)
	default:
		s.logger.Debug("ignoring agent event", zap.String("type", ev.Type))
	}
}

func (s *Session) handleMetadata(meta *protocol.InitiationMetadataEvent) {
	if meta == nil {
		return
	}
	s.logger.Info("conversation started",
		zap.String("conversation_id", meta.ConversationID),
		zap.String("output_format", meta.AgentOutputAudioFormat),
		zap.String("input_format", meta.UserInputAudioFormat))
	if meta.AgentOutputAudioFormat == "" {
		return
	}
	format, err := protocol.ParseAudioFormat(meta.AgentOutputAudioFormat)
	if err != nil {
		s.logger.Warn("unsupported agent output format", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.format = format
	s.mu.Unlock()
}

func (s *Session) currentFormat() protocol.AudioFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *Session) dispatchTool(call protocol.ClientToolCall) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if s.dispatcher == nil {
		s.Respond(call.ToolCallID, tools.UnsupportedToolMessage(call.ToolName), true)
		return
	}
	s.logger.Info("tool call",
		zap.String("tool", call.ToolName), zap.String("tool_call_id", call.ToolCallID))
	go s.dispatcher.Dispatch(ctx, call.ToolName, call.Parameters, call.ToolCallID, s.Respond)
}

// handleAudio converts one agent chunk and queues it, creating and attaching
// a new buffer when none is live.
func (s *Session) handleAudio(ev *protocol.AudioEvent) {
	if s.player == nil {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(ev.AudioBase64)
	if err != nil {
		s.logger.Warn("dropping undecodable audio chunk", zap.Int64("event_id", ev.EventID), zap.Error(err))
		return
	}
	format := s.currentFormat()
	pcm := raw
	if format.Encoding == protocol.EncodingULaw {
		pcm = audio.DecodeULaw(raw)
	}
	if len(pcm) == 0 {
		return
	}
	if len(pcm)%2 != 0 {
		s.logger.Warn("dropping audio chunk", zap.Int64("event_id", ev.EventID), zap.Error(audio.ErrOddLength))
		return
	}

	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return
	}
	buf := s.buffer
	created := false
	if buf == nil || buf.Destroyed() {
		buf = NewPlaybackBuffer()
		s.buffer = buf
		created = true
	}
	s.mu.Unlock()

	out, err := buf.convert(pcm, format.SampleRate, s.cfg.PlayerSampleRate)
	if err != nil {
		s.logger.Warn("dropping audio chunk", zap.Int64("event_id", ev.EventID), zap.Error(err))
		if created {
			s.dropBuffer(buf)
		}
		return
	}
	if len(out) > 0 {
		if _, err := buf.Write(out); err != nil {
			s.logger.Debug("playback write dropped", zap.Error(err))
			return
		}
	}
	if !created {
		return
	}
	if err := s.player.Play(buf); err != nil {
		s.logger.Warn("start playback failed", zap.Error(err))
		s.dropBuffer(buf)
	}
}

func (s *Session) interrupt() {
	s.mu.Lock()
	buf := s.buffer
	s.buffer = nil
	s.mu.Unlock()
	if s.player != nil {
		s.player.Stop()
	}
	if buf != nil {
		buf.Destroy()
	}
	s.logger.Debug("playback interrupted")
}

// onPlayerError drops the buffer whose playback failed. Errors from a
// superseded buffer leave the live one alone; errors without a source drop
// whatever is current.
func (s *Session) onPlayerError(err error) {
	s.logger.Warn("player error", zap.Error(err))
	var playErr *transport.PlayError
	hasSource := errors.As(err, &playErr) && playErr.Source != nil
	if hasSource {
		if buf, ok := playErr.Source.(*PlaybackBuffer); ok {
			s.dropBuffer(buf)
		}
		return
	}
	s.mu.Lock()
	buf := s.buffer
	s.mu.Unlock()
	if buf != nil {
		s.dropBuffer(buf)
	}
}

// dropBuffer destroys buf and forgets it if it is still current.
func (s *Session) dropBuffer(buf *PlaybackBuffer) {
	s.mu.Lock()
	if s.buffer == buf {
		s.buffer = nil
	}
	s.mu.Unlock()
	buf.Destroy()
}

// CurrentBuffer returns the live playback buffer, if any.
func (s *Session) CurrentBuffer() *PlaybackBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}
