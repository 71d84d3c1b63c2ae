// Package transport defines the voice-transport contracts the relay core
// depends on. Adapters (see transport/discord) implement them; the core never
// talks to a concrete voice SDK.
package transport

import (
	"io"
	"time"
)

// Status is the lifecycle state of a voice connection.
type Status string

const (
	StatusSignalling   Status = "signalling"
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
	StatusDestroyed    Status = "destroyed"
)

// DisconnectReason describes why a connection entered StatusDisconnected.
// CloseCode is the voice websocket close code, zero when unknown.
type DisconnectReason struct {
	CloseCode int
	Err       error
}

// StateChange is delivered to status listeners on every transition.
type StateChange struct {
	Old    Status
	New    Status
	Reason DisconnectReason
}

// Disposer removes a listener. Calling it more than once is a no-op.
type Disposer func()

// Connection is one joined voice channel.
type Connection interface {
	GuildID() string
	ChannelID() string
	Status() Status
	OnStateChange(fn func(StateChange)) Disposer
	OnSpeakingStart(fn func(speakerID string)) Disposer
	// Subscribe opens a receive stream for one speaker. The stream is not
	// ended by silence; it stays open until closed or the connection dies.
	Subscribe(speakerID string) (ReceiveStream, error)
	// Rejoin re-enters the channel. Its outcome is reported through state
	// changes; an error means no attempt could be started.
	Rejoin() error
	// Destroy leaves the channel for good. It is idempotent.
	Destroy()
	Player() Player
}

// ReceiveStream delivers one speaker's encoded audio frames in order.
type ReceiveStream interface {
	SpeakerID() string
	// Frames is closed once the stream ends.
	Frames() <-chan []byte
	OnEnd(fn func()) Disposer
	OnClose(fn func()) Disposer
	OnError(fn func(error)) Disposer
	// Close force-closes the handle.
	Close() error
}

// Player plays raw PCM from a source until the source returns an error or
// Stop is called.
type Player interface {
	Play(src io.Reader) error
	Stop()
	// OnError listeners receive a *PlayError naming the failed source.
	OnError(fn func(error)) Disposer
}

// PlayError reports a playback failure of one source.
type PlayError struct {
	Source io.Reader
	Err    error
}

func (e *PlayError) Error() string { return "playback: " + e.Err.Error() }

func (e *PlayError) Unwrap() error { return e.Err }

// FrameReader is an optional source interface. ReadFrame fills p, or after
// idle with only part of a frame queued returns that part.
type FrameReader interface {
	ReadFrame(p []byte, idle time.Duration) (int, error)
}
