package discord

import (
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/transport"
)

const (
	streamBuffer  = 64
	watchInterval = time.Second
)

var (
	errDestroyed = errors.New("discord: connection destroyed")
	errVoiceLost = errors.New("discord: voice connection lost")
)

// Connection is one guild's voice connection.
type Connection struct {
	gw        *Gateway
	guildID   string
	channelID string
	logger    *zap.Logger

	mu        sync.RWMutex
	vc        *discordgo.VoiceConnection
	vcGen     uint64
	status    transport.Status
	rejoining bool
	ssrc      map[uint32]string
	streams   map[string]*receiveStream
	stop      chan struct{}

	destroyOnce sync.Once
	player      *player

	stateListeners    transport.Listeners[transport.StateChange]
	speakingListeners transport.Listeners[string]
}

func newConnection(gw *Gateway, guildID, channelID string, logger *zap.Logger) *Connection {
	c := &Connection{
		gw:        gw,
		guildID:   guildID,
		channelID: channelID,
		logger:    logger.With(zap.String("guild_id", guildID)),
		status:    transport.StatusSignalling,
		ssrc:      make(map[uint32]string),
		streams:   make(map[string]*receiveStream),
	}
	c.player = newPlayer(c)
	return c
}

func (c *Connection) GuildID() string { return c.guildID }

func (c *Connection) ChannelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

func (c *Connection) Status() transport.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) OnStateChange(fn func(transport.StateChange)) transport.Disposer {
	return c.stateListeners.Add(fn)
}

func (c *Connection) OnSpeakingStart(fn func(string)) transport.Disposer {
	return c.speakingListeners.Add(fn)
}

func (c *Connection) Player() transport.Player { return c.player }

// Subscribe opens a stream for userID. Re-subscribing replaces the previous
// stream, closing it.
func (c *Connection) Subscribe(userID string) (transport.ReceiveStream, error) {
	st := newReceiveStream(userID, func(st *receiveStream) { c.dropStream(st) })
	c.mu.Lock()
	if c.status == transport.StatusDestroyed {
		c.mu.Unlock()
		return nil, errDestroyed
	}
	old := c.streams[userID]
	c.streams[userID] = st
	c.mu.Unlock()
	if old != nil {
		old.finish(streamClosed)
	}
	return st, nil
}

func (c *Connection) dropStream(st *receiveStream) {
	c.mu.Lock()
	if c.streams[st.userID] == st {
		delete(c.streams, st.userID)
	}
	c.mu.Unlock()
}

func (c *Connection) voice() *discordgo.VoiceConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vc
}

// bind installs vc and starts its receive pump and watchdog.
func (c *Connection) bind(vc *discordgo.VoiceConnection) {
	c.mu.Lock()
	c.vc = vc
	c.vcGen++
	gen := c.vcGen
	c.ssrc = make(map[uint32]string)
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		c.onSpeakingUpdate(gen, vs)
	})
	go c.pump(vc, stop)
	go c.watch(vc, stop)
}

// unbind stops the pump for the current vc and returns it.
func (c *Connection) unbind() *discordgo.VoiceConnection {
	c.mu.Lock()
	vc := c.vc
	c.vc = nil
	c.vcGen++
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
	return vc
}

func (c *Connection) onSpeakingUpdate(gen uint64, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.mu.Lock()
	if gen != c.vcGen || c.status == transport.StatusDestroyed {
		c.mu.Unlock()
		return
	}
	c.ssrc[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()
	if vs.Speaking {
		c.speakingListeners.Emit(vs.UserID)
	}
}

func (c *Connection) pump(vc *discordgo.VoiceConnection, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case p, ok := <-vc.OpusRecv:
			if !ok {
				return
			}
			if p == nil || len(p.Opus) == 0 {
				continue
			}
			c.mu.RLock()
			st := c.streams[c.ssrc[p.SSRC]]
			c.mu.RUnlock()
			if st != nil {
				st.deliver(p.Opus)
			}
		}
	}
}

// watch maps discordgo's Ready flag onto status changes.
func (c *Connection) watch(vc *discordgo.VoiceConnection, stop <-chan struct{}) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		vc.RLock()
		ready := vc.Ready
		vc.RUnlock()

		switch status := c.Status(); {
		case status == transport.StatusReady && !ready:
			c.setStatus(transport.StatusDisconnected, transport.DisconnectReason{Err: errVoiceLost})
		case (status == transport.StatusDisconnected || status == transport.StatusConnecting) && ready && !c.isRejoining():
			c.setStatus(transport.StatusReady, transport.DisconnectReason{})
		}
	}
}

func (c *Connection) isRejoining() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rejoining
}

// onBotVoiceState handles the bot's own voice state: leaving the channel
// without asking is a forced close; a move is a new handshake.
func (c *Connection) onBotVoiceState(channelID string) {
	c.mu.Lock()
	if c.rejoining || c.status == transport.StatusDestroyed {
		c.mu.Unlock()
		return
	}
	moved := channelID != "" && channelID != c.channelID
	if moved {
		c.channelID = channelID
	}
	c.mu.Unlock()

	switch {
	case channelID == "":
		c.logger.Warn("bot removed from voice channel")
		c.setStatus(transport.StatusDisconnected, transport.DisconnectReason{CloseCode: ForcedCloseCode})
	case moved:
		c.logger.Info("bot moved to another voice channel", zap.String("channel_id", channelID))
		c.setStatus(transport.StatusConnecting, transport.DisconnectReason{})
	}
}

func (c *Connection) setStatus(s transport.Status, reason transport.DisconnectReason) {
	c.mu.Lock()
	old := c.status
	if old == transport.StatusDestroyed || (old == s && s != transport.StatusDisconnected) {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.stateListeners.Emit(transport.StateChange{Old: old, New: s, Reason: reason})
}

// Rejoin leaves and re-enters the channel in the background.
func (c *Connection) Rejoin() error {
	c.mu.Lock()
	if c.status == transport.StatusDestroyed {
		c.mu.Unlock()
		return errDestroyed
	}
	if c.rejoining {
		c.mu.Unlock()
		return nil
	}
	c.rejoining = true
	channelID := c.channelID
	c.mu.Unlock()

	c.setStatus(transport.StatusConnecting, transport.DisconnectReason{})
	go c.rejoin(channelID)
	return nil
}

func (c *Connection) rejoin(channelID string) {
	if old := c.unbind(); old != nil {
		if err := old.Disconnect(); err != nil {
			c.logger.Debug("disconnect stale voice connection", zap.Error(err))
		}
	}
	vc, err := c.gw.session.ChannelVoiceJoin(c.guildID, channelID, false, false)

	c.mu.Lock()
	c.rejoining = false
	destroyed := c.status == transport.StatusDestroyed
	c.mu.Unlock()

	if destroyed {
		if vc != nil {
			_ = vc.Disconnect()
		}
		return
	}
	if err != nil {
		c.logger.Warn("voice rejoin failed", zap.Error(err))
		c.setStatus(transport.StatusDisconnected, transport.DisconnectReason{Err: err})
		return
	}
	c.bind(vc)
	c.setStatus(transport.StatusReady, transport.DisconnectReason{})
}

// Destroy leaves the channel and closes every stream. Idempotent.
func (c *Connection) Destroy() {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		old := c.status
		c.status = transport.StatusDestroyed
		streams := c.streams
		c.streams = make(map[string]*receiveStream)
		c.mu.Unlock()

		for _, st := range streams {
			st.finish(streamClosed)
		}
		c.player.Stop()
		if vc := c.unbind(); vc != nil {
			if err := vc.Disconnect(); err != nil {
				c.logger.Debug("voice disconnect", zap.Error(err))
			}
		}
		c.gw.forget(c)
		c.logger.Info("voice connection destroyed")
		c.stateListeners.Emit(transport.StateChange{Old: old, New: transport.StatusDestroyed})
	})
}
