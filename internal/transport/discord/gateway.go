// Package discord implements the transport contracts over discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/transport"
)

// ForcedCloseCode is reported when the bot is moved out of or kicked from
// its voice channel.
const ForcedCloseCode = 4014

var ErrNotOpen = errors.New("discord: gateway not open")

// Gateway owns the bot session and its voice connections.
type Gateway struct {
	session *discordgo.Session
	logger  *zap.Logger

	mu            sync.Mutex
	open          bool
	conns         map[string]*Connection
	removeHandler func()
}

// NewGateway prepares a bot session. Call Open before joining.
func NewGateway(token string, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("discord: bot token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages
	s.LogLevel = discordgo.LogWarning
	return &Gateway{
		session: s,
		logger:  logger,
		conns:   make(map[string]*Connection),
	}, nil
}

func (g *Gateway) Open() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return nil
	}
	g.removeHandler = g.session.AddHandler(g.onVoiceStateUpdate)
	if err := g.session.Open(); err != nil {
		g.removeHandler()
		g.removeHandler = nil
		return fmt.Errorf("open discord gateway: %w", err)
	}
	g.open = true
	g.logger.Info("discord gateway open")
	return nil
}

// Close destroys every voice connection and closes the bot session.
func (g *Gateway) Close() error {
	g.mu.Lock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	wasOpen := g.open
	g.open = false
	remove := g.removeHandler
	g.removeHandler = nil
	g.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
	if remove != nil {
		remove()
	}
	if !wasOpen {
		return nil
	}
	return g.session.Close()
}

// Join connects to a voice channel and returns its connection.
func (g *Gateway) Join(ctx context.Context, guildID, channelID string) (*Connection, error) {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return nil, ErrNotOpen
	}
	if existing := g.conns[guildID]; existing != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("discord: already connected in guild %s", guildID)
	}
	g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := g.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("join voice channel: %w", err)
	}

	c := newConnection(g, guildID, channelID, g.logger)
	g.mu.Lock()
	g.conns[guildID] = c
	g.mu.Unlock()
	c.bind(vc)
	c.setStatus(transport.StatusReady, transport.DisconnectReason{})
	return c, nil
}

// Notifier posts tool notices to a text channel.
func (g *Gateway) Notifier(channelID string) *ChannelNotifier {
	return &ChannelNotifier{session: g.session, channelID: channelID}
}

func (g *Gateway) forget(c *Connection) {
	g.mu.Lock()
	if g.conns[c.guildID] == c {
		delete(g.conns, c.guildID)
	}
	g.mu.Unlock()
}

func (g *Gateway) botUserID() string {
	if g.session.State == nil || g.session.State.User == nil {
		return ""
	}
	return g.session.State.User.ID
}

func (g *Gateway) onVoiceStateUpdate(_ *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
	if ev == nil || ev.VoiceState == nil || ev.UserID != g.botUserID() {
		return
	}
	g.mu.Lock()
	c := g.conns[ev.GuildID]
	g.mu.Unlock()
	if c != nil {
		c.onBotVoiceState(ev.ChannelID)
	}
}

// ChannelNotifier sends plain messages to one text channel.
type ChannelNotifier struct {
	session   *discordgo.Session
	channelID string
}

func (n *ChannelNotifier) Notify(ctx context.Context, text string) error {
	if n.channelID == "" || strings.TrimSpace(text) == "" {
		return nil
	}
	if _, err := n.session.ChannelMessageSend(n.channelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send channel message: %w", err)
	}
	return nil
}
