// Package talk runs one relay session per guild: a voice connection, its
// supervisor, an agent session and the tool table they share.
package talk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/agent"
	"github.com/saker-ai/voice-relay/internal/storage"
	"github.com/saker-ai/voice-relay/internal/tools"
	"github.com/saker-ai/voice-relay/internal/transport"
	"github.com/saker-ai/voice-relay/internal/voice"
)

var (
	ErrSessionExists   = errors.New("talk: session already running in guild")
	ErrSessionNotFound = errors.New("talk: no session in guild")
)

// VoiceGateway joins voice channels and reaches text channels.
type VoiceGateway interface {
	Join(ctx context.Context, guildID, channelID string) (transport.Connection, error)
	Notifier(textChannelID string) tools.Notifier
}

// AgentSession is what the manager needs from an agent connection.
type AgentSession interface {
	Connect(ctx context.Context) error
	SubmitAudio(pcm []byte)
	Disconnect()
	State() string
}

// AgentFactory builds the agent for one talk session.
type AgentFactory func(cfg agent.Config, dispatcher agent.ToolDispatcher, player transport.Player, hooks agent.Hooks, logger *zap.Logger) AgentSession

// DefaultAgentFactory builds a WebSocket agent session.
func DefaultAgentFactory(cfg agent.Config, dispatcher agent.ToolDispatcher, player transport.Player, hooks agent.Hooks, logger *zap.Logger) AgentSession {
	return agent.New(cfg, dispatcher, player, hooks, logger)
}

// CaptureConfig describes received audio and what the agent expects.
type CaptureConfig struct {
	SampleRate      int `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int `mapstructure:"channels" yaml:"channels"`
	AgentSampleRate int `mapstructure:"agent_sample_rate" yaml:"agent_sample_rate"`
}

// ToolConfig selects the models used by the built-in tools.
type ToolConfig struct {
	SearchModel string `mapstructure:"search_model" yaml:"search_model"`
	ImageModel  string `mapstructure:"image_model" yaml:"image_model"`
	ImageSize   string `mapstructure:"image_size" yaml:"image_size"`
}

// Config configures every talk session the manager starts.
type Config struct {
	Agent         agent.Config
	Policy        voice.Policy
	Capture       CaptureConfig
	Tools         ToolConfig
	TranscriptDir string
}

// Deps are the manager's collaborators. Chat and Images may be nil.
type Deps struct {
	Gateway  VoiceGateway
	NewAgent AgentFactory
	Chat     tools.ChatCompleter
	Images   tools.ImageCreator
	Logger   *zap.Logger
}

// StartRequest names where to talk.
type StartRequest struct {
	GuildID        string `json:"guild_id"`
	VoiceChannelID string `json:"voice_channel_id"`
	TextChannelID  string `json:"text_channel_id"`
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.GuildID) == "" {
		return errors.New("guild_id is required")
	}
	if strings.TrimSpace(r.VoiceChannelID) == "" {
		return errors.New("voice_channel_id is required")
	}
	return nil
}

// SessionInfo is a snapshot of one running session.
type SessionInfo struct {
	ID             string    `json:"id"`
	GuildID        string    `json:"guild_id"`
	VoiceChannelID string    `json:"voice_channel_id"`
	TextChannelID  string    `json:"text_channel_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	VoiceState     string    `json:"voice_state"`
	AgentState     string    `json:"agent_state"`
	Speakers       []string  `json:"speakers"`
	Tools          []string  `json:"tools"`
	TranscriptUID  string    `json:"transcript_uid,omitempty"`
}

type session struct {
	id         string
	req        StartRequest
	startedAt  time.Time
	conn       transport.Connection
	supervisor *voice.Supervisor
	agent      AgentSession
	registry   *tools.Registry
	recorder   *storage.Recorder
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:             s.id,
		GuildID:        s.req.GuildID,
		VoiceChannelID: s.conn.ChannelID(),
		TextChannelID:  s.req.TextChannelID,
		StartedAt:      s.startedAt,
		VoiceState:     string(s.supervisor.State()),
		AgentState:     s.agent.State(),
		Speakers:       s.supervisor.Speakers(),
		Tools:          s.registry.Names(),
	}
	if s.recorder != nil {
		info.TranscriptUID = s.recorder.UID()
	}
	return info
}

// Manager tracks live talk sessions by guild.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	starting map[string]bool
}

func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewAgent == nil {
		deps.NewAgent = DefaultAgentFactory
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = 48000
	}
	if cfg.Capture.Channels <= 0 {
		cfg.Capture.Channels = 2
	}
	if cfg.Capture.AgentSampleRate <= 0 {
		cfg.Capture.AgentSampleRate = 16000
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		sessions: make(map[string]*session),
		starting: make(map[string]bool),
	}
}

// Start joins the voice channel, connects the agent and begins relaying.
func (m *Manager) Start(ctx context.Context, req StartRequest) (SessionInfo, error) {
	if err := req.validate(); err != nil {
		return SessionInfo{}, err
	}
	if m.deps.Gateway == nil {
		return SessionInfo{}, errors.New("talk: no voice gateway configured")
	}
	if !m.reserve(req.GuildID) {
		return SessionInfo{}, ErrSessionExists
	}
	defer m.release(req.GuildID)

	log := m.logger.With(zap.String("guild_id", req.GuildID))
	conn, err := m.deps.Gateway.Join(ctx, req.GuildID, req.VoiceChannelID)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("join voice: %w", err)
	}

	sess := &session{
		id:        uuid.NewString(),
		req:       req,
		startedAt: time.Now(),
		conn:      conn,
		registry:  tools.NewRegistry(),
	}
	if m.cfg.TranscriptDir != "" {
		rec, err := storage.NewRecorder(m.cfg.TranscriptDir, req.GuildID)
		if err != nil {
			log.Warn("transcripts disabled for session", zap.Error(err))
		} else {
			sess.recorder = rec
		}
	}

	builtins := tools.Builtins{
		Leave:       func() { _ = m.Stop(req.GuildID) },
		Notifier:    m.deps.Gateway.Notifier(req.TextChannelID),
		Chat:        m.deps.Chat,
		Images:      m.deps.Images,
		SearchModel: m.cfg.Tools.SearchModel,
		ImageModel:  m.cfg.Tools.ImageModel,
		ImageSize:   m.cfg.Tools.ImageSize,
		Logger:      log,
	}
	if err := tools.RegisterBuiltins(sess.registry, builtins); err != nil {
		conn.Destroy()
		return SessionInfo{}, fmt.Errorf("register tools: %w", err)
	}
	sess.registry.Seal()
	dispatcher := tools.NewDispatcher(sess.registry, log)

	sess.agent = m.deps.NewAgent(m.cfg.Agent, dispatcher, conn.Player(), m.hooks(sess, log), log)
	sess.supervisor = voice.NewSupervisor(voice.Options{
		Policy: m.cfg.Policy,
		Agent:  sess.agent,
		NewConverter: voice.CaptureConverterFactory(
			m.cfg.Capture.SampleRate, m.cfg.Capture.Channels, m.cfg.Capture.AgentSampleRate),
		Logger: log,
	})

	if err := sess.agent.Connect(ctx); err != nil {
		conn.Destroy()
		return SessionInfo{}, fmt.Errorf("connect agent: %w", err)
	}

	m.mu.Lock()
	m.sessions[req.GuildID] = sess
	m.mu.Unlock()
	sess.supervisor.OnTerminated(func() { m.unregister(sess) })

	if err := sess.supervisor.Attach(conn); err != nil {
		m.unregister(sess)
		sess.agent.Disconnect()
		conn.Destroy()
		return SessionInfo{}, fmt.Errorf("attach voice: %w", err)
	}
	log.Info("talk session started",
		zap.String("session_id", sess.id),
		zap.String("voice_channel_id", req.VoiceChannelID),
		zap.Strings("tools", sess.registry.Names()))
	return sess.info(), nil
}

func (m *Manager) hooks(sess *session, log *zap.Logger) agent.Hooks {
	h := agent.Hooks{
		OnClosed: func(err error) {
			log.Info("agent ended the conversation", zap.Error(err))
			go func() { _ = m.Stop(sess.req.GuildID) }()
		},
	}
	if sess.recorder != nil {
		h.OnUserTranscript = func(text string) {
			if err := sess.recorder.Append(storage.RoleUser, text); err != nil {
				log.Warn("append transcript failed", zap.Error(err))
			}
		}
		h.OnAgentResponse = func(text string) {
			if err := sess.recorder.Append(storage.RoleAgent, text); err != nil {
				log.Warn("append transcript failed", zap.Error(err))
			}
		}
	}
	return h
}

// Stop ends the guild's session.
func (m *Manager) Stop(guildID string) error {
	m.mu.Lock()
	sess := m.sessions[guildID]
	m.mu.Unlock()
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.supervisor.Leave()
	m.unregister(sess)
	return nil
}

// StopAll ends every session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	guilds := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		guilds = append(guilds, id)
	}
	m.mu.Unlock()
	for _, id := range guilds {
		_ = m.Stop(id)
	}
}

// Sessions lists running sessions ordered by guild id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

// Session returns one guild's snapshot.
func (m *Manager) Session(guildID string) (SessionInfo, error) {
	m.mu.Lock()
	sess := m.sessions[guildID]
	m.mu.Unlock()
	if sess == nil {
		return SessionInfo{}, ErrSessionNotFound
	}
	return sess.info(), nil
}

func (m *Manager) reserve(guildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[guildID] != nil || m.starting[guildID] {
		return false
	}
	m.starting[guildID] = true
	return true
}

func (m *Manager) release(guildID string) {
	m.mu.Lock()
	delete(m.starting, guildID)
	m.mu.Unlock()
}

func (m *Manager) unregister(sess *session) {
	m.mu.Lock()
	if m.sessions[sess.req.GuildID] == sess {
		delete(m.sessions, sess.req.GuildID)
		m.logger.Info("talk session ended",
			zap.String("guild_id", sess.req.GuildID), zap.String("session_id", sess.id))
	}
	m.mu.Unlock()
}
