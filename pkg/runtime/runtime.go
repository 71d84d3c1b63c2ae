// Package runtime wires configuration, the Discord gateway, the talk manager
// and the HTTP control surface into one server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	appconfig "github.com/saker-ai/voice-relay/internal/config"
	apphttp "github.com/saker-ai/voice-relay/internal/http"
	applogger "github.com/saker-ai/voice-relay/internal/logger"
	"github.com/saker-ai/voice-relay/internal/talk"
	"github.com/saker-ai/voice-relay/internal/tools"
	"github.com/saker-ai/voice-relay/internal/transport"
	"github.com/saker-ai/voice-relay/internal/transport/discord"
	"github.com/saker-ai/voice-relay/pkg/audio"
)

// Server is the running relay.
type Server struct {
	cfg     appconfig.Config
	logger  *zap.Logger
	gateway *discord.Gateway
	manager *talk.Manager
	server  *http.Server
}

// New loads configuration from configPath and builds the server.
func New(configPath string) (*Server, error) {
	cfg, err := appconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load relay config: %w", err)
	}

	logger, err := applogger.New(cfg.Log)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	logger.Info("relay config loaded",
		zap.String("config_path", configPath),
		zap.String("root_dir", cfg.RootDir),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("log_level", cfg.Log.Level),
	)
	return Build(cfg, logger)
}

// Build assembles the server from an already loaded config.
func Build(cfg appconfig.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	audio.ConfigureOpus(cfg.Opus)
	logger.Info("opus configured",
		zap.String("backend", audio.OpusBackend()),
		zap.Int("bitrate", cfg.Opus.Bitrate))

	gw, err := discord.NewGateway(cfg.Discord.Token, logger.Named("discord"))
	if err != nil {
		return nil, err
	}

	deps := talk.Deps{
		Gateway: discordVoice{gw: gw},
		Logger:  logger.Named("talk"),
	}
	if client := newOpenAIClient(cfg.OpenAI); client != nil {
		deps.Chat = client
		deps.Images = client
	} else {
		logger.Info("openai api key not set; web_search and generate_image disabled")
	}

	manager := talk.NewManager(talk.Config{
		Agent:   cfg.Agent,
		Policy:  cfg.Reconnect,
		Capture: cfg.Voice,
		Tools: talk.ToolConfig{
			SearchModel: cfg.OpenAI.SearchModel,
			ImageModel:  cfg.OpenAI.ImageModel,
			ImageSize:   cfg.OpenAI.ImageSize,
		},
		TranscriptDir: cfg.TranscriptDir(),
	}, deps)

	router := apphttp.NewRouter(apphttp.Options{
		Sessions:      manager,
		TranscriptDir: cfg.TranscriptDir(),
		Logger:        logger.Named("http"),
	})

	return &Server{
		cfg:     cfg,
		logger:  logger,
		gateway: gw,
		manager: manager,
		server:  &http.Server{Addr: cfg.HTTPAddr, Handler: router},
	}, nil
}

// Run opens the gateway and serves HTTP until Shutdown.
func (s *Server) Run() error {
	if s == nil || s.server == nil {
		return nil
	}
	if err := s.gateway.Open(); err != nil {
		return err
	}
	s.logger.Info("starting http server", zap.String("addr", s.cfg.HTTPAddr))
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if s == nil || s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Manager exposes the talk manager.
func (s *Server) Manager() *talk.Manager {
	if s == nil {
		return nil
	}
	return s.manager
}

// Shutdown ends every talk session, closes the gateway and stops HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	s.manager.StopAll()
	gwErr := s.gateway.Close()
	if gwErr != nil {
		s.logger.Warn("close discord gateway failed", zap.Error(gwErr))
	}
	return errors.Join(ignoreServerClosed(s.server.Shutdown(ctx)), gwErr)
}

func ignoreServerClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newOpenAIClient(cfg appconfig.OpenAIConfig) *openai.Client {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil
	}
	clientCfg := openai.DefaultConfig(key)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = base
	}
	return openai.NewClientWithConfig(clientCfg)
}

// discordVoice adapts the gateway to the talk manager.
type discordVoice struct {
	gw *discord.Gateway
}

func (d discordVoice) Join(ctx context.Context, guildID, channelID string) (transport.Connection, error) {
	conn, err := d.gw.Join(ctx, guildID, channelID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d discordVoice) Notifier(textChannelID string) tools.Notifier {
	if strings.TrimSpace(textChannelID) == "" {
		return nil
	}
	return d.gw.Notifier(textChannelID)
}
