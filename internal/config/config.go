package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	appdefaults "github.com/saker-ai/voice-relay/config"
	"github.com/saker-ai/voice-relay/internal/agent"
	"github.com/saker-ai/voice-relay/internal/logger"
	"github.com/saker-ai/voice-relay/internal/talk"
	"github.com/saker-ai/voice-relay/internal/voice"
	"github.com/saker-ai/voice-relay/pkg/audio"
)

const (
	envPrefix   = "relay"
	rootDirEnv  = "RELAY_ROOT_DIR"
	redactedVal = "<redacted>"
)

// DiscordConfig holds the bot credentials.
type DiscordConfig struct {
	Token string `mapstructure:"token" yaml:"token"`
}

// OpenAIConfig backs the web_search and generate_image tools. Both are
// disabled without an api key.
type OpenAIConfig struct {
	APIKey      string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string `mapstructure:"base_url" yaml:"base_url"`
	SearchModel string `mapstructure:"search_model" yaml:"search_model"`
	ImageModel  string `mapstructure:"image_model" yaml:"image_model"`
	ImageSize   string `mapstructure:"image_size" yaml:"image_size"`
}

// TranscriptsConfig controls conversation persistence.
type TranscriptsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// Config is the full process configuration.
type Config struct {
	RootDir     string             `mapstructure:"-" yaml:"-"`
	HTTPAddr    string             `mapstructure:"http_addr" yaml:"http_addr"`
	Discord     DiscordConfig      `mapstructure:"discord" yaml:"discord"`
	Agent       agent.Config       `mapstructure:"agent" yaml:"agent"`
	Voice       talk.CaptureConfig `mapstructure:"voice" yaml:"voice"`
	Reconnect   voice.Policy       `mapstructure:"reconnect" yaml:"reconnect"`
	OpenAI      OpenAIConfig       `mapstructure:"openai" yaml:"openai"`
	Transcripts TranscriptsConfig  `mapstructure:"transcripts" yaml:"transcripts"`
	Opus        audio.OpusOptions  `mapstructure:"opus" yaml:"opus"`
	Log         logger.Config      `mapstructure:"log" yaml:"log"`
}

// Load reads the embedded defaults, merges configPath (or conf.yaml found
// near the working directory when empty) and applies RELAY_* env overrides.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var rootDir string
	if path := strings.TrimSpace(configPath); path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, err
		}
		rootDir = rootFromEnv()
		if rootDir == "" {
			rootDir = filepath.Dir(absPath)
			if filepath.Base(rootDir) == "config" {
				rootDir = filepath.Dir(rootDir)
			}
		}
		v.SetConfigFile(absPath)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", absPath, err)
		}
	} else {
		var err error
		rootDir, err = resolveRootDir()
		if err != nil {
			return Config{}, err
		}
		v.SetConfigName("conf")
		v.AddConfigPath(rootDir)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.RootDir = rootDir
	derivePaths(&cfg)
	return cfg, nil
}

// Validate reports settings the relay cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Discord.Token) == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if strings.TrimSpace(c.Agent.AgentID) == "" {
		errs = append(errs, errors.New("agent.agent_id is required"))
	}
	if _, err := c.Agent.Endpoint(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	out.Discord.Token = redact(c.Discord.Token)
	out.Agent.APIKey = redact(c.Agent.APIKey)
	out.OpenAI.APIKey = redact(c.OpenAI.APIKey)
	return out
}

// TranscriptDir is empty when transcripts are disabled.
func (c Config) TranscriptDir() string {
	if !c.Transcripts.Enabled {
		return ""
	}
	return c.Transcripts.Dir
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return redactedVal
}

func rootFromEnv() string {
	root := strings.TrimSpace(os.Getenv(rootDirEnv))
	if root == "" {
		return ""
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return root
	}
	return abs
}

func resolveRootDir() (string, error) {
	if root := rootFromEnv(); root != "" {
		return root, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.Transcripts.Dir = resolvePath(cfg.RootDir, cfg.Transcripts.Dir, filepath.Join("data", "transcripts"))
	if cfg.Log.File.Enabled {
		cfg.Log.File.Path = resolvePath(cfg.RootDir, cfg.Log.File.Path, filepath.Join("data", "logs"))
	}
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
