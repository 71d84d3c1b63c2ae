package agent

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultURL              = "wss://api.elevenlabs.io/v1/convai/conversation"
	DefaultOutputFormat     = "pcm_16000"
	DefaultPlayerSampleRate = 48000
	DefaultDialTimeout      = 10 * time.Second
	APIKeyHeader            = "xi-api-key"
)

// Config describes how to reach the conversational agent.
type Config struct {
	URL     string `mapstructure:"url" yaml:"url"`
	AgentID string `mapstructure:"agent_id" yaml:"agent_id"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`

	// OutputFormat is assumed until the server's initiation metadata says
	// otherwise.
	OutputFormat     string            `mapstructure:"output_format" yaml:"output_format"`
	PlayerSampleRate int               `mapstructure:"player_sample_rate" yaml:"player_sample_rate"`
	DialTimeout      time.Duration     `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	DynamicVariables map[string]string `mapstructure:"dynamic_variables" yaml:"dynamic_variables"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if strings.TrimSpace(c.OutputFormat) == "" {
		c.OutputFormat = DefaultOutputFormat
	}
	if c.PlayerSampleRate <= 0 {
		c.PlayerSampleRate = DefaultPlayerSampleRate
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// Endpoint returns the dial URL with the agent id query parameter.
func (c Config) Endpoint() (string, error) {
	raw := c.URL
	if strings.TrimSpace(raw) == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse agent url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("agent url scheme %q, want ws or wss", u.Scheme)
	}
	if c.AgentID != "" {
		q := u.Query()
		q.Set("agent_id", c.AgentID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
