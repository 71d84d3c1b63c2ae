package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conf.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(rootDirEnv, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.HTTPAddr != ":8101" {
		t.Fatalf("http_addr=%q, want :8101", cfg.HTTPAddr)
	}
	if cfg.Reconnect.MaxRejoinAttempts != 5 || cfg.Reconnect.BackoffStep != 5*time.Second {
		t.Fatalf("reconnect=%+v", cfg.Reconnect)
	}
	if cfg.Reconnect.ForcedCloseCode != 4014 || cfg.Reconnect.RecoveryWindow != 5*time.Second {
		t.Fatalf("reconnect=%+v", cfg.Reconnect)
	}
	if cfg.Agent.DialTimeout != 10*time.Second {
		t.Fatalf("dial_timeout=%v, want 10s", cfg.Agent.DialTimeout)
	}
	if cfg.Voice.SampleRate != 48000 || cfg.Voice.AgentSampleRate != 16000 {
		t.Fatalf("voice=%+v", cfg.Voice)
	}
	if !filepath.IsAbs(cfg.Transcripts.Dir) {
		t.Fatalf("transcripts dir %q not absolute", cfg.Transcripts.Dir)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConf(t, strings.Join([]string{
		"http_addr: \"127.0.0.1:9000\"",
		"agent:",
		"  agent_id: agent-1",
		"  dynamic_variables:",
		"    user_name: sam",
		"reconnect:",
		"  max_rejoin_attempts: 3",
		"  backoff_step: 2s",
		"transcripts:",
		"  enabled: false",
	}, "\n"))
	t.Setenv(rootDirEnv, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("http_addr=%q", cfg.HTTPAddr)
	}
	if cfg.Agent.AgentID != "agent-1" || cfg.Agent.DynamicVariables["user_name"] != "sam" {
		t.Fatalf("agent=%+v", cfg.Agent)
	}
	if cfg.Reconnect.MaxRejoinAttempts != 3 || cfg.Reconnect.BackoffStep != 2*time.Second {
		t.Fatalf("reconnect=%+v", cfg.Reconnect)
	}
	if cfg.Reconnect.ForcedCloseCode != 4014 {
		t.Fatalf("forced_close_code=%d, want default 4014", cfg.Reconnect.ForcedCloseCode)
	}
	if cfg.RootDir != filepath.Dir(path) {
		t.Fatalf("root=%q, want %q", cfg.RootDir, filepath.Dir(path))
	}
	if got := cfg.TranscriptDir(); got != "" {
		t.Fatalf("TranscriptDir=%q, want empty when disabled", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(rootDirEnv, t.TempDir())
	t.Setenv("RELAY_DISCORD_TOKEN", "tok")
	t.Setenv("RELAY_AGENT_AGENT_ID", "from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if cfg.Discord.Token != "tok" || cfg.Agent.AgentID != "from-env" {
		t.Fatalf("discord=%+v agent_id=%q", cfg.Discord, cfg.Agent.AgentID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load err=nil, want error for missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv(rootDirEnv, t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate err=nil, want missing token and agent id")
	}
	for _, want := range []string{"discord.token", "agent.agent_id"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Validate err=%v, want mention of %s", err, want)
		}
	}

	cfg.Discord.Token = "tok"
	cfg.Agent.AgentID = "a"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate err=%v, want nil", err)
	}
	cfg.Agent.URL = "http://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate err=nil, want scheme error")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Config{}
	cfg.Discord.Token = "secret"
	cfg.Agent.APIKey = "key"

	out := cfg.Redacted()
	if out.Discord.Token != redactedVal || out.Agent.APIKey != redactedVal {
		t.Fatalf("redacted=%+v", out)
	}
	if out.OpenAI.APIKey != "" {
		t.Fatalf("empty secret became %q", out.OpenAI.APIKey)
	}
	if cfg.Discord.Token != "secret" {
		t.Fatal("Redacted mutated the original")
	}
}
