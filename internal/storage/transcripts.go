// Package storage persists talk-session transcripts as JSON files.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

const (
	RoleMetadata = "metadata"
	RoleUser     = "user"
	RoleAgent    = "agent"
)

// TranscriptEntry is one line of a conversation.
type TranscriptEntry struct {
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
}

// TranscriptInfo summarizes one stored transcript.
type TranscriptInfo struct {
	UID         string          `json:"uid"`
	LatestEntry TranscriptEntry `json:"latest_entry"`
	Timestamp   string          `json:"timestamp"`
}

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

// CreateTranscript starts an empty transcript for a guild and returns its uid.
func CreateTranscript(baseDir string, guildID string) (string, error) {
	if guildID == "" {
		return "", errors.New("guild_id is empty")
	}
	dir, err := ensureGuildDir(baseDir, guildID)
	if err != nil {
		return "", err
	}
	uid := time.Now().Format("2006-01-02_15-04-05") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	path := filepath.Join(dir, uid+".json")
	meta := []TranscriptEntry{{Role: RoleMetadata, Timestamp: time.Now().Format(time.RFC3339)}}
	if err := writeTranscript(path, meta); err != nil {
		return "", err
	}
	return uid, nil
}

// GetTranscript returns the conversation entries, without metadata.
func GetTranscript(baseDir string, guildID string, uid string) ([]TranscriptEntry, error) {
	path, err := transcriptPath(baseDir, guildID, uid)
	if err != nil {
		return nil, err
	}
	entries, err := readTranscript(path)
	if err != nil {
		return nil, err
	}
	filtered := []TranscriptEntry{}
	for _, e := range entries {
		if e.Role == RoleMetadata {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

// DeleteTranscript reports whether a transcript was removed.
func DeleteTranscript(baseDir string, guildID string, uid string) bool {
	path, err := transcriptPath(baseDir, guildID, uid)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return os.Remove(path) == nil
}

// ListTranscripts lists a guild's transcripts, newest first. Transcripts
// without entries are skipped.
func ListTranscripts(baseDir string, guildID string) []TranscriptInfo {
	list := []TranscriptInfo{}
	dir, err := ensureGuildDir(baseDir, guildID)
	if err != nil {
		return list
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return list
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		entries, err := readTranscript(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		var latest *TranscriptEntry
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Role == RoleMetadata {
				continue
			}
			e := entries[i]
			latest = &e
			break
		}
		if latest == nil {
			continue
		}
		list = append(list, TranscriptInfo{
			UID:         strings.TrimSuffix(f.Name(), ".json"),
			LatestEntry: *latest,
			Timestamp:   latest.Timestamp,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})
	return list
}

// Recorder appends entries to one transcript file.
type Recorder struct {
	baseDir string
	guildID string
	uid     string

	mu  sync.Mutex
	now func() time.Time
}

// NewRecorder creates a transcript and returns a recorder for it.
func NewRecorder(baseDir, guildID string) (*Recorder, error) {
	uid, err := CreateTranscript(baseDir, guildID)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	return &Recorder{baseDir: baseDir, guildID: guildID, uid: uid, now: time.Now}, nil
}

func (r *Recorder) UID() string { return r.uid }

// Append adds one entry. Empty text is ignored.
func (r *Recorder) Append(role, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	path, err := transcriptPath(r.baseDir, r.guildID, r.uid)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, err := readTranscript(path)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}
	entries = append(entries, TranscriptEntry{
		Role:      role,
		Timestamp: r.now().Format(time.RFC3339Nano),
		Text:      text,
	})
	return writeTranscript(path, entries)
}

func ensureGuildDir(baseDir string, guildID string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeNamePattern.MatchString(guildID) {
		return "", errors.New("invalid guild_id")
	}
	path := filepath.Join(baseDir, guildID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func transcriptPath(baseDir string, guildID string, uid string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeNamePattern.MatchString(guildID) || !safeNamePattern.MatchString(uid) {
		return "", errors.New("invalid transcript path")
	}
	return filepath.Join(baseDir, guildID, uid+".json"), nil
}

func readTranscript(path string) ([]TranscriptEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []TranscriptEntry
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeTranscript(path string, entries []TranscriptEntry) error {
	data, err := sonic.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
