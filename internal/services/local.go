package services

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lunahq/quill/internal/models"
)

// LocalStore keeps per-assistant conversation snapshots as JSON files on
// disk, with a hard size cap per snapshot. It backs the offline-style memory
// of each assistant: a refused save is an expected outcome, not an error, and
// the conversation simply continues unpersisted.
type LocalStore struct {
	mu       sync.Mutex
	dir      string
	maxBytes int
}

// NewLocalStore creates the snapshot directory if needed. maxBytes of zero
// means uncapped.
func NewLocalStore(dir string, maxBytes int) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create local store dir: %w", err)
	}
	return &LocalStore{dir: dir, maxBytes: maxBytes}, nil
}

// Save writes a snapshot for the key. It reports false when the snapshot
// exceeds the size cap or the write fails; ephemeral and still-streaming
// messages are dropped before sizing.
func (l *LocalStore) Save(key string, messages []models.Message) bool {
	kept := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Ephemeral || msg.Streaming {
			continue
		}
		kept = append(kept, msg)
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return false
	}
	if l.maxBytes > 0 && len(data) > l.maxBytes {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return false
	}
	return os.Rename(tmp, path) == nil
}

// Load returns the snapshot stored for the key, or nil when there is none or
// it cannot be decoded.
func (l *LocalStore) Load(key string) []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path(key))
	if err != nil {
		return nil
	}

	var messages []models.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil
	}
	return messages
}

func (l *LocalStore) path(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, key)
	return filepath.Join(l.dir, sanitized+".json")
}
