// Package history persists the reconciled transcript locally so a cold
// start can show the conversation instantly, before the server snapshot
// arrives. Writes are debounced through a single pending timer.
package history

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/lumohealth/agentlink/internal/chat"
	"github.com/lumohealth/agentlink/internal/logger"
)

// Storage format version for forward compatibility
const cacheVersion = 1

type storedTranscript struct {
	Version  int
	Messages []*chat.Message
}

// Cache writes the transcript for one identity+session to a gob file under
// the history directory
type Cache struct {
	path  string
	delay time.Duration
	log   *logger.Logger

	mu       sync.Mutex
	timer    *time.Timer
	pending  []*chat.Message
	lastHash uint64
}

// New creates a cache for the given identity and session. delay is the
// debounce interval; zero uses 800ms.
func New(dir, identityID, sessionID string, delay time.Duration, log *logger.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if delay <= 0 {
		delay = 800 * time.Millisecond
	}
	if log == nil {
		log = logger.Global()
	}
	return &Cache{
		path:  filepath.Join(dir, identityID+"_"+sessionID+".gob"),
		delay: delay,
		log:   log.WithPrefix("history"),
	}, nil
}

// Schedule records the current transcript and (re)arms the write timer.
// Repeated calls within the debounce window coalesce into one write; an
// unchanged transcript is skipped entirely.
func (c *Cache) Schedule(messages []*chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = messages
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.delay, func() {
		if err := c.Flush(); err != nil {
			c.log.Warn("history write failed: %v", err)
		}
	})
}

// Flush writes the most recently scheduled transcript immediately
func (c *Cache) Flush() error {
	c.mu.Lock()
	msgs := c.pending
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if msgs == nil {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&storedTranscript{
		Version:  cacheVersion,
		Messages: msgs,
	}); err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	hash := xxhash.Sum64(buf.Bytes())
	c.mu.Lock()
	unchanged := hash == c.lastHash
	if !unchanged {
		c.lastHash = hash
	}
	c.mu.Unlock()
	if unchanged {
		return nil
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace transcript: %w", err)
	}
	return nil
}

// Load reads the cached transcript. A missing file yields an empty
// transcript, not an error.
func (c *Cache) Load() ([]*chat.Message, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stored storedTranscript
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	if stored.Version != cacheVersion {
		c.log.Warn("discarding history cache with unknown version %d", stored.Version)
		return nil, nil
	}
	return stored.Messages, nil
}

// Clear removes the cached transcript
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.pending = nil
	c.lastHash = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	err := os.Remove(c.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
