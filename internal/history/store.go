// Package history tracks previously produced topics per channel so idea
// generation never repeats itself within the retention window.
package history

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/factreel/internal/fingerprint"
	"github.com/kalambet/factreel/internal/storage"
)

// Store is the append-only topic history. Reads and compaction for the same
// channel are serialized so a dedup check never observes a half-compacted log.
type Store struct {
	db        *storage.Store
	retention time.Duration
	threshold float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store. retention bounds how far back dedup looks; threshold
// is the Jaccard token-set overlap above which two topics count as the same.
func New(db *storage.Store, retention time.Duration, threshold float64) *Store {
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.6
	}
	return &Store{
		db:        db,
		retention: retention,
		threshold: threshold,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) channelLock(channel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		s.locks[channel] = l
	}
	return l
}

// Record appends a produced topic. Recording the same topic twice is a no-op.
func (s *Store) Record(channel, topic string) error {
	l := s.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	return s.db.AppendHistory(storage.HistoryEntry{
		Channel:     channel,
		Fingerprint: fingerprint.Hash(topic),
		Topic:       topic,
		CreatedAt:   time.Now(),
	})
}

// Contains reports whether the exact fingerprint was recorded for the channel
// within the retention window.
func (s *Store) Contains(channel, fp string) (bool, error) {
	l := s.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	return s.db.HistoryContains(channel, fp, time.Now().Add(-s.retention))
}

// NearDuplicate reports whether any retained topic for the channel overlaps
// the candidate text above the similarity threshold.
func (s *Store) NearDuplicate(channel, text string) (bool, error) {
	l := s.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	entries, err := s.db.ListHistory(channel, time.Now().Add(-s.retention))
	if err != nil {
		return false, fmt.Errorf("listing history: %w", err)
	}
	for _, e := range entries {
		if fingerprint.Jaccard(e.Topic, text) >= s.threshold {
			return true, nil
		}
	}
	return false, nil
}

// RecentTopics returns up to limit most recent retained topics for a channel,
// used as the avoid-list hint for idea generation.
func (s *Store) RecentTopics(channel string, limit int) ([]string, error) {
	l := s.channelLock(channel)
	l.Lock()
	defer l.Unlock()

	entries, err := s.db.ListHistory(channel, time.Now().Add(-s.retention))
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	topics := make([]string, 0, len(entries))
	for _, e := range entries {
		topics = append(topics, e.Topic)
	}
	return topics, nil
}

// Compact drops entries older than the retention window for every channel.
// Each channel is compacted under its own lock so dedup checks elsewhere are
// never interleaved with the delete.
func (s *Store) Compact() {
	channels, err := s.db.HistoryChannels()
	if err != nil {
		slog.Error("history compaction: listing channels", "error", err)
		return
	}
	cutoff := time.Now().Add(-s.retention)
	for _, ch := range channels {
		l := s.channelLock(ch)
		l.Lock()
		n, err := s.db.CompactHistory(ch, cutoff)
		l.Unlock()
		if err != nil {
			slog.Error("history compaction failed", "channel", ch, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("history compacted", "channel", ch, "removed", n)
		}
	}
}

// RunCompaction compacts periodically until ctx is done.
func (s *Store) RunCompaction(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Compact()
		}
	}
}
