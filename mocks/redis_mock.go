package mocks

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MockRedis provides an in-memory mock for Redis/Valkey operations
type MockRedis struct {
	mu          sync.RWMutex
	queue       []QueueEntry
	subscribers []chan string
	stats       map[string]map[string]string
	podID       string
}

// QueueEntry represents a player mirrored into the matchmaking queue
type QueueEntry struct {
	Identity string `json:"identity"`
	PodID    string `json:"podId"`
	QueuedAt int64  `json:"queuedAt"`
}

var mockRedisInstance *MockRedis
var mockRedisOnce sync.Once

// GetMockRedis returns the singleton mock redis instance
func GetMockRedis() *MockRedis {
	mockRedisOnce.Do(func() {
		mockRedisInstance = NewMockRedis("mock-pod-local")
		log.Info().Msg("[MOCK] In-memory Redis/Valkey initialized for local development")
	})
	return mockRedisInstance
}

// NewMockRedis returns an empty mock bound to podID
func NewMockRedis(podID string) *MockRedis {
	return &MockRedis{
		queue:       make([]QueueEntry, 0),
		subscribers: make([]chan string, 0),
		stats:       make(map[string]map[string]string),
		podID:       podID,
	}
}

// GetPodID returns the mock pod ID
func (m *MockRedis) GetPodID() string {
	return m.podID
}

// AddToQueue adds or replaces a queue entry, kept sorted by QueuedAt like a sorted set
func (m *MockRedis) AddToQueue(identity string, queuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(identity)
	m.queue = append(m.queue, QueueEntry{
		Identity: identity,
		PodID:    m.podID,
		QueuedAt: queuedAt.UnixMilli(),
	})
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].QueuedAt < m.queue[j].QueuedAt
	})

	log.Debug().Str("identity", identity).Int("size", len(m.queue)).Msg("[MOCK] Player added to queue")
	return nil
}

// RemoveFromQueue removes a player from the mock queue
func (m *MockRedis) RemoveFromQueue(identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removeLocked(identity) {
		log.Debug().Str("identity", identity).Int("size", len(m.queue)).Msg("[MOCK] Player removed from queue")
	}
	return nil
}

func (m *MockRedis) removeLocked(identity string) bool {
	for i, entry := range m.queue {
		if entry.Identity == identity {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// GetQueueLength returns the number of players in the mock queue
func (m *MockRedis) GetQueueLength() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.queue))
}

// GetQueueEntries returns all current queue entries (for debugging)
func (m *MockRedis) GetQueueEntries() []QueueEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]QueueEntry, len(m.queue))
	copy(entries, m.queue)
	return entries
}

// Publish sends payload to all subscribers, skipping full ones
func (m *MockRedis) Publish(payload string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subscribers {
		select {
		case sub <- payload:
		default:
			// Channel full, skip
		}
	}
	return nil
}

// Subscribe returns a channel receiving every published payload
func (m *MockRedis) Subscribe() chan string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan string, 10)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe detaches and closes ch
func (m *MockRedis) Unsubscribe(ch chan string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// SetStats replaces the fields of the stats hash at key
func (m *MockRedis) SetStats(key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.stats[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.stats[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// GetStats returns a copy of the stats hash at key
func (m *MockRedis) GetStats(key string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.stats[key]))
	for k, v := range m.stats[key] {
		out[k] = v
	}
	return out
}
