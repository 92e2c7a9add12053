package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventLog keeps delivered events so a reconnecting client can replay them.
type EventLog interface {
	Append(ctx context.Context, ev Event) error
	// Since returns events of streamID with Seq > since, oldest first.
	Since(ctx context.Context, streamID string, since uint64) ([]Event, error)
}

const (
	defaultRingCapacity = 256
	defaultMaxStreams   = 1024
)

// MemoryLog is a process-local EventLog: a fixed-capacity ring per stream,
// evicting the oldest stream once maxStreams is reached.
type MemoryLog struct {
	mu         sync.RWMutex
	history    map[string]*ring
	order      []string
	capacity   int
	maxStreams int
}

// NewMemoryLog creates a log keeping up to capacity events per stream.
func NewMemoryLog(capacity, maxStreams int) *MemoryLog {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	if maxStreams <= 0 {
		maxStreams = defaultMaxStreams
	}
	return &MemoryLog{
		history:    make(map[string]*ring),
		capacity:   capacity,
		maxStreams: maxStreams,
	}
}

func (m *MemoryLog) Append(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[ev.StreamID]
	if rg == nil {
		if len(m.order) >= m.maxStreams {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.history, oldest)
		}
		rg = newRing(m.capacity)
		m.history[ev.StreamID] = rg
		m.order = append(m.order, ev.StreamID)
	}
	rg.push(ev)
	return nil
}

func (m *MemoryLog) Since(_ context.Context, streamID string, since uint64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[streamID]
	if rg == nil {
		return nil, nil
	}
	return rg.since(since), nil
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// RedisLog stores each stream as a capped Redis stream with a TTL, so replay
// works across gateway instances.
type RedisLog struct {
	client *redis.Client
	maxLen int64
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisLog creates a Redis-backed log.
func NewRedisLog(client *redis.Client, maxLen int64, ttl time.Duration, logger *zap.Logger) *RedisLog {
	if maxLen <= 0 {
		maxLen = defaultRingCapacity
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLog{client: client, maxLen: maxLen, ttl: ttl, logger: logger}
}

func streamKey(streamID string) string {
	return fmt.Sprintf("solver:stream:%s", streamID)
}

func (l *RedisLog) Append(ctx context.Context, ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	key := streamKey(ev.StreamID)
	pipe := l.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: l.maxLen,
		Values: map[string]interface{}{
			"seq":     ev.Seq,
			"type":    string(ev.Type),
			"payload": string(payload),
		},
	})
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append stream event: %w", err)
	}
	return nil
}

func (l *RedisLog) Since(ctx context.Context, streamID string, since uint64) ([]Event, error) {
	msgs, err := l.client.XRange(ctx, streamKey(streamID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read stream events: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			l.logger.Debug("Skipping malformed stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}
