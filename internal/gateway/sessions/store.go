package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Store keeps the conversation history behind an X-Session-ID.
type Store interface {
	History(ctx context.Context, sessionID string) ([]openai.ChatCompletionMessage, error)
	Append(ctx context.Context, sessionID string, messages ...openai.ChatCompletionMessage) error
	Clear(ctx context.Context, sessionID string) error
}

type memorySession struct {
	messages []openai.ChatCompletionMessage
	touched  time.Time
}

// MemoryStore is a process-local Store. Sessions idle for longer than ttl
// are dropped on access.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	maxLen   int
	ttl      time.Duration
	nowFn    func() time.Time
}

// NewMemoryStore creates a store keeping at most maxLen messages per session.
func NewMemoryStore(maxLen int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		maxLen:   maxLen,
		ttl:      ttl,
		nowFn:    time.Now,
	}
}

func (s *MemoryStore) live(sessionID string, now time.Time) *memorySession {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.ttl > 0 && now.Sub(sess.touched) > s.ttl {
		delete(s.sessions, sessionID)
		return nil
	}
	return sess
}

func (s *MemoryStore) History(_ context.Context, sessionID string) ([]openai.ChatCompletionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.live(sessionID, s.nowFn())
	if sess == nil {
		return nil, nil
	}
	return append([]openai.ChatCompletionMessage(nil), sess.messages...), nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, messages ...openai.ChatCompletionMessage) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	sess := s.live(sessionID, now)
	if sess == nil {
		sess = &memorySession{}
		s.sessions[sessionID] = sess
	}
	sess.messages = append(sess.messages, messages...)
	if s.maxLen > 0 && len(sess.messages) > s.maxLen {
		sess.messages = append([]openai.ChatCompletionMessage(nil), sess.messages[len(sess.messages)-s.maxLen:]...)
	}
	sess.touched = now
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Sweep drops sessions idle for longer than ttl and reports how many.
func (s *MemoryStore) Sweep(now time.Time) int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.touched) > s.ttl {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.nowFn())
		}
	}
}

// ListClient is the subset of the shared redis client used for history.
type ListClient interface {
	AppendList(ctx context.Context, key string, values []string, maxLen int, ttl time.Duration) error
	ListRange(ctx context.Context, key string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisStore keeps each session as a capped redis list of JSON messages.
type RedisStore struct {
	client ListClient
	maxLen int
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed store.
func NewRedisStore(client ListClient, maxLen int, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, maxLen: maxLen, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func (s *RedisStore) History(ctx context.Context, sessionID string) ([]openai.ChatCompletionMessage, error) {
	items, err := s.client.ListRange(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(items))
	for _, item := range items {
		var msg openai.ChatCompletionMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("corrupt message in session %s: %w", sessionID, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, messages ...openai.ChatCompletionMessage) error {
	values := make([]string, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode session message: %w", err)
		}
		values = append(values, string(data))
	}
	if err := s.client.AppendList(ctx, sessionKey(sessionID), values, s.maxLen, s.ttl); err != nil {
		return fmt.Errorf("failed to append to session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKey(sessionID))
}
