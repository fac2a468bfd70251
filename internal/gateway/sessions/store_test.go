package sessions

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
)

func user(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: content}
}

func contents(msgs []openai.ChatCompletionMessage) string {
	out := ""
	for _, m := range msgs {
		out += m.Content
	}
	return out
}

func TestMemoryStoreKeepsNewestMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(3, time.Hour)
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		if err := s.Append(ctx, "s1", user(c)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if contents(got) != "cde" {
		t.Fatalf("History() = %q, want cde", contents(got))
	}

	other, _ := s.History(ctx, "s2")
	if len(other) != 0 {
		t.Fatalf("unknown session history = %v", other)
	}
}

func TestMemoryStoreExpiresIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(10, time.Minute)
	s.nowFn = func() time.Time { return now }

	_ = s.Append(ctx, "s1", user("hi"))
	now = now.Add(59 * time.Second)
	if got, _ := s.History(ctx, "s1"); len(got) != 1 {
		t.Fatalf("history before ttl = %d messages, want 1", len(got))
	}

	now = now.Add(2 * time.Minute)
	if got, _ := s.History(ctx, "s1"); len(got) != 0 {
		t.Fatalf("history after ttl = %d messages, want 0", len(got))
	}
}

func TestMemoryStoreSweepDropsIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(10, time.Minute)
	s.nowFn = func() time.Time { return now }

	_ = s.Append(ctx, "old", user("a"))
	now = now.Add(50 * time.Second)
	_ = s.Append(ctx, "new", user("b"))

	if removed := s.Sweep(now.Add(30 * time.Second)); removed != 1 {
		t.Fatalf("Sweep() removed %d, want 1", removed)
	}
	if got, _ := s.History(ctx, "new"); len(got) != 1 {
		t.Fatalf("active session swept: %v", got)
	}
}

func TestMemoryStoreClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore(10, 0)
	_ = s.Append(ctx, "s1", user("hi"), user("there"))
	_ = s.Clear(ctx, "s1")
	if got, _ := s.History(ctx, "s1"); len(got) != 0 {
		t.Fatalf("history after Clear = %v", got)
	}
}

type fakeLists struct {
	mu    sync.Mutex
	lists map[string][]string
	ttls  map[string]time.Duration
}

func newFakeLists() *fakeLists {
	return &fakeLists{lists: map[string][]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeLists) AppendList(_ context.Context, key string, values []string, maxLen int, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := append(f.lists[key], values...)
	if maxLen > 0 && len(list) > maxLen {
		list = list[len(list)-maxLen:]
	}
	f.lists[key] = list
	f.ttls[key] = ttl
	return nil
}

func (f *fakeLists) ListRange(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...), nil
}

func (f *fakeLists) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.lists, k)
	}
	return nil
}

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lists := newFakeLists()
	s := NewRedisStore(lists, 2, time.Hour)

	if err := s.Append(ctx, "abc", user("one"), openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "two"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(ctx, "abc", user("three")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := s.History(ctx, "abc")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if contents(got) != "twothree" || got[0].Role != openai.ChatMessageRoleAssistant {
		t.Fatalf("History() = %+v", got)
	}
	if lists.ttls["session:abc"] != time.Hour {
		t.Fatalf("ttl = %s, want 1h", lists.ttls["session:abc"])
	}

	_ = s.Clear(ctx, "abc")
	if got, _ := s.History(ctx, "abc"); len(got) != 0 {
		t.Fatalf("history after Clear = %v", got)
	}
}

func TestRedisStoreRejectsCorruptEntries(t *testing.T) {
	t.Parallel()

	lists := newFakeLists()
	lists.lists["session:bad"] = []string{"{not json"}
	if _, err := NewRedisStore(lists, 0, 0).History(context.Background(), "bad"); err == nil {
		t.Fatal("History() accepted a corrupt entry")
	}
}

func TestStoresSatisfyInterface(t *testing.T) {
	t.Parallel()

	for i, s := range []Store{NewMemoryStore(1, 0), NewRedisStore(newFakeLists(), 1, 0)} {
		if err := s.Append(context.Background(), fmt.Sprint(i), user("x")); err != nil {
			t.Fatalf("store %d Append() error = %v", i, err)
		}
	}
}
