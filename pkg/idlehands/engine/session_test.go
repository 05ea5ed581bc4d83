package engine

import (
	"sync"
	"testing"
	"time"
)

func TestSessionKey_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sk   SessionKey
		want string
	}{
		{SessionKey{Surface: "cli", Stream: "terminal"}, "cli:terminal"},
		{SessionKey{Surface: "anton", Stream: "task-7"}, "anton:task-7"},
		{SessionKey{Stream: "only"}, ":only"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := tt.sk.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionKey_Hash_Deterministic(t *testing.T) {
	t.Parallel()
	sk := SessionKey{Surface: "cli", Stream: "terminal"}
	h1 := sk.Hash()
	h2 := sk.Hash()
	if h1 != h2 {
		t.Errorf("same key should produce same hash: %q != %q", h1, h2)
	}
	if h1 == "" {
		t.Error("hash should not be empty")
	}
}

func TestSessionKey_Hash_Different(t *testing.T) {
	t.Parallel()
	sk1 := SessionKey{Surface: "cli", Stream: "terminal"}
	sk2 := SessionKey{Surface: "cli", Stream: "other"}
	if sk1.Hash() == sk2.Hash() {
		t.Error("different keys should produce different hashes")
	}
}

func TestMakeSessionID(t *testing.T) {
	t.Parallel()
	id := MakeSessionID("cli", "terminal")
	if id == "" {
		t.Error("MakeSessionID should return non-empty string")
	}
	id2 := MakeSessionID("cli", "terminal")
	if id != id2 {
		t.Error("MakeSessionID should be deterministic")
	}
	id3 := MakeSessionID("cli", "other")
	if id == id3 {
		t.Error("different inputs should produce different IDs")
	}
}

// Session struct tests

func TestSessionAddMessage(t *testing.T) {
	s := &Session{
		ID:         "test-session",
		Surface:    "cli",
		Stream:     "terminal",
		maxHistory: 100,
	}

	t.Run("adds message to history", func(t *testing.T) {
		s.AddMessage("list the files here", "found 3 files")

		if len(s.history) != 1 {
			t.Errorf("expected 1 history entry, got %d", len(s.history))
		}

		entry := s.history[0]
		if entry.UserMessage != "list the files here" {
			t.Errorf("expected user message %q, got %q", "list the files here", entry.UserMessage)
		}
		if entry.AssistantResponse != "found 3 files" {
			t.Errorf("expected assistant response %q, got %q", "found 3 files", entry.AssistantResponse)
		}
	})

	t.Run("updates lastActiveAt", func(t *testing.T) {
		before := s.lastActiveAt
		time.Sleep(10 * time.Millisecond)
		s.AddMessage("another", "response")

		if !s.lastActiveAt.After(before) {
			t.Error("expected lastActiveAt to be updated")
		}
	})
}

func TestSessionHistoryLimit(t *testing.T) {
	s := &Session{
		ID:         "test-session",
		maxHistory: 5,
	}

	t.Run("trims history when exceeding limit", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			s.AddMessage("msg", "resp")
		}

		if len(s.history) != 5 {
			t.Errorf("expected history to be trimmed to 5, got %d", len(s.history))
		}
	})

	t.Run("keeps most recent messages", func(t *testing.T) {
		if s.HistoryLen() != 5 {
			t.Errorf("expected 5 entries, got %d", s.HistoryLen())
		}
	})
}

func TestSessionRecentHistory(t *testing.T) {
	s := &Session{
		ID:         "test-session",
		maxHistory: 100,
	}

	for i := 0; i < 10; i++ {
		s.AddMessage("msg", "resp")
	}

	t.Run("returns all when maxEntries > history", func(t *testing.T) {
		recent := s.RecentHistory(20)
		if len(recent) != 10 {
			t.Errorf("expected 10 entries, got %d", len(recent))
		}
	})

	t.Run("returns last N entries", func(t *testing.T) {
		recent := s.RecentHistory(3)
		if len(recent) != 3 {
			t.Errorf("expected 3 entries, got %d", len(recent))
		}
	})

	t.Run("returns copy not reference", func(t *testing.T) {
		recent := s.RecentHistory(3)
		recent[0].UserMessage = "modified"

		if s.history[len(s.history)-3].UserMessage == "modified" {
			t.Error("expected original history to be unchanged")
		}
	})
}

func TestSessionConfig(t *testing.T) {
	s := &Session{
		ID: "test-session",
	}

	t.Run("sets and gets config", func(t *testing.T) {
		cfg := SessionConfig{
			MaxTokens:     4000,
			Model:         "qwen3-coder",
			ThinkingLevel: "medium",
			Verbose:       true,
		}

		s.SetConfig(cfg)
		got := s.GetConfig()

		if got.MaxTokens != cfg.MaxTokens {
			t.Errorf("expected maxTokens %d, got %d", cfg.MaxTokens, got.MaxTokens)
		}
		if got.Model != cfg.Model {
			t.Errorf("expected model %q, got %q", cfg.Model, got.Model)
		}
		if got.ThinkingLevel != cfg.ThinkingLevel {
			t.Errorf("expected thinking level %q, got %q", cfg.ThinkingLevel, got.ThinkingLevel)
		}
		if got.Verbose != cfg.Verbose {
			t.Errorf("expected verbose %v, got %v", cfg.Verbose, got.Verbose)
		}
	})
}

func TestSessionTokenUsage(t *testing.T) {
	s := &Session{
		ID: "test-session",
	}

	t.Run("tracks token usage", func(t *testing.T) {
		s.AddTokenUsage(100, 50)
		s.AddTokenUsage(200, 75)

		prompt, completion, requests := s.GetTokenUsage()

		if prompt != 300 {
			t.Errorf("expected 300 prompt tokens, got %d", prompt)
		}
		if completion != 125 {
			t.Errorf("expected 125 completion tokens, got %d", completion)
		}
		if requests != 2 {
			t.Errorf("expected 2 requests, got %d", requests)
		}
	})

	t.Run("resets token usage", func(t *testing.T) {
		s.ResetTokenUsage()
		prompt, completion, requests := s.GetTokenUsage()

		if prompt != 0 || completion != 0 || requests != 0 {
			t.Error("expected all token usage to be reset to 0")
		}
	})
}

func TestSessionThinkingLevel(t *testing.T) {
	s := &Session{
		ID: "test-session",
		config: SessionConfig{
			ThinkingLevel: "low",
		},
	}

	t.Run("gets thinking level", func(t *testing.T) {
		level := s.GetThinkingLevel()
		if level != "low" {
			t.Errorf("expected thinking level 'low', got %q", level)
		}
	})

	t.Run("sets thinking level", func(t *testing.T) {
		s.SetThinkingLevel("high")
		level := s.GetThinkingLevel()
		if level != "high" {
			t.Errorf("expected thinking level 'high', got %q", level)
		}
	})
}

func TestSessionCompactHistory(t *testing.T) {
	s := &Session{
		ID:         "test-session",
		maxHistory: 100,
	}

	for i := 0; i < 20; i++ {
		s.AddMessage("msg", "resp")
	}

	t.Run("compacts history with summary", func(t *testing.T) {
		old := s.CompactHistory("summary of earlier turns", 5)

		if len(old) != 15 {
			t.Errorf("expected 15 old entries returned, got %d", len(old))
		}

		if s.HistoryLen() != 6 {
			t.Errorf("expected 6 entries after compact, got %d", s.HistoryLen())
		}

		if s.history[0].UserMessage != "[session compacted]" {
			t.Errorf("expected summary entry, got %q", s.history[0].UserMessage)
		}
		if s.history[0].AssistantResponse != "summary of earlier turns" {
			t.Errorf("expected summary text, got %q", s.history[0].AssistantResponse)
		}
	})

	t.Run("returns nil when nothing to compact", func(t *testing.T) {
		old := s.CompactHistory("another summary", 10)
		if old != nil {
			t.Error("expected nil when keeping more than history size")
		}
	})
}

func TestSessionClearHistory(t *testing.T) {
	s := &Session{
		ID: "test-session",
	}

	for i := 0; i < 5; i++ {
		s.AddMessage("msg", "resp")
	}

	t.Run("clears history", func(t *testing.T) {
		s.ClearHistory()
		if s.HistoryLen() != 0 {
			t.Errorf("expected 0 entries after clear, got %d", s.HistoryLen())
		}
	})
}

func TestSessionConcurrency(t *testing.T) {
	s := &Session{
		ID:         "test-session",
		maxHistory: 1000,
	}

	var wg sync.WaitGroup
	numOps := 100

	t.Run("concurrent AddMessage is safe", func(t *testing.T) {
		for i := 0; i < numOps; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				s.AddMessage("msg", "resp")
			}(i)
		}
		wg.Wait()

		if s.HistoryLen() != numOps {
			t.Errorf("expected %d entries, got %d", numOps, s.HistoryLen())
		}
	})

	t.Run("concurrent reads are safe", func(t *testing.T) {
		for i := 0; i < numOps; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.RecentHistory(10)
				_, _, _ = s.GetTokenUsage()
			}()
		}
		wg.Wait()
	})
}

func TestSessionLastActiveAt(t *testing.T) {
	s := &Session{
		ID:           "test-session",
		lastActiveAt: time.Now().Add(-1 * time.Hour),
	}

	before := s.LastActiveAt()
	s.AddMessage("test", "test")
	after := s.LastActiveAt()

	if !after.After(before) {
		t.Error("expected LastActiveAt to be updated after AddMessage")
	}
}

// SessionStore tests

func TestSessionStore_GetOrCreate(t *testing.T) {
	store := NewSessionStore(nil)

	s1 := store.GetOrCreate("cli", "terminal")
	s2 := store.GetOrCreate("cli", "terminal")

	if s1 != s2 {
		t.Error("expected GetOrCreate to return the same session for the same key")
	}
	if store.Count() != 1 {
		t.Errorf("expected 1 session, got %d", store.Count())
	}
}

func TestSessionStore_GetAndDelete(t *testing.T) {
	store := NewSessionStore(nil)
	store.GetOrCreate("anton", "task-1")

	if store.Get("anton", "task-1") == nil {
		t.Fatal("expected session to exist")
	}
	if !store.Delete("anton", "task-1") {
		t.Error("expected Delete to report success")
	}
	if store.Get("anton", "task-1") != nil {
		t.Error("expected session to be gone after Delete")
	}
	if store.Delete("anton", "task-1") {
		t.Error("expected second Delete to report no-op")
	}
}

func TestSessionStore_Prune(t *testing.T) {
	store := NewSessionStore(nil)
	store.sessionTTL = time.Millisecond

	store.GetOrCreate("cli", "terminal")
	time.Sleep(5 * time.Millisecond)

	if n := store.Prune(); n != 1 {
		t.Errorf("expected 1 pruned session, got %d", n)
	}
	if store.Count() != 0 {
		t.Errorf("expected 0 sessions remaining, got %d", store.Count())
	}
}
