// session.go implements the cross-turn conversation memory the CLI driver
// keeps around a terminal or one-shot invocation. It is deliberately
// separate from AgentRun's per-ask protocol message list: a Session
// only remembers the user/assistant text pairs needed to compose the next
// prompt, while tool_calls/tool-result pairing within a single ask() lives
// entirely inside agent.go's chatMessage slice and never crosses a Session
// boundary.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxHistory is the default number of conversation entries kept per session.
const DefaultMaxHistory = 100

// DefaultSessionTTL is how long a session may sit idle before Prune reclaims it.
const DefaultSessionTTL = 24 * time.Hour

// Session holds the conversation memory for one addressable turn-engine
// stream: the interactive/one-shot CLI ("cli", "terminal") today, and
// room for future non-interactive surfaces without changing the shape.
type Session struct {
	// ID is the session's unique key (Surface+Stream, hashed).
	ID string

	// Surface identifies where the instructions originate (e.g. "cli").
	Surface string

	// Stream identifies the conversation within Surface (e.g. "terminal").
	Stream string

	// config holds per-session overrides of engine behavior.
	config SessionConfig

	// history is the session's running log of exchanges.
	history []ConversationEntry

	// maxHistory bounds history to avoid unbounded memory growth.
	maxHistory int

	// Token tracking (thread-safe via mu).
	totalPromptTokens     int
	totalCompletionTokens int
	totalRequests         int

	// CreatedAt is when the session was first created.
	CreatedAt time.Time

	// lastActiveAt is the last time a message was added.
	lastActiveAt time.Time

	mu sync.RWMutex
}

// SessionConfig holds per-session behavioral overrides.
type SessionConfig struct {
	// MaxTokens is this session's token budget, overriding the global default.
	MaxTokens int `yaml:"max_tokens"`

	// Model overrides the configured model for this session.
	Model string `yaml:"model"`

	// ThinkingLevel controls extended thinking: "", "off", "low", "medium", "high".
	ThinkingLevel string `yaml:"thinking_level"`

	// Verbose enables narration of tool calls and internal steps.
	Verbose bool `yaml:"verbose"`
}

// ConversationEntry is one user/assistant exchange in a session's history.
type ConversationEntry struct {
	UserMessage       string
	AssistantResponse string
	Timestamp         time.Time
}

// AddMessage appends an exchange to the session history, trimming to
// maxHistory if needed.
func (s *Session) AddMessage(userMsg, assistantResp string) {
	entry := ConversationEntry{
		UserMessage:       userMsg,
		AssistantResponse: assistantResp,
		Timestamp:         time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)

	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	s.lastActiveAt = time.Now()
}

// RecentHistory returns a thread-safe copy of the last maxEntries exchanges.
func (s *Session) RecentHistory(maxEntries int) []ConversationEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.history) <= maxEntries {
		result := make([]ConversationEntry, len(s.history))
		copy(result, s.history)
		return result
	}

	start := len(s.history) - maxEntries
	result := make([]ConversationEntry, maxEntries)
	copy(result, s.history[start:])
	return result
}

// GetConfig returns a thread-safe copy of the session config.
func (s *Session) GetConfig() SessionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig replaces the session config.
func (s *Session) SetConfig(cfg SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
}

// LastActiveAt returns the last-activity timestamp.
func (s *Session) LastActiveAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActiveAt
}

// ClearHistory drops the session's conversation history. Used by /clear.
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// HistoryLen returns the number of entries currently held.
func (s *Session) HistoryLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

// AddTokenUsage records token usage from an LLM response. Thread-safe.
func (s *Session) AddTokenUsage(promptTokens, completionTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalPromptTokens += promptTokens
	s.totalCompletionTokens += completionTokens
	s.totalRequests++
}

// GetTokenUsage returns a copy of the token usage. Thread-safe.
func (s *Session) GetTokenUsage() (promptTokens, completionTokens, requests int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalPromptTokens, s.totalCompletionTokens, s.totalRequests
}

// ResetTokenUsage clears token counters. Thread-safe.
func (s *Session) ResetTokenUsage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalPromptTokens = 0
	s.totalCompletionTokens = 0
	s.totalRequests = 0
}

// GetThinkingLevel returns the session thinking level. Thread-safe.
func (s *Session) GetThinkingLevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.ThinkingLevel
}

// SetThinkingLevel sets the session thinking level. Thread-safe.
func (s *Session) SetThinkingLevel(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.ThinkingLevel = level
}

// CompactHistory replaces all but the most recent keepRecent entries with a
// single summary entry, returning the replaced entries.
func (s *Session) CompactHistory(summary string, keepRecent int) []ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) <= keepRecent {
		return nil
	}

	cutoff := len(s.history) - keepRecent
	old := make([]ConversationEntry, cutoff)
	copy(old, s.history[:cutoff])

	recent := make([]ConversationEntry, keepRecent+1)
	recent[0] = ConversationEntry{
		UserMessage:       "[session compacted]",
		AssistantResponse: summary,
		Timestamp:         time.Now(),
	}
	copy(recent[1:], s.history[cutoff:])

	s.history = recent
	return old
}

// SessionStore creates and recovers sessions by (surface, stream), pruning
// idle ones on a timer.
type SessionStore struct {
	sessions   map[string]*Session
	sessionTTL time.Duration
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewSessionStore creates an empty session store.
func NewSessionStore(logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionStore{
		sessions:   make(map[string]*Session),
		sessionTTL: DefaultSessionTTL,
		logger:     logger,
	}
}

// GetOrCreate returns the existing session for (surface, stream), creating
// one if it doesn't exist yet.
func (ss *SessionStore) GetOrCreate(surface, stream string) *Session {
	key := sessionKey(surface, stream)

	ss.mu.RLock()
	if session, exists := ss.sessions[key]; exists {
		ss.mu.RUnlock()
		return session
	}
	ss.mu.RUnlock()

	ss.mu.Lock()
	defer ss.mu.Unlock()

	// Re-check after acquiring the write lock to avoid a racing create.
	if session, exists := ss.sessions[key]; exists {
		return session
	}

	session := &Session{
		ID:           key,
		Surface:      surface,
		Stream:       stream,
		history:      []ConversationEntry{},
		maxHistory:   DefaultMaxHistory,
		CreatedAt:    time.Now(),
		lastActiveAt: time.Now(),
	}
	ss.sessions[key] = session
	ss.logger.Debug("session created", "surface", surface, "stream", stream)

	return session
}

// Get returns the session for (surface, stream), or nil if none exists.
func (ss *SessionStore) Get(surface, stream string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[sessionKey(surface, stream)]
}

// GetByID returns the session with the given flat ID (as stored in
// Session.ID), or nil if none exists. The store's map key is already this
// same ID, so this is a direct lookup.
func (ss *SessionStore) GetByID(id string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[id]
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// Prune removes sessions idle longer than the configured TTL, returning
// the number removed.
func (ss *SessionStore) Prune() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	cutoff := time.Now().Add(-ss.sessionTTL)
	pruned := 0

	for key, session := range ss.sessions {
		if session.LastActiveAt().Before(cutoff) {
			delete(ss.sessions, key)
			pruned++
		}
	}

	if pruned > 0 {
		ss.logger.Info("pruned idle sessions", "pruned", pruned, "remaining", len(ss.sessions))
	}

	return pruned
}

// StartPruner runs Prune on a timer until ctx is cancelled.
func (ss *SessionStore) StartPruner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ss.sessionTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ss.Prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Delete removes the session for (surface, stream), returning whether one existed.
func (ss *SessionStore) Delete(surface, stream string) bool {
	key := sessionKey(surface, stream)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, exists := ss.sessions[key]; exists {
		delete(ss.sessions, key)
		ss.logger.Info("session deleted", "surface", surface, "stream", stream)
		return true
	}
	return false
}

// SessionKey is a structured session identifier that hashes down to a
// compact, PII-free map key and file-name-safe string.
type SessionKey struct {
	Surface string // "cli", "anton", etc.
	Stream  string // terminal name, task key, or other stream identifier.
}

// String returns the canonical "surface:stream" form.
func (sk SessionKey) String() string {
	return sk.Surface + ":" + sk.Stream
}

// Hash returns a compact hash suitable for map keys and file names.
func (sk SessionKey) Hash() string {
	h := sha256.Sum256([]byte(sk.String()))
	return hex.EncodeToString(h[:8])
}

// MakeSessionID returns a compact hash-based session ID from surface and stream.
func MakeSessionID(surface, stream string) string {
	return SessionKey{Surface: surface, Stream: stream}.Hash()
}

func sessionKey(surface, stream string) string {
	return MakeSessionID(surface, stream)
}
