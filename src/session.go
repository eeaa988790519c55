package elmer

/*------------------------------------------------------------------
 *
 * Name:	session
 *
 * Purpose:	Per-callsign conversation state: bounded message
 *		history, authentication flag, operator info.
 *
 * Description:	A session is keyed by base callsign, so the same
 *		operator connecting over AX.25 and telnet shares one
 *		conversation.  History is a strict FIFO ring bounded by
 *		max_context_messages; the oldest exchange falls off so
 *		the LLM prompt cannot grow without bound on a 1200-baud
 *		link (or anywhere else).
 *
 *		Sessions do not reference their connections.  Transports
 *		look sessions up by callsign, never the other way
 *		around, so a dropped RF link leaves the conversation
 *		resumable.
 *
 *---------------------------------------------------------------*/

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// ChatTurn is one entry of a session's history.
type ChatTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

// OperatorInfo is what the directory lookup knows about a licensee.
type OperatorInfo struct {
	Callsign     string
	FullName     string
	FirstName    string
	City         string
	State        string
	Country      string
	Grid         string
	LicenseClass string
}

// Session is one operator's conversation.  All fields are guarded by
// the owning SessionStore's lock.
type Session struct {
	Callsign      string
	messages      []ChatTurn
	maxMessages   int
	CreatedAt     time.Time
	LastActivity  time.Time
	QueryCount    int
	Authenticated bool
	Operator      *OperatorInfo
}

func (s *Session) addMessage(role, content string) {
	s.messages = append(s.messages, ChatTurn{Role: role, Content: content})

	if len(s.messages) > s.maxMessages {
		s.messages = s.messages[len(s.messages)-s.maxMessages:]
	}

	s.LastActivity = time.Now()

	if role == "user" {
		s.QueryCount++
	}
}

// SessionStore owns every live session.  One coarse lock; every
// operation is a quick map-and-slice touch.
type SessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxMessages int
	log         *log.Logger
}

func NewSessionStore(maxContextMessages int, logger *log.Logger) *SessionStore {
	if logger == nil {
		logger = log.Default()
	}

	return &SessionStore{
		sessions:    make(map[string]*Session),
		maxMessages: maxContextMessages,
		log:         logger.WithPrefix("session"),
	}
}

// Get returns the session for callsign, creating it on first use.
func (st *SessionStore) Get(callsign string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.getLocked(NormalizeCallsign(callsign))
}

func (st *SessionStore) getLocked(key string) *Session {
	var s, ok = st.sessions[key]
	if !ok {
		s = &Session{
			Callsign:     key,
			maxMessages:  st.maxMessages,
			CreatedAt:    time.Now(),
			LastActivity: time.Now(),
		}
		st.sessions[key] = s
		st.log.Info("new session", "callsign", key)
	}

	return s
}

// AddUserMessage appends a user turn, evicting FIFO at the bound.
func (st *SessionStore) AddUserMessage(callsign, content string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.getLocked(NormalizeCallsign(callsign)).addMessage("user", content)
}

// AddAssistantMessage appends an assistant turn.
func (st *SessionStore) AddAssistantMessage(callsign, content string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.getLocked(NormalizeCallsign(callsign)).addMessage("assistant", content)
}

// History returns a copy of the session's turns, oldest first.
func (st *SessionStore) History(callsign string) []ChatTurn {
	st.mu.Lock()
	defer st.mu.Unlock()

	var s = st.getLocked(NormalizeCallsign(callsign))

	var out = make([]ChatTurn, len(s.messages))
	copy(out, s.messages)

	return out
}

// Clear wipes the conversation but keeps authentication and operator
// info: "clear" forgets what was said, not who is talking.
func (st *SessionStore) Clear(callsign string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var key = NormalizeCallsign(callsign)

	if s, ok := st.sessions[key]; ok {
		s.messages = nil
		s.LastActivity = time.Now()
		st.log.Info("cleared history", "callsign", key)
	}
}

// Remove drops the whole session.
func (st *SessionStore) Remove(callsign string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var key = NormalizeCallsign(callsign)

	if _, ok := st.sessions[key]; ok {
		delete(st.sessions, key)
		st.log.Info("removed session", "callsign", key)
	}
}

// Rekey moves a session from one key to another under the store lock.
// Used when a telnet connection authenticates: state accumulated under
// the "ip:port" placeholder follows the operator to their callsign.
// If a session already exists at the new key it is kept and the old
// one discarded.
func (st *SessionStore) Rekey(oldKey, newCallsign string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var newKey = NormalizeCallsign(newCallsign)

	var old, ok = st.sessions[oldKey]
	if !ok {
		return
	}

	delete(st.sessions, oldKey)

	if _, exists := st.sessions[newKey]; exists {
		return
	}

	old.Callsign = newKey
	st.sessions[newKey] = old
}

// Authenticate marks the session verified and attaches directory info.
func (st *SessionStore) Authenticate(callsign string, info *OperatorInfo) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var s = st.getLocked(NormalizeCallsign(callsign))
	s.Authenticated = true
	s.Operator = info
	s.LastActivity = time.Now()

	var name = ""
	if info != nil {
		name = info.FullName
	}

	st.log.Info("session authenticated", "callsign", s.Callsign, "name", name)
}

// SessionView is a copy of one session's scalar state for display.
type SessionView struct {
	Callsign      string
	Messages      int
	Queries       int
	CreatedAt     time.Time
	LastActivity  time.Time
	Authenticated bool
}

// Snapshot returns a copy of the session's scalar state for display.
func (st *SessionStore) Snapshot(callsign string) SessionView {
	st.mu.Lock()
	defer st.mu.Unlock()

	var s = st.getLocked(NormalizeCallsign(callsign))

	return SessionView{
		Callsign:      s.Callsign,
		Messages:      len(s.messages),
		Queries:       s.QueryCount,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
		Authenticated: s.Authenticated,
	}
}

// CleanupIdle removes sessions idle longer than timeout and returns
// how many were dropped.  A timeout of zero disables the sweep here;
// zero-timeout stores remove sessions at disconnect instead.
func (st *SessionStore) CleanupIdle(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var now = time.Now()
	var dropped = 0

	for key, s := range st.sessions {
		if now.Sub(s.LastActivity) > timeout {
			delete(st.sessions, key)
			dropped++
			st.log.Info("removed idle session", "callsign", key)
		}
	}

	return dropped
}

// Count returns the number of live sessions.
func (st *SessionStore) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	return len(st.sessions)
}

// SessionStats aggregates across live sessions for the operator.
type SessionStats struct {
	ActiveSessions int
	TotalMessages  int
	TotalQueries   int
}

func (st *SessionStore) Stats() SessionStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	var stats = SessionStats{ActiveSessions: len(st.sessions)}

	for _, s := range st.sessions {
		stats.TotalMessages += len(s.messages)
		stats.TotalQueries += s.QueryCount
	}

	return stats
}
