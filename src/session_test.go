package elmer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSessionStoreSharedAcrossSSIDs(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	// The same operator connecting as N0CALL-7 and N0CALL-1 is one
	// conversation.
	st.AddUserMessage("N0CALL-7", "first")

	var history = st.History("N0CALL-1")

	require.Len(t, history, 1)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, 1, st.Count())
}

func TestSessionHistoryFIFOBound(t *testing.T) {
	var st = NewSessionStore(4, testLogger())

	for i := 0; i < 3; i++ {
		st.AddUserMessage("W1ABC", fmt.Sprintf("question %d", i))
		st.AddAssistantMessage("W1ABC", fmt.Sprintf("answer %d", i))
	}

	var history = st.History("W1ABC")

	require.Len(t, history, 4, "history must stay at the configured bound")
	assert.Equal(t, "question 1", history[0].Content, "oldest turns evicted first")
	assert.Equal(t, "answer 2", history[3].Content)
}

func TestSessionHistoryBoundProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var bound = rapid.IntRange(1, 12).Draw(t, "bound")
		var n = rapid.IntRange(0, 40).Draw(t, "turns")

		var st = NewSessionStore(bound, testLogger())

		var all = []ChatTurn{}
		for i := 0; i < n; i++ {
			var content = fmt.Sprintf("turn %d", i)

			if rapid.Bool().Draw(t, "fromUser") {
				st.AddUserMessage("W1ABC", content)
				all = append(all, ChatTurn{Role: "user", Content: content})
			} else {
				st.AddAssistantMessage("W1ABC", content)
				all = append(all, ChatTurn{Role: "assistant", Content: content})
			}

			require.LessOrEqual(t, len(st.History("W1ABC")), bound)
		}

		// Whatever survives is exactly the newest turns, in order.
		var want = all
		if len(want) > bound {
			want = want[len(want)-bound:]
		}

		assert.Equal(t, want, st.History("W1ABC"))
	})
}

func TestSessionHistoryIsACopy(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	st.AddUserMessage("W1ABC", "original")

	var history = st.History("W1ABC")
	history[0].Content = "mutated"

	assert.Equal(t, "original", st.History("W1ABC")[0].Content)
}

func TestSessionClearKeepsAuthentication(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	st.Authenticate("W1ABC", &OperatorInfo{Callsign: "W1ABC", FullName: "Alice Example"})
	st.AddUserMessage("W1ABC", "hello")

	st.Clear("W1ABC")

	var view = st.Snapshot("W1ABC")

	assert.Equal(t, 0, view.Messages, "clear wipes the conversation")
	assert.True(t, view.Authenticated, "clear forgets what was said, not who is talking")
}

func TestSessionRemove(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	st.AddUserMessage("W1ABC", "hello")
	st.Remove("W1ABC")

	assert.Equal(t, 0, st.Count())
	assert.False(t, st.Snapshot("W1ABC").Authenticated)
}

func TestSessionRekeyMovesState(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	// A telnet caller accumulates state under its address key until
	// it identifies.
	st.AddUserMessage("192.168.1.5:51234", "pre-auth question")

	st.Rekey("192.168.1.5:51234", "W1ABC")

	var history = st.History("W1ABC")

	require.Len(t, history, 1)
	assert.Equal(t, "pre-auth question", history[0].Content)
	assert.Equal(t, 1, st.Count(), "the placeholder key is gone")
}

func TestSessionRekeyKeepsExistingSession(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	st.AddUserMessage("W1ABC", "radio conversation")
	st.AddUserMessage("192.168.1.5:51234", "telnet hello")

	// The operator already has a session; the placeholder one is
	// discarded rather than clobbering it.
	st.Rekey("192.168.1.5:51234", "W1ABC")

	var history = st.History("W1ABC")

	require.Len(t, history, 1)
	assert.Equal(t, "radio conversation", history[0].Content)
}

func TestSessionRekeyMissingOldKeyIsNoop(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	st.Rekey("never-seen", "W1ABC")

	assert.Equal(t, 0, st.Count())
}

func TestSessionAuthenticate(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	var info = &OperatorInfo{Callsign: "W1ABC", FullName: "Alice Example", Grid: "FN42"}

	st.Authenticate("W1ABC-7", info)

	var s = st.Get("W1ABC")

	assert.True(t, s.Authenticated)
	require.NotNil(t, s.Operator)
	assert.Equal(t, "Alice Example", s.Operator.FullName)
}

func TestSessionCleanupIdle(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	st.AddUserMessage("W1ABC", "old")
	st.AddUserMessage("K2DEF", "fresh")

	st.Get("W1ABC").LastActivity = time.Now().Add(-2 * time.Hour)

	var dropped = st.CleanupIdle(time.Hour)

	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, st.Count())

	// Zero timeout disables the sweep entirely.
	st.Get("K2DEF").LastActivity = time.Now().Add(-48 * time.Hour)

	assert.Equal(t, 0, st.CleanupIdle(0))
	assert.Equal(t, 1, st.Count())
}

func TestSessionStats(t *testing.T) {
	var st = NewSessionStore(20, testLogger())

	st.AddUserMessage("W1ABC", "q1")
	st.AddAssistantMessage("W1ABC", "a1")
	st.AddUserMessage("K2DEF", "q2")

	var stats = st.Stats()

	assert.Equal(t, 2, stats.ActiveSessions)
	assert.Equal(t, 3, stats.TotalMessages)
	assert.Equal(t, 2, stats.TotalQueries)
}
