package elmer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// feedClock pins the feed to a settable instant.
func feedClock(f *ActivityFeed, at *time.Time) {
	f.now = func() time.Time { return *at }
}

func TestActivityFeedSummary(t *testing.T) {
	var feed = NewActivityFeed(10)
	var clock = time.Date(2026, 8, 16, 12, 0, 0, 0, time.UTC)
	feedClock(feed, &clock)

	assert.Equal(t, "No recent activity", feed.RecentSummary(3, time.Hour))

	feed.Add("W1AW", "query", "")
	clock = clock.Add(30 * time.Second)
	feed.Add("K2DEF", "lookup", "K1TTT")
	clock = clock.Add(60 * time.Second)
	feed.Add("N0CALL", "connect", "")
	clock = clock.Add(10 * time.Second)

	assert.Equal(t,
		"Recent: N0CALL connected just now, K2DEF looked up K1TTT 1m ago, W1AW asked a question 1m ago",
		feed.RecentSummary(3, time.Hour))

	// maxItems trims from the old end.
	assert.Equal(t, "Recent: N0CALL connected just now", feed.RecentSummary(1, time.Hour))

	// Entries beyond maxAge fall off the summary entirely.
	clock = clock.Add(2 * time.Hour)
	assert.Equal(t, "No recent activity", feed.RecentSummary(3, time.Hour))
}

func TestActivityFeedEviction(t *testing.T) {
	var feed = NewActivityFeed(3)

	for _, call := range []string{"A1AA", "B2BB", "C3CC", "D4DD", "E5EE"} {
		feed.Add(call, "query", "")
	}

	// Only the newest three survive.
	var users = feed.ActiveUsers(time.Hour)
	assert.Equal(t, []string{"C3CC", "D4DD", "E5EE"}, users)
	assert.Equal(t, 3, feed.Count(time.Hour))
}

func TestActivityFeedDefaultCapacity(t *testing.T) {
	var feed = NewActivityFeed(0)
	assert.Equal(t, ACTIVITY_FEED_MAX, feed.maxItems)
}

func TestActivityFeedCountAndActiveUsers(t *testing.T) {
	var feed = NewActivityFeed(10)
	var clock = time.Date(2026, 8, 16, 12, 0, 0, 0, time.UTC)
	feedClock(feed, &clock)

	feed.Add("W1AW", "query", "")
	feed.Add("W1AW", "query", "")

	clock = clock.Add(45 * time.Minute)
	feed.Add("K2DEF", "connect", "")

	clock = clock.Add(10 * time.Minute)

	// The early pair is now 55 minutes old, the connect 10 minutes.
	assert.Equal(t, 3, feed.Count(time.Hour))
	assert.Equal(t, 1, feed.Count(30*time.Minute))
	assert.Equal(t, 0, feed.Count(time.Minute))

	// Distinct callsigns inside the window, duplicates collapsed.
	assert.Equal(t, []string{"W1AW", "K2DEF"}, feed.ActiveUsers(time.Hour))
	assert.Equal(t, []string{"K2DEF"}, feed.ActiveUsers(30*time.Minute))
	assert.Empty(t, feed.ActiveUsers(time.Minute))
}

func TestActivityFeedActionPhrases(t *testing.T) {
	tests := []struct {
		action  string
		details string
		want    string
	}{
		{action: "query", want: "asked a question"},
		{action: "lookup", details: "K1TTT", want: "looked up K1TTT"},
		{action: "lookup", want: "looked up callsign"},
		{action: "message_sent", want: "sent a message"},
		{action: "message_read", want: "read mail"},
		{action: "pota", want: "got POTA spots"},
		{action: "search", want: "searched the web"},
		{action: "connect", want: "connected"},
		{action: "disconnect", want: "disconnected"},
		{action: "tuned the amplifier", want: "tuned the amplifier"},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			assert.Equal(t, tt.want, formatActivityAction(tt.action, tt.details))
		})
	}
}

func TestActivityFeedAgePhrases(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want string
	}{
		{age: 0, want: "just now"},
		{age: 59 * time.Second, want: "just now"},
		{age: 60 * time.Second, want: "1m ago"},
		{age: 59 * time.Minute, want: "59m ago"},
		{age: time.Hour, want: "1h ago"},
		{age: 23*time.Hour + 59*time.Minute, want: "23h ago"},
		{age: 24 * time.Hour, want: "1d ago"},
		{age: 72 * time.Hour, want: "3d ago"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatActivityAge(tt.age))
		})
	}
}
