package elmer

/*------------------------------------------------------------------
 *
 * Name:	activityfeed
 *
 * Purpose:	Rolling in-memory record of recent station activity,
 *		summarized on the login screen.
 *
 * Description:	The feed is intentionally ephemeral.  It shows a newly
 *		connected operator what the BBS has been up to lately
 *		("W1AW asked a question 5m ago") without touching the
 *		database.  A restart starts the feed empty.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const ACTIVITY_FEED_MAX = 50

type Activity struct {
	Callsign  string
	Action    string
	Details   string
	Timestamp time.Time
}

type ActivityFeed struct {
	mu         sync.Mutex
	activities []Activity
	maxItems   int
	now        func() time.Time
}

func NewActivityFeed(maxItems int) *ActivityFeed {
	if maxItems <= 0 {
		maxItems = ACTIVITY_FEED_MAX
	}

	return &ActivityFeed{maxItems: maxItems, now: time.Now}
}

// Add records one activity, evicting the oldest entry when full.
func (f *ActivityFeed) Add(callsign, action, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.activities = append(f.activities, Activity{
		Callsign:  callsign,
		Action:    action,
		Details:   details,
		Timestamp: f.now(),
	})

	if len(f.activities) > f.maxItems {
		f.activities = f.activities[len(f.activities)-f.maxItems:]
	}
}

// RecentSummary renders up to maxItems activities newer than maxAge as
// a single line for the login screen.
func (f *ActivityFeed) RecentSummary(maxItems int, maxAge time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		now    = f.now()
		cutoff = now.Add(-maxAge)
		parts  []string
	)

	for i := len(f.activities) - 1; i >= 0 && len(parts) < maxItems; i-- {
		var a = f.activities[i]
		if a.Timestamp.Before(cutoff) {
			break
		}

		parts = append(parts, fmt.Sprintf("%s %s %s",
			a.Callsign,
			formatActivityAction(a.Action, a.Details),
			formatActivityAge(now.Sub(a.Timestamp))))
	}

	if len(parts) == 0 {
		return "No recent activity"
	}

	return "Recent: " + strings.Join(parts, ", ")
}

// Count reports how many activities are newer than maxAge.
func (f *ActivityFeed) Count(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		cutoff = f.now().Add(-maxAge)
		n      int
	)

	for _, a := range f.activities {
		if !a.Timestamp.Before(cutoff) {
			n++
		}
	}

	return n
}

// ActiveUsers lists the distinct callsigns seen within maxAge.
func (f *ActivityFeed) ActiveUsers(maxAge time.Duration) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		cutoff = f.now().Add(-maxAge)
		seen   = make(map[string]bool)
		users  []string
	)

	for _, a := range f.activities {
		if a.Timestamp.Before(cutoff) || seen[a.Callsign] {
			continue
		}

		seen[a.Callsign] = true
		users = append(users, a.Callsign)
	}

	return users
}

func formatActivityAction(action, details string) string {
	switch action {
	case "query":
		return "asked a question"
	case "lookup":
		if details != "" {
			return "looked up " + details
		}
		return "looked up callsign"
	case "message_sent":
		return "sent a message"
	case "message_read":
		return "read mail"
	case "pota":
		return "got POTA spots"
	case "search":
		return "searched the web"
	case "connect":
		return "connected"
	case "disconnect":
		return "disconnected"
	default:
		return action
	}
}

func formatActivityAge(age time.Duration) string {
	var seconds = int(age.Seconds())

	switch {
	case seconds < 60:
		return "just now"
	case seconds < 3600:
		return fmt.Sprintf("%dm ago", seconds/60)
	case seconds < 86400:
		return fmt.Sprintf("%dh ago", seconds/3600)
	default:
		return fmt.Sprintf("%dd ago", seconds/86400)
	}
}
