package elmer

/*------------------------------------------------------------------
 *
 * Name:	ratelimit
 *
 * Purpose:	Per-callsign query quotas over sliding hour and day
 *		windows.
 *
 * Description:	The limiter holds no state of its own.  Decisions come
 *		from counting successful rows in the query log, which
 *		makes them correct across restarts and means a failed
 *		LLM call never burns quota.  Once a window's quota is
 *		met every further check in that window denies, since
 *		the successful-query count can only grow.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"time"
)

type RateLimiter struct {
	store   *Store
	enabled bool
	perHour int
	perDay  int
}

func NewRateLimiter(store *Store, cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		store:   store,
		enabled: cfg.Enabled,
		perHour: cfg.QueriesPerHour,
		perDay:  cfg.QueriesPerDay,
	}
}

// Check decides whether callsign may run another query.  The second
// return value carries the denial reason, empty when allowed.
func (r *RateLimiter) Check(callsign string) (bool, string) {
	if !r.enabled {
		return true, ""
	}

	if !ValidCallsign(callsign) {
		return false, "Invalid callsign format"
	}

	var now = time.Now().UTC()

	var hourly, err = r.store.CountSuccessfulQueries(callsign, now.Add(-time.Hour))
	if err != nil {
		// Fail open: a broken database should not silence the station.
		return true, ""
	}

	if hourly >= int64(r.perHour) {
		return false, fmt.Sprintf("Hourly limit reached (%d/hour)", r.perHour)
	}

	var daily, dayErr = r.store.CountSuccessfulQueries(callsign, now.Add(-24*time.Hour))
	if dayErr != nil {
		return true, ""
	}

	if daily >= int64(r.perDay) {
		return false, fmt.Sprintf("Daily limit reached (%d/day)", r.perDay)
	}

	return true, ""
}

// RateStatus is the display form of a callsign's standing.
type RateStatus struct {
	Enabled         bool
	HourlyUsed      int64
	HourlyLimit     int
	HourlyRemaining int64
	DailyUsed       int64
	DailyLimit      int
	DailyRemaining  int64
}

// Status reports used/limit/remaining for both windows.
func (r *RateLimiter) Status(callsign string) RateStatus {
	var now = time.Now().UTC()

	var hourly, _ = r.store.CountSuccessfulQueries(callsign, now.Add(-time.Hour))
	var daily, _ = r.store.CountSuccessfulQueries(callsign, now.Add(-24*time.Hour))

	var st = RateStatus{
		Enabled:     r.enabled,
		HourlyUsed:  hourly,
		HourlyLimit: r.perHour,
		DailyUsed:   daily,
		DailyLimit:  r.perDay,
	}

	st.HourlyRemaining = max64(0, int64(r.perHour)-hourly)
	st.DailyRemaining = max64(0, int64(r.perDay)-daily)

	return st
}

// Format renders the status as the text sent for the "status" command.
func (s RateStatus) Format() string {
	if !s.Enabled {
		return "Rate limiting is disabled."
	}

	return fmt.Sprintf(
		"Rate limits:\n"+
			"Hourly: %d/%d (%d remaining)\n"+
			"Daily: %d/%d (%d remaining)",
		s.HourlyUsed, s.HourlyLimit, s.HourlyRemaining,
		s.DailyUsed, s.DailyLimit, s.DailyRemaining)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}
