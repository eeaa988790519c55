package elmer

/*------------------------------------------------------------------
 *
 * Name:	activitylog
 *
 * Purpose:	Save station activity to a daily log file.
 *
 * Description:	Rather than leaving activity only in the structured
 *		log, write separated properties into CSV format for
 *		easy reading and later processing.
 *
 *		Daily file names are created in the configured
 *		directory, UTC date in the name.  The file is kept
 *		open; we don't open/close for every new item.  An
 *		empty directory disables the feature.
 *
 *---------------------------------------------------------------*/

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Daily file name pattern, UTC.
const ACTIVITY_FILE_FORMAT = "%Y-%m-%d"

type ActivityLog struct {
	mu       sync.Mutex
	dir      string
	fp       *os.File
	openName string
	store    *Store
	log      *log.Logger
}

// NewActivityLog sets up the daily activity file under dir.  Errors
// are also written to the database when store is non-nil.
func NewActivityLog(dir string, store *Store, logger *log.Logger) *ActivityLog {
	if logger == nil {
		logger = log.Default()
	}

	var al = &ActivityLog{
		dir:   dir,
		store: store,
		log:   logger.WithPrefix("activity"),
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			al.log.Error("can't create activity log location", "dir", dir, "error", err)
			al.dir = ""
		}
	}

	return al
}

// file returns the open daily file, rotating when the date changes.
// Caller holds al.mu.
func (al *ActivityLog) file(now time.Time) *os.File {
	if al.dir == "" {
		return nil
	}

	var day, _ = strftime.Format(ACTIVITY_FILE_FORMAT, now)

	var fname = day + ".log"

	// Close current file if name has changed.
	if al.fp != nil && fname != al.openName {
		al.fp.Close()
		al.fp = nil
	}

	// Open for append if not already open.
	if al.fp == nil {
		var fullPath = filepath.Join(al.dir, fname)

		// See if the file already exists.  This is used to write a
		// header only if this will be the first line.
		var _, statErr = os.Stat(fullPath)
		var alreadyThere = statErr == nil

		var f, openErr = os.OpenFile(fullPath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
		if openErr != nil {
			al.log.Error("can't open activity log for write", "path", fullPath, "error", openErr)
			al.openName = ""
			return nil
		}

		al.log.Debug("opened activity log", "file", fname)
		al.fp = f
		al.openName = fname

		if !alreadyThere {
			fmt.Fprintf(al.fp, "utime,isotime,event,callsign,conn_id,chars,tokens,ms,detail\n")
		}
	}

	return al.fp
}

func csvCount(n int) string {
	if n == 0 {
		return ""
	}

	return strconv.Itoa(n)
}

func (al *ActivityLog) write(event, callsign string, connID int64, chars, tokens, ms int, detail string) {
	al.mu.Lock()
	defer al.mu.Unlock()

	var now = time.Now().UTC()

	var f = al.file(now)
	if f == nil {
		return
	}

	var connIDStr string
	if connID > 0 {
		connIDStr = strconv.FormatInt(connID, 10)
	}

	var w = csv.NewWriter(f)

	w.Write([]string{
		strconv.FormatInt(now.Unix(), 10),
		now.Format("2006-01-02T15:04:05Z"),
		event,
		callsign,
		connIDStr,
		csvCount(chars),
		csvCount(tokens),
		csvCount(ms),
		detail,
	})

	w.Flush()
}

func (al *ActivityLog) Startup(stationCallsign string) {
	al.write("startup", stationCallsign, 0, 0, 0, 0, "")
}

func (al *ActivityLog) Shutdown(reason string) {
	al.write("shutdown", "", 0, 0, 0, 0, reason)
}

func (al *ActivityLog) Connection(callsign string, connID int64) {
	al.log.Info("connection", "callsign", callsign, "conn_id", connID)
	al.write("connect", callsign, connID, 0, 0, 0, "")
}

func (al *ActivityLog) Disconnection(callsign string, connID int64, duration time.Duration) {
	al.log.Info("disconnection", "callsign", callsign, "conn_id", connID, "duration", duration.Round(time.Second))
	al.write("disconnect", callsign, connID, 0, 0, int(duration.Milliseconds()), "")
}

func (al *ActivityLog) Query(callsign, query string, connID int64) {
	var preview = query
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}

	al.log.Info("query", "callsign", callsign, "text", preview)
	al.write("query", callsign, connID, len(query), 0, 0, preview)
}

func (al *ActivityLog) Response(callsign string, chars, tokens, ms int, connID int64) {
	al.log.Info("response", "callsign", callsign, "chars", chars, "tokens", tokens, "ms", ms)
	al.write("response", callsign, connID, chars, tokens, ms, "")
}

func (al *ActivityLog) RateLimited(callsign, reason string) {
	al.log.Warn("rate limit", "callsign", callsign, "reason", reason)
	al.write("rate_limit", callsign, 0, 0, 0, 0, reason)
}

// Error records a fault in the structured log, the daily file, and
// the errors table.
func (al *ActivityLog) Error(errorType, message, callsign string) {
	al.log.Error(errorType, "callsign", callsign, "error", message)

	if al.store != nil {
		al.store.LogError(errorType, message, callsign, "")
	}

	al.write("error", callsign, 0, 0, 0, 0, errorType+": "+message)
}

func (al *ActivityLog) Close() {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.fp != nil {
		al.fp.Close()
		al.fp = nil
		al.openName = ""
	}
}
