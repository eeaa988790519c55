package elmer

/*------------------------------------------------------------------
 *
 * Name:	db
 *
 * Purpose:	Durable storage: connection log, query log, rate-limit
 *		decisions, error log, plus the mail, file, and chat
 *		tables in the companion db_*.go files.
 *
 * Description:	Everything lives in one embedded SQLite database so a
 *		station is a single binary plus a single data file.  The
 *		process owns the database exclusively; callers get
 *		atomicity per Store method.
 *
 *		The query log doubles as the rate limiter's source of
 *		truth.  Only successful queries (error IS NULL) count
 *		against a callsign's hourly and daily quotas, so a
 *		failing LLM backend cannot lock users out.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

/*
 * Row types.  Table and column names are pinned so the schema stays
 * stable no matter what the ORM's naming strategy does.
 */

type ConnectionLog struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	Callsign        string    `gorm:"index:idx_connections_callsign;not null"`
	ConnectedAt     time.Time `gorm:"not null"`
	DisconnectedAt  *time.Time
	DurationSeconds *int
	PacketsSent     int `gorm:"default:0"`
	PacketsReceived int `gorm:"default:0"`
	CreatedAt       time.Time
}

func (ConnectionLog) TableName() string { return "connections" }

type QueryLog struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	ConnectionID   *int64
	Callsign       string `gorm:"index:idx_queries_callsign;not null"`
	Query          string `gorm:"not null"`
	Response       string
	TokensUsed     int
	ResponseTimeMs int
	Error          *string   // NULL means success; rate limiting depends on this
	Timestamp      time.Time `gorm:"index:idx_queries_timestamp"`
}

func (QueryLog) TableName() string { return "queries" }

// RateLimitWindow is migrated for schema compatibility but carries no
// traffic: rate decisions count queries rows with a NULL error instead
// of maintaining window counters here.
type RateLimitWindow struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Callsign    string    `gorm:"index:idx_rate_limits_callsign;not null"`
	QueryCount  int       `gorm:"default:1"`
	WindowStart time.Time `gorm:"not null"`
	WindowEnd   time.Time `gorm:"not null"`
	LastQuery   time.Time
	CreatedAt   time.Time
}

func (RateLimitWindow) TableName() string { return "rate_limits" }

type ErrorLog struct {
	ID           int64 `gorm:"primaryKey;autoIncrement"`
	Callsign     *string
	ErrorType    string `gorm:"not null"`
	ErrorMessage string `gorm:"not null"`
	StackTrace   string
	Context      string
	Timestamp    time.Time `gorm:"index:idx_errors_timestamp"`
}

func (ErrorLog) TableName() string { return "errors" }

// Store wraps the database handle.  Safe for concurrent use; SQLite
// serializes writers underneath.
type Store struct {
	db  *gorm.DB
	log *log.Logger
}

// OpenStore opens (creating if needed) the SQLite database at path and
// migrates the schema.
func OpenStore(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("db: create %s: %w", dir, err)
		}
	}

	var db, err = gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}

	// SQLite takes one writer at a time; a single pooled connection
	// queues concurrent sessions instead of surfacing SQLITE_BUSY.
	var sqlDB, poolErr = db.DB()
	if poolErr != nil {
		return nil, fmt.Errorf("db: pool: %w", poolErr)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&ConnectionLog{},
		&QueryLog{},
		&RateLimitWindow{},
		&ErrorLog{},
		&MailMessage{},
		&StoredFile{},
		&FileShare{},
		&Channel{},
		&ChatMessage{},
		&ChannelPresence{},
	)
	if err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}

	var s = &Store{db: db, log: logger.WithPrefix("db")}
	s.log.Info("database ready", "path", path)

	return s, nil
}

// Close releases the underlying SQLite handle.
func (s *Store) Close() error {
	var sqlDB, err = s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

/*-------------------------------------------------------------------
 *
 * Connection and query logging.
 *
 *---------------------------------------------------------------*/

// LogConnection records a new connection and returns its id for the
// later LogDisconnection call.
func (s *Store) LogConnection(callsign string) (int64, error) {
	var row = ConnectionLog{
		Callsign:    callsign,
		ConnectedAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("db: log connection: %w", err)
	}

	return row.ID, nil
}

// LogDisconnection closes out a connection row with duration and
// packet counters.
func (s *Store) LogDisconnection(connectionID int64, packetsSent, packetsReceived int) error {
	var row ConnectionLog

	if err := s.db.First(&row, connectionID).Error; err != nil {
		return fmt.Errorf("db: connection %d: %w", connectionID, err)
	}

	var now = time.Now().UTC()
	var duration = int(now.Sub(row.ConnectedAt).Seconds())

	var err = s.db.Model(&ConnectionLog{}).Where("id = ?", connectionID).Updates(map[string]any{
		"disconnected_at":  now,
		"duration_seconds": duration,
		"packets_sent":     packetsSent,
		"packets_received": packetsReceived,
	}).Error
	if err != nil {
		return fmt.Errorf("db: log disconnection: %w", err)
	}

	return nil
}

// QueryLogEntry carries the optional fields of LogQuery.
type QueryLogEntry struct {
	ConnectionID   *int64
	Response       string
	TokensUsed     int
	ResponseTimeMs int
	Error          string // empty means success
}

// LogQuery appends a query row.  An empty entry.Error marks the query
// successful and makes it count toward rate limits.
func (s *Store) LogQuery(callsign, query string, entry QueryLogEntry) (int64, error) {
	var row = QueryLog{
		ConnectionID:   entry.ConnectionID,
		Callsign:       callsign,
		Query:          query,
		Response:       entry.Response,
		TokensUsed:     entry.TokensUsed,
		ResponseTimeMs: entry.ResponseTimeMs,
		Timestamp:      time.Now().UTC(),
	}

	if entry.Error != "" {
		var e = entry.Error
		row.Error = &e
	}

	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("db: log query: %w", err)
	}

	return row.ID, nil
}

// LogError appends an error row.  Callsign may be empty when the error
// is not attributable to a station.
func (s *Store) LogError(errorType, message, callsign, context string) {
	var row = ErrorLog{
		ErrorType:    errorType,
		ErrorMessage: message,
		Context:      context,
		Timestamp:    time.Now().UTC(),
	}

	if callsign != "" {
		var cs = callsign
		row.Callsign = &cs
	}

	if err := s.db.Create(&row).Error; err != nil {
		s.log.Error("error log write failed", "err", err)
	}
}

/*-------------------------------------------------------------------
 *
 * Rate limiting queries.
 *
 *---------------------------------------------------------------*/

// CountSuccessfulQueries counts queries with no error for callsign
// since the given instant.
func (s *Store) CountSuccessfulQueries(callsign string, since time.Time) (int64, error) {
	var n int64

	var err = s.db.Model(&QueryLog{}).
		Where("callsign = ? AND timestamp > ? AND error IS NULL", callsign, since).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("db: count queries: %w", err)
	}

	return n, nil
}

/*-------------------------------------------------------------------
 *
 * Statistics for the operator.
 *
 *---------------------------------------------------------------*/

type ConnectionStats struct {
	TotalConnections     int64
	AvgDurationSeconds   float64
	TotalPacketsSent     int64
	TotalPacketsReceived int64
}

// GetConnectionStats aggregates the connection log, optionally for a
// single callsign.
func (s *Store) GetConnectionStats(callsign string) (ConnectionStats, error) {
	var stats ConnectionStats

	var q = s.db.Model(&ConnectionLog{})
	if callsign != "" {
		q = q.Where("callsign = ?", callsign)
	}

	var row = struct {
		Total   int64
		AvgDur  *float64
		SumSent *int64
		SumRcvd *int64
	}{}

	var err = q.Select(
		"COUNT(*) AS total, AVG(duration_seconds) AS avg_dur, " +
			"SUM(packets_sent) AS sum_sent, SUM(packets_received) AS sum_rcvd").
		Scan(&row).Error
	if err != nil {
		return stats, fmt.Errorf("db: connection stats: %w", err)
	}

	stats.TotalConnections = row.Total
	if row.AvgDur != nil {
		stats.AvgDurationSeconds = *row.AvgDur
	}
	if row.SumSent != nil {
		stats.TotalPacketsSent = *row.SumSent
	}
	if row.SumRcvd != nil {
		stats.TotalPacketsReceived = *row.SumRcvd
	}

	return stats, nil
}

type QueryStats struct {
	TotalQueries      int64
	SuccessfulQueries int64
	FailedQueries     int64
	AvgTokens         float64
	AvgResponseTimeMs float64
}

// GetQueryStats aggregates the query log, optionally for a single
// callsign and/or a time floor.
func (s *Store) GetQueryStats(callsign string, since time.Time) (QueryStats, error) {
	var stats QueryStats

	var q = s.db.Model(&QueryLog{})
	if callsign != "" {
		q = q.Where("callsign = ?", callsign)
	}
	if !since.IsZero() {
		q = q.Where("timestamp > ?", since)
	}

	var row = struct {
		Total   int64
		Good    int64
		Bad     int64
		AvgTok  *float64
		AvgTime *float64
	}{}

	var err = q.Select(
		"COUNT(*) AS total, " +
			"COUNT(CASE WHEN error IS NULL THEN 1 END) AS good, " +
			"COUNT(CASE WHEN error IS NOT NULL THEN 1 END) AS bad, " +
			"AVG(tokens_used) AS avg_tok, AVG(response_time_ms) AS avg_time").
		Scan(&row).Error
	if err != nil {
		return stats, fmt.Errorf("db: query stats: %w", err)
	}

	stats.TotalQueries = row.Total
	stats.SuccessfulQueries = row.Good
	stats.FailedQueries = row.Bad
	if row.AvgTok != nil {
		stats.AvgTokens = *row.AvgTok
	}
	if row.AvgTime != nil {
		stats.AvgResponseTimeMs = *row.AvgTime
	}

	return stats, nil
}

// GetRecentQueries returns the newest query rows, newest first.
func (s *Store) GetRecentQueries(limit int, callsign string) ([]QueryLog, error) {
	var rows []QueryLog

	var q = s.db.Order("timestamp DESC").Limit(limit)
	if callsign != "" {
		q = q.Where("callsign = ?", callsign)
	}

	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: recent queries: %w", err)
	}

	return rows, nil
}

/*-------------------------------------------------------------------
 *
 * Retention.
 *
 *---------------------------------------------------------------*/

// CleanupOldData drops query, rate-limit, and error rows older than
// the given number of days.  Mail, files, and chat are kept; they are
// user data, not telemetry.
func (s *Store) CleanupOldData(days int) error {
	var cutoff = time.Now().UTC().AddDate(0, 0, -days)

	if err := s.db.Where("timestamp < ?", cutoff).Delete(&QueryLog{}).Error; err != nil {
		return fmt.Errorf("db: cleanup queries: %w", err)
	}

	if err := s.db.Where("window_end < ?", cutoff).Delete(&RateLimitWindow{}).Error; err != nil {
		return fmt.Errorf("db: cleanup rate limits: %w", err)
	}

	if err := s.db.Where("timestamp < ?", cutoff).Delete(&ErrorLog{}).Error; err != nil {
		return fmt.Errorf("db: cleanup errors: %w", err)
	}

	return nil
}
