package elmer

/*------------------------------------------------------------------
 *
 * Name:	logsetup
 *
 * Purpose:	Build the structured logger the rest of the gateway
 *		hangs its subloggers off.
 *
 * Description:	Events go to stderr and, when logging.log_dir is set,
 *		to a dated elmer_YYYYMMDD.log inside that directory as
 *		well.  The JSON format is the default because the log is
 *		more often grepped and fed to other tools than read live.
 *
 *		Subsystems derive their own loggers with WithPrefix so
 *		a line can be traced to the kiss, telnet, dispatch, ...
 *		component that emitted it.
 *
 *---------------------------------------------------------------*/

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// LOG_FILE_FORMAT names the structured log file by the day the process
// started; rotation across midnight is left to the init system.
const LOG_FILE_FORMAT = "elmer_%Y%m%d.log"

// NewLogger builds the root logger from the logging section of the
// config.  An unwritable log directory is reported on the stderr logger
// and otherwise ignored; losing the file copy is not fatal.
func NewLogger(cfg LoggingConfig) *log.Logger {
	var out io.Writer = os.Stderr

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err == nil {
			var name, _ = strftime.Format(LOG_FILE_FORMAT, time.Now())
			var path = filepath.Join(cfg.LogDir, name)

			var f, openErr = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if openErr == nil {
				out = io.MultiWriter(os.Stderr, f)
			}
		}
	}

	var logger = log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           parseLogLevel(cfg.Level),
		Formatter:       parseLogFormat(cfg.Format),
	})

	return logger
}

func parseLogLevel(s string) log.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return log.DebugLevel
	case "", "INFO":
		return log.InfoLevel
	case "WARN", "WARNING":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	case "FATAL":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

func parseLogFormat(s string) log.Formatter {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text":
		return log.TextFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.JSONFormatter
	}
}
