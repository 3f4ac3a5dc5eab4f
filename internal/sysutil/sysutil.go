// Package sysutil holds process-level helpers used by the coordinator binary:
// global log level, log output selection and small env-string utilities.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetLogLevel sets the global zerolog level from a config string. "warning"
// is accepted for warn; trace, blank and unknown values select info.
func SetLogLevel(lvl string) {
	lvl = strings.ToLower(strings.TrimSpace(lvl))
	if lvl == "warning" {
		lvl = "warn"
	}
	level, err := zerolog.ParseLevel(lvl)
	if err != nil || level < zerolog.DebugLevel || level > zerolog.PanicLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// LogOutput describes where process logs go.
type LogOutput struct {
	Pretty     bool   // human-readable console output instead of JSON
	File       string // when set, logs are also written to this rotated file
	MaxSizeMB  int
	MaxBackups int
}

// LogWriter builds the writer for the global logger. stdout is always
// included; a configured file is rotated by lumberjack. The returned closer
// flushes and closes the file and is a no-op without one.
func LogWriter(out LogOutput) (io.Writer, func() error) {
	var console io.Writer = os.Stdout
	if out.Pretty {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if strings.TrimSpace(out.File) == "" {
		return console, func() error { return nil }
	}

	file := &lumberjack.Logger{
		Filename:   out.File,
		MaxSize:    out.MaxSizeMB,
		MaxBackups: out.MaxBackups,
		Compress:   true,
	}
	return zerolog.MultiLevelWriter(console, file), file.Close
}

// IsTruthy reports whether an environment variable string should be
// considered true. Accepted values (case-insensitive): "1", "true", "yes",
// "y", "on".
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first non-blank string, unmodified, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
