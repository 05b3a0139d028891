// Package logging is the module's internal leveled logger. The level
// is process-wide, defaults to Warn, and is settable via the
// SURFACEQ_LOG_LEVEL env var or SetLevel.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	LevelTrace = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	level     int
	debugMode = false

	levelColor = []string{
		"\x1b[95m", // Trace
		"\x1b[92m", // Debug
		"\x1b[94m", // Info
		"\x1b[93m", // Warn
		"\x1b[91m", // Error
	}
	levelName = []string{"Trace", "Debug", "Info", "Warn", "Error"}
	colorOff  = "\x1b[0m"
)

func init() {
	level = LevelWarn
	if v := os.Getenv("SURFACEQ_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n <= LevelNoPrint {
			level = n
		}
	}
	if os.Getenv("SURFACEQ_DEBUG_MODE") != "" {
		debugMode = true
	}
}

// SetLevel changes the process-wide log level.
func SetLevel(l int) {
	if l <= LevelNoPrint {
		level = l
	}
}

// DebugMode reports whether SURFACEQ_DEBUG_MODE is set. In debug mode
// internal consistency failures panic instead of logging and
// continuing.
func DebugMode() bool { return debugMode }

// Logger writes leveled, color-coded lines tagged with a name and the
// caller's file:line.
type Logger struct {
	Name      string
	out       io.Writer
	callDepth int
}

// New builds a Logger writing to out (stdout when nil).
func New(name string, out io.Writer) *Logger {
	if out == nil {
		out = os.Stdout
	}
	return &Logger{Name: name, out: out, callDepth: 3}
}

func (l *Logger) prefix(lv int) string {
	_, file, line, ok := runtime.Caller(l.callDepth)
	if !ok {
		file, line = "???", 0
	}
	return fmt.Sprintf("%s%s %s %s %s:%d ", levelColor[lv],
		time.Now().Format("2006-01-02 15:04:05.000000"),
		levelName[lv], l.Name, filepath.Base(file), line)
}

func (l *Logger) output(lv int, format string, a ...interface{}) {
	if level > lv {
		return
	}
	if _, err := fmt.Fprintf(l.out, l.prefix(lv)+format+colorOff+"\n", a...); err != nil {
		fmt.Fprintf(os.Stderr, "surfaceq logger write failed: %v\n", err)
	}
}

func (l *Logger) Tracef(format string, a ...interface{}) { l.output(LevelTrace, format, a...) }
func (l *Logger) Debugf(format string, a ...interface{}) { l.output(LevelDebug, format, a...) }
func (l *Logger) Infof(format string, a ...interface{})  { l.output(LevelInfo, format, a...) }
func (l *Logger) Warnf(format string, a ...interface{})  { l.output(LevelWarn, format, a...) }
func (l *Logger) Errorf(format string, a ...interface{}) { l.output(LevelError, format, a...) }
