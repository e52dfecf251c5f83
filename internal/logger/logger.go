// Package logger is the process-wide leveled logger. Lines go to stdout and a
// rotated file, and are also fanned out to live subscribers (the WebSocket hub).
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel is the severity of a log line.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

// LogFileName is the name of the rotated log file inside the log directory.
const LogFileName = "requestarr.log"

var levelOrder = map[LogLevel]int{
	Debug: 0,
	Info:  1,
	Warn:  2,
	Error: 3,
}

// LogEntry is a single line as delivered to subscribers.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

var (
	mu         sync.Mutex
	minLevel   = Info
	listeners  []chan LogEntry
	fileLogger *lumberjack.Logger
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
}

// Init adds a rotated log file under logDir. Until it is called, output goes to stdout only.
func Init(logDir string) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		log.Printf("Failed to create log directory %s: %v", logDir, err)
		return
	}

	fileLogger = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, LogFileName),
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
}

// SetOutput redirects log output. Intended for tests that capture lines.
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// SetLevel sets the minimum level. Unknown values fall back to info.
func SetLevel(level string) {
	mu.Lock()
	switch level {
	case "debug":
		minLevel = Debug
	case "warn":
		minLevel = Warn
	case "error":
		minLevel = Error
	default:
		minLevel = Info
	}
	current := minLevel
	mu.Unlock()
	log.Printf("Log level set to: %s", current)
}

// GetLogDir returns the directory of the log file, or "" before Init.
func GetLogDir() string {
	if fileLogger == nil {
		return ""
	}
	return filepath.Dir(fileLogger.Filename)
}

// Subscribe returns a buffered channel receiving every emitted entry.
func Subscribe() chan LogEntry {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan LogEntry, 100)
	listeners = append(listeners, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func enabled(level LogLevel) bool {
	mu.Lock()
	defer mu.Unlock()
	return levelOrder[level] >= levelOrder[minLevel]
}

func broadcast(entry LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
			// slow subscriber, drop
		}
	}
}

// Log formats and emits a line at the given level.
func Log(level LogLevel, format string, v ...interface{}) {
	if !enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   fmt.Sprintf(format, v...),
	}
	log.Printf("%s [%s] %s", entry.Timestamp, entry.Level, entry.Message)
	broadcast(entry)
}

func Debugf(format string, v ...interface{}) { Log(Debug, format, v...) }

func Infof(format string, v ...interface{}) { Log(Info, format, v...) }

func Warnf(format string, v ...interface{}) { Log(Warn, format, v...) }

func Errorf(format string, v ...interface{}) { Log(Error, format, v...) }
