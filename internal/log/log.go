// Package log is mend's operator-facing logger. Durable workflow history
// lives in the store's logs relation; this package only renders what the
// running process is doing, as categorized key=value lines, and fans the
// entries out over a broker so the daemon can mirror them. The CLI always
// installs a logger: info and above go to stderr, and --debug or MEND_DEBUG
// switches to debug-level output in a log file.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zjrosen/mend/internal/pubsub"
)

// Level represents log severity.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// Category names the subsystem a message comes from.
type Category string

const (
	CatStore   Category = "store"   // Durable store operations
	CatConfig  Category = "config"  // Configuration loading/validation
	CatSandbox Category = "sandbox" // Sandbox session commands
	CatAgent   Category = "agent"   // Agent driver: spawn, heartbeat, timeout
	CatEngine  Category = "engine"  // Workflow engine and phase handlers
	CatSched   Category = "sched"   // Scheduler: polling, claiming, draining
	CatIPC     Category = "ipc"     // IPC heartbeat server
	CatIngest  Category = "ingest"  // Panic report ingestion
	CatCtx     Category = "ctxdoc"  // Context document parse/generate
)

// Entry is one emitted log record: the rendered line plus the parts
// subscribers may want to filter on.
type Entry struct {
	Time     time.Time
	Level    Level
	Category Category
	Message  string
	Line     string
}

// Logger renders entries to a writer. Level and enablement are checked
// without taking the write lock, so disabled logging costs one atomic
// load per call.
type Logger struct {
	mu       sync.Mutex
	w        io.Writer
	enabled  atomic.Bool
	minLevel atomic.Int32
	broker   *pubsub.Broker[Entry]
}

var active atomic.Pointer[Logger]

func newLogger(w io.Writer) *Logger {
	l := &Logger{
		w:      w,
		broker: pubsub.NewBroker[Entry](),
	}
	l.enabled.Store(true)
	l.minLevel.Store(int32(LevelDebug))
	return l
}

// Init routes log output to the file at path (created or appended).
// Returns a cleanup function closing the file. The most recent Init wins.
func Init(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec // G304: path is user-controlled debug log path
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	active.Store(newLogger(f))
	return func() { _ = f.Close() }, nil
}

// InitWithWriter routes log output to an arbitrary writer. Used by the
// daemon for stderr and by tests to capture lines.
func InitWithWriter(w io.Writer) func() {
	active.Store(newLogger(w))
	return func() {}
}

// SetEnabled toggles logging on or off.
func SetEnabled(enabled bool) {
	if l := active.Load(); l != nil {
		l.enabled.Store(enabled)
	}
}

// SetMinLevel drops entries below level.
func SetMinLevel(level Level) {
	if l := active.Load(); l != nil {
		l.minLevel.Store(int32(level))
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	emit(LevelDebug, cat, msg, fields)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	emit(LevelInfo, cat, msg, fields)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	emit(LevelWarn, cat, msg, fields)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	emit(LevelError, cat, msg, fields)
}

// ErrorErr logs an error with the error value appended as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	errStr := "<nil>"
	if err != nil {
		errStr = err.Error()
	}
	emit(LevelError, cat, msg, append(fields, "error", errStr))
}

func emit(level Level, cat Category, msg string, fields []any) {
	l := active.Load()
	if l == nil || !l.enabled.Load() || int32(level) < l.minLevel.Load() {
		return
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString(now.Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("] [")
	b.WriteString(string(cat))
	b.WriteString("] ")
	b.WriteString(msg)
	appendFields(&b, fields)

	entry := Entry{
		Time:     now,
		Level:    level,
		Category: cat,
		Message:  msg,
		Line:     b.String(),
	}

	l.mu.Lock()
	if l.w != nil {
		_, _ = io.WriteString(l.w, entry.Line+"\n")
	}
	l.mu.Unlock()

	l.broker.Publish(entry)
}

// appendFields renders key/value pairs. Values containing spaces, quotes,
// or '=' are quoted so lines stay machine-splittable; a dangling key with
// no value renders as key=!MISSING.
func appendFields(b *strings.Builder, fields []any) {
	for i := 0; i < len(fields); i += 2 {
		b.WriteByte(' ')
		fmt.Fprint(b, fields[i])
		b.WriteByte('=')
		if i+1 >= len(fields) {
			b.WriteString("!MISSING")
			return
		}
		value := fmt.Sprint(fields[i+1])
		if strings.ContainsAny(value, " \"=") {
			value = strconv.Quote(value)
		}
		b.WriteString(value)
	}
}

// NewListener subscribes to emitted entries until ctx is cancelled.
// Returns nil when no logger is active.
func NewListener(ctx context.Context) <-chan Entry {
	l := active.Load()
	if l == nil {
		return nil
	}
	return l.broker.Subscribe(ctx)
}
