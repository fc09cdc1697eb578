// Package logger provides the minimal level/format-gated logging
// contract used throughout smsg. A no-op sink is available for tests.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level mirrors the contract's debug/info/warn/error/fatal levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

func parseLevel(l Level) logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Format selects the on-disk/on-stream encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Rotate selects the rotation policy for file sinks.
type Rotate string

const (
	RotateNone Rotate = "none"
	RotateSize Rotate = "size"
	RotateTime Rotate = "time"
)

// Logger is the contract every smsg component logs through.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	Fatal(msg string, kv ...interface{})
	With(kv ...interface{}) Logger
}

// Options configures a Logger, matching the logger.* configuration
// surface (level, format, sink, rotate).
type Options struct {
	Level   Level
	Format  Format
	Sink    io.Writer // used when Path is empty
	Path    string    // file sink path; "" means Sink (default stderr)
	Rotate  Rotate
	MaxSize int64 // bytes, for RotateSize
	MaxAge  time.Duration
	Color   bool
	Caller  bool
}

// DefaultOptions returns text/info logging to stderr, no rotation.
func DefaultOptions() Options {
	return Options{Level: LevelInfo, Format: FormatText, Sink: os.Stderr, Rotate: RotateNone}
}

type logrusLogger struct {
	entry *logrus.Entry
	rot   *rotatingFile
}

// New builds a Logger from Options, wiring logrus for formatting and an
// optional rotating file sink.
func New(opts Options) (Logger, error) {
	l := logrus.New()
	l.SetLevel(parseLevel(opts.Level))

	switch opts.Format {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: opts.Color})
	}

	var rot *rotatingFile
	if opts.Path != "" {
		r, err := newRotatingFile(opts.Path, opts.Rotate, opts.MaxSize, opts.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("logger: open sink: %w", err)
		}
		rot = r
		l.SetOutput(r)
	} else if opts.Sink != nil {
		l.SetOutput(opts.Sink)
	}

	l.SetReportCaller(opts.Caller)

	return &logrusLogger{entry: logrus.NewEntry(l), rot: rot}, nil
}

// Noop returns a Logger that discards everything, for tests.
func Noop() Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		f[key] = kv[i+1]
	}
	return f
}

func (l *logrusLogger) Debug(msg string, kv ...interface{}) { l.entry.WithFields(fields(kv)).Debug(msg) }
func (l *logrusLogger) Info(msg string, kv ...interface{})  { l.entry.WithFields(fields(kv)).Info(msg) }
func (l *logrusLogger) Warn(msg string, kv ...interface{})  { l.entry.WithFields(fields(kv)).Warn(msg) }
func (l *logrusLogger) Error(msg string, kv ...interface{}) { l.entry.WithFields(fields(kv)).Error(msg) }
func (l *logrusLogger) Fatal(msg string, kv ...interface{}) { l.entry.WithFields(fields(kv)).Fatal(msg) }

func (l *logrusLogger) With(kv ...interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields(kv)), rot: l.rot}
}

// rotatingFile is a size- or time-rotated append sink, grounded on the
// common session-file pattern (one file per session, synced on
// write) generalized with a rotation trigger.
type rotatingFile struct {
	mu       sync.Mutex
	dir      string
	base     string
	mode     Rotate
	maxSize  int64
	maxAge   time.Duration
	file     *os.File
	size     int64
	openedAt time.Time
}

func newRotatingFile(path string, mode Rotate, maxSize int64, maxAge time.Duration) (*rotatingFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &rotatingFile{dir: dir, base: filepath.Base(path), mode: mode, maxSize: maxSize, maxAge: maxAge}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) currentPath() string {
	if r.mode == RotateTime {
		stamp := time.Now().Format("20060102-150405")
		ext := filepath.Ext(r.base)
		name := r.base[:len(r.base)-len(ext)]
		return filepath.Join(r.dir, fmt.Sprintf("%s-%s%s", name, stamp, ext))
	}
	return filepath.Join(r.dir, r.base)
}

func (r *rotatingFile) open() error {
	f, err := os.OpenFile(r.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file = f
	r.size = 0
	r.openedAt = time.Now()
	return nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.needsRotation(len(p)) {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	r.file.Sync()
	return n, err
}

func (r *rotatingFile) needsRotation(nextWrite int) bool {
	switch r.mode {
	case RotateSize:
		return r.maxSize > 0 && r.size+int64(nextWrite) > r.maxSize
	case RotateTime:
		return r.maxAge > 0 && time.Since(r.openedAt) > r.maxAge
	default:
		return false
	}
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
