// Package logger is the process-wide structured logger. Records go to stdout
// by default and can be redirected to a host Sink (for example the Android
// log) with SetSink.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

const (
	LevelTrace = slog.Level(-6)
	LevelFatal = slog.Level(10)
	LevelPanic = slog.Level(12)
)

// Tag is the tag every record carries when written to a Sink.
const Tag = "MuxBridge"

// devEnv enables source locations and trace level when set.
const devEnv = "MUXBRIDGE_DEV"

var LevelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
	LevelPanic: "PANIC",
}

// Sink receives one formatted line per record.
type Sink interface {
	Log(tag, message string)
}

var (
	mu     sync.RWMutex
	logger *slog.Logger
	level  = new(slog.LevelVar)
	dev    bool
)

func init() {
	_, dev = os.LookupEnv(devEnv)
	if dev {
		level.Set(LevelTrace)
	}
	logger = slog.New(newHandler(os.Stdout, true))
}

func replace(withTime bool) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey && len(groups) == 0 {
			if !withTime {
				return slog.Attr{}
			}
			t := a.Value.Time().Format("2006-01-02 15:04:05")
			return slog.Attr{Key: slog.TimeKey, Value: slog.AnyValue(t)}
		}

		if a.Key == slog.LevelKey {
			lvl := a.Value.Any().(slog.Level)
			label, exists := LevelNames[lvl]
			if !exists {
				label = lvl.String()
			}
			a.Value = slog.StringValue(label)
			return a
		}

		if a.Key == slog.SourceKey {
			source := a.Value.Any().(*slog.Source)
			source.File = filepath.Base(source.File)
		}
		return a
	}
}

func newHandler(w io.Writer, withTime bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		AddSource:   dev,
		Level:       level,
		ReplaceAttr: replace(withTime),
	})
}

// sinkWriter adapts a Sink to the io.Writer a slog.TextHandler expects. The
// handler issues exactly one Write per record.
type sinkWriter struct {
	tag  string
	sink Sink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	w.sink.Log(w.tag, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// SetSink routes every record to s. The host log carries its own timestamps
// so the time attribute is dropped. A nil sink restores stdout output.
func SetSink(s Sink) {
	var h slog.Handler
	if s == nil {
		h = newHandler(os.Stdout, true)
	} else {
		h = newHandler(sinkWriter{tag: Tag, sink: s}, false)
	}

	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

// SetOutput sends records to w as text lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	logger = slog.New(newHandler(w, true))
	mu.Unlock()
}

// SetLevel changes the minimum level of every handler.
func SetLevel(l slog.Level) {
	level.Set(l)
}

func GetLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// With returns a logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return GetLogger().With(args...)
}

func log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l := GetLogger()
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = l.Handler().Handle(ctx, r)
}

func logf(ctx context.Context, level slog.Level, format string, args ...any) {
	l := GetLogger()
	if !l.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = l.Handler().Handle(ctx, r)
}

func Error(msg string, args ...any) {
	log(context.Background(), slog.LevelError, msg, args...)
}

func Errorf(format string, args ...any) {
	logf(context.Background(), slog.LevelError, format, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	log(ctx, slog.LevelError, msg, args...)
}

func Info(msg string, args ...any) {
	log(context.Background(), slog.LevelInfo, msg, args...)
}

func Infof(format string, args ...any) {
	logf(context.Background(), slog.LevelInfo, format, args...)
}

func Warn(msg string, args ...any) {
	log(context.Background(), slog.LevelWarn, msg, args...)
}

func Warnf(format string, args ...any) {
	logf(context.Background(), slog.LevelWarn, format, args...)
}

func Debug(msg string, args ...any) {
	log(context.Background(), slog.LevelDebug, msg, args...)
}

func Debugf(format string, args ...any) {
	logf(context.Background(), slog.LevelDebug, format, args...)
}

func Trace(msg string, args ...any) {
	log(context.Background(), LevelTrace, msg, args...)
}

func Tracef(format string, args ...any) {
	logf(context.Background(), LevelTrace, format, args...)
}

func Fatal(msg string, args ...any) {
	log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}
