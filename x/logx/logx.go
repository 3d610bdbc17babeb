// Package logx prints tagged log lines with println so the same calls work
// under TinyGo and on the host.
package logx

import (
	"fmt"
	"sync/atomic"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "?"
}

var (
	level atomic.Int32
	sink  atomic.Pointer[func(string)]
)

func init() { level.Store(int32(LevelInfo)) }

// SetLevel drops lines below l.
func SetLevel(l Level) { level.Store(int32(l)) }

// SetOutput redirects lines to fn; nil restores println.
func SetOutput(fn func(string)) {
	if fn == nil {
		sink.Store(nil)
		return
	}
	sink.Store(&fn)
}

func Debugf(tag, format string, args ...any) { logf(LevelDebug, tag, format, args...) }
func Infof(tag, format string, args ...any)  { logf(LevelInfo, tag, format, args...) }
func Warnf(tag, format string, args ...any)  { logf(LevelWarn, tag, format, args...) }
func Errorf(tag, format string, args ...any) { logf(LevelError, tag, format, args...) }

func logf(l Level, tag, format string, args ...any) {
	if int32(l) < level.Load() {
		return
	}
	line := "[" + tag + "] " + l.String() + " " + fmt.Sprintf(format, args...)
	if fn := sink.Load(); fn != nil {
		(*fn)(line)
		return
	}
	println(line)
}
