// Package xlog is a small injectable logging facade used in place of a
// global logging singleton, so that tests can run silently and production
// code can still get colorized, leveled output on stderr or a log file.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mitchellh/colorstring"
)

// Logger is the narrow interface every component in this repository logs
// through. Production wires it to *Std; tests wire it to Discard.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Std writes colorized, leveled lines to an underlying writer. Safe for
// concurrent use by multiple peer sessions and the supervisor.
type Std struct {
	mu  sync.Mutex
	out io.Writer
	col *colorstring.Colorize
}

// NewStd builds a Logger that writes to w. If w is a terminal-less file
// (e.g. the -f/--log-file destination) colors degrade to plain text.
func NewStd(w io.Writer) *Std {
	plain := true
	if f, ok := w.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			plain = false
		}
	}
	return &Std{
		out: w,
		col: &colorstring.Colorize{
			Colors:  colorstring.DefaultColors,
			Disable: plain,
			Reset:   true,
		},
	}
}

// log colorizes only the level tag itself, not the message: the message may
// legitimately contain a "[...]"-shaped substring (a peer address, an error
// value), and colorstring.Color would try to resolve that as a color code.
func (s *Std) log(level, color, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.col.Color(fmt.Sprintf("[%s]%s[reset]", color, level))
	fmt.Fprintf(s.out, "[%s]%s\n", tag, fmt.Sprintf(format, args...))
}

func (s *Std) Infof(format string, args ...interface{})  { s.log("INFO", "green", format, args...) }
func (s *Std) Warnf(format string, args ...interface{})  { s.log("WARN", "yellow", format, args...) }
func (s *Std) Errorf(format string, args ...interface{}) { s.log("FAIL", "red", format, args...) }

type discard struct{}

func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}

// Discard is a Logger that drops every message; used by default in tests.
var Discard Logger = discard{}

// Default returns a Logger writing to os.Stderr, used when the caller hasn't
// configured a log file.
func Default() Logger { return NewStd(os.Stderr) }
